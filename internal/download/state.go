package download

// State is the lifecycle state of a request. Persisted as an integer, so the
// order of these constants must not change.
type State int

const (
	StateNone State = iota
	StateQueued
	StateConnecting
	StateDownloading
	StatePaused
	StateCompleted
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateQueued:
		return "queued"
	case StateConnecting:
		return "connecting"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Recoverable reports whether a persisted request in state s should be
// re-queued after a daemon restart.
func (s State) Recoverable() bool {
	return s == StateQueued || s == StateConnecting || s == StateDownloading
}

// NetworkClass routes queued requests to the connectivity category they
// require. It doubles as the queue partition key.
type NetworkClass int

const (
	NetworkAll NetworkClass = iota
	NetworkWifi
	NetworkDataNetwork
	NetworkWifiDirect
)

// NetworkClasses lists every partition, in scheduler drain priority order:
// device-to-device traffic is serviced before everything else.
var NetworkClasses = []NetworkClass{NetworkWifiDirect, NetworkWifi, NetworkDataNetwork, NetworkAll}

func (n NetworkClass) String() string {
	switch n {
	case NetworkAll:
		return "all"
	case NetworkWifi:
		return "wifi"
	case NetworkDataNetwork:
		return "data_network"
	case NetworkWifiDirect:
		return "wifi_direct"
	default:
		return "unknown"
	}
}

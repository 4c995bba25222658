// Package netmon classifies the host's network interfaces into the
// connectivity classes the scheduler partitions work by. Classification is
// name-prefix based, which is how the kernel names wireless, peer-to-peer and
// cellular links on the devices this daemon targets.
package netmon

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/downloadd/internal/download"
)

const defaultTTL = 3 * time.Second

var (
	wifiPrefixes       = []string{"wl", "wifi"}
	wifiDirectPrefixes = []string{"p2p"}
	dataPrefixes       = []string{"wwan", "rmnet", "ccmni"}
)

// Monitor answers class availability from a cached interface scan. The scan
// runs at most once per TTL; the scheduler asks on every cycle.
type Monitor struct {
	// Interfaces overrides the interface source, for tests.
	Interfaces func() ([]net.Interface, error)

	ttl time.Duration

	mu      sync.Mutex
	scanned time.Time
	up      map[download.NetworkClass]bool
}

func New() *Monitor {
	return &Monitor{
		Interfaces: net.Interfaces,
		ttl:        defaultTTL,
	}
}

// Available reports whether the class has a usable link. The catch-all class
// is satisfied by any running non-loopback interface.
func (m *Monitor) Available(class download.NetworkClass) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.scanned) > m.ttl || m.up == nil {
		m.up = m.scan()
		m.scanned = time.Now()
	}

	return m.up[class]
}

func (m *Monitor) scan() map[download.NetworkClass]bool {
	up := make(map[download.NetworkClass]bool, len(download.NetworkClasses))

	ifaces, err := m.Interfaces()
	if err != nil {
		// Scanning failed; claiming everything is reachable lets the
		// engine report the real connectivity error per transfer.
		for _, class := range download.NetworkClasses {
			up[class] = true
		}

		return up
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		up[download.NetworkAll] = true

		switch classify(iface.Name) {
		case download.NetworkWifi:
			up[download.NetworkWifi] = true
		case download.NetworkWifiDirect:
			up[download.NetworkWifiDirect] = true
		case download.NetworkDataNetwork:
			up[download.NetworkDataNetwork] = true
		}
	}

	return up
}

func classify(name string) download.NetworkClass {
	lower := strings.ToLower(name)

	for _, p := range wifiDirectPrefixes {
		if strings.HasPrefix(lower, p) {
			return download.NetworkWifiDirect
		}
	}

	for _, p := range wifiPrefixes {
		if strings.HasPrefix(lower, p) {
			return download.NetworkWifi
		}
	}

	for _, p := range dataPrefixes {
		if strings.HasPrefix(lower, p) {
			return download.NetworkDataNetwork
		}
	}

	return download.NetworkAll
}

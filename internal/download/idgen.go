package download

import (
	"sync"
	"time"
)

// IDGenerator hands out request ids that are unique among concurrently
// tracked requests. Ids are derived from the wall clock so they stay roughly
// monotonic across daemon restarts; a collision with a live or persisted id
// is resolved by retrying with the microsecond component bumped.
type IDGenerator struct {
	mu     sync.Mutex
	issued map[int32]struct{}
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{issued: make(map[int32]struct{})}
}

// Next returns a fresh id. inUse is consulted in addition to the generator's
// own issued set, so callers can reject ids that survive in the database from
// a previous daemon run.
func (g *IDGenerator) Next(inUse func(int32) bool) int32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	id := int32(now.Unix()%1_000_000)*1000 + int32(now.Nanosecond()/1000%1000)

	for {
		if id <= 0 {
			id = 1
		}

		_, taken := g.issued[id]
		if !taken && (inUse == nil || !inUse(id)) {
			break
		}

		id++
	}

	g.issued[id] = struct{}{}

	return id
}

// Reserve marks an id recovered from persisted state as taken.
func (g *IDGenerator) Reserve(id int32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.issued[id] = struct{}{}
}

// Release returns an id to the pool once its request is no longer tracked.
func (g *IDGenerator) Release(id int32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.issued, id)
}

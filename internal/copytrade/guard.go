package copytrade

import "sync"

// guard marks a replication fan-out in progress. A nested fan-out started
// from inside one (a follower trade that would itself replicate) is refused.
type guard struct {
	mu     sync.Mutex
	active bool
}

func (g *guard) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return false
	}
	g.active = true
	return true
}

func (g *guard) release() {
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
}

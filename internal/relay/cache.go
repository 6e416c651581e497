package relay

import (
	"sync"

	"github.com/hangarf9/relaywan/internal/relaywan"
)

// outputCache remembers the level last written to each coil so re-applying
// an unchanged state produces no bus traffic.
type outputCache struct {
	mu    sync.RWMutex
	known [relaywan.NumOutputs]bool
	last  [relaywan.NumOutputs]bool
}

func (c *outputCache) HasChanged(output int, on bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.known[output] {
		return true
	}
	return c.last[output] != on
}

func (c *outputCache) Update(output int, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[output] = true
	c.last[output] = on
}

func (c *outputCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = [relaywan.NumOutputs]bool{}
	c.last = [relaywan.NumOutputs]bool{}
}

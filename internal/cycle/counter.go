package cycle

import "sync"

// Counter tallies external API calls for one cycle. A fresh counter is
// handed to the clients at the start of each cycle so the run log's call
// counts attribute cleanly to that run.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCounter returns an empty counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int)}
}

// Inc records one call to the named service.
func (c *Counter) Inc(service string) {
	c.mu.Lock()
	c.counts[service]++
	c.mu.Unlock()
}

// Snapshot copies the current tallies.
func (c *Counter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

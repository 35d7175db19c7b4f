package dispatcher

import "sync"

// controlObject is the shared `{connected_flags[2], force_stop_flags[2],
// last_error[2]}` state described in spec §4.3, covering the primary
// connection (index 0) and the optional second connection used when
// the subject is itself an event dispatcher (index 1).
type controlObject struct {
	mu sync.Mutex

	connected [2]bool
	forceStop [2]bool
	lastError [2]error
}

func newControlObject() *controlObject {
	return &controlObject{}
}

func (c *controlObject) setConnected(idx int, v bool) {
	c.mu.Lock()
	c.connected[idx] = v
	c.mu.Unlock()
}

func (c *controlObject) setForceStop(idx int) {
	c.mu.Lock()
	c.forceStop[idx] = true
	c.mu.Unlock()
}

func (c *controlObject) shouldStop(idx int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceStop[idx]
}

func (c *controlObject) setLastError(idx int, err error) {
	c.mu.Lock()
	c.lastError[idx] = err
	c.mu.Unlock()
}

func (c *controlObject) snapshot() (connected, forceStop [2]bool, lastError [2]error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, c.forceStop, c.lastError
}

package transport

import (
	"sync"
	"time"
)

// idleTimer gives a Connection its own idle teardown timer: reset on
// activity, closed on expiry.
type idleTimer struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	conn    *Connection
	stopped bool
}

const defaultIdleTeardown = 5 * time.Minute

func newIdleTimer(c *Connection) *idleTimer {
	it := &idleTimer{timeout: defaultIdleTeardown, conn: c}
	it.timer = time.AfterFunc(it.timeout, it.fire)
	return it
}

func (it *idleTimer) touch() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.stopped {
		return
	}
	it.timer.Reset(it.timeout)
}

func (it *idleTimer) fire() {
	it.mu.Lock()
	stopped := it.stopped
	it.mu.Unlock()
	if stopped {
		return
	}
	it.conn.closeLocked(nil)
}

func (it *idleTimer) stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.stopped {
		return
	}
	it.stopped = true
	it.timer.Stop()
}

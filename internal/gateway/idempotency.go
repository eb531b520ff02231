package gateway

import (
	"sync"
	"time"
)

const (
	idempotencyTTL   = 60 * time.Second
	idempotencySweep = 30 * time.Second
)

// sideEffecting lists the methods whose responses are replayed for a
// duplicated request id inside the TTL window. Reads are never cached.
var sideEffecting = map[string]bool{
	"chat.send":       true,
	"sessions.delete": true,
	"cron.add":        true,
	"cron.update":     true,
	"cron.remove":     true,
	"cron.run":        true,
}

type idemEntry struct {
	response []byte
	storedAt time.Time
}

// idemCache replays side-effecting responses keyed by
// (clientID, method, requestID). The client id is part of the key so
// two clients reusing the same request id never collide.
type idemCache struct {
	mu      sync.Mutex
	entries map[idemKey]idemEntry
	nowFunc func() time.Time
	done    chan struct{}
	once    sync.Once
}

type idemKey struct {
	clientID  string
	method    string
	requestID string
}

func newIdemCache() *idemCache {
	c := &idemCache{
		entries: make(map[idemKey]idemEntry),
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// lookup returns the cached response bytes for a duplicate request.
func (c *idemCache) lookup(clientID, method, requestID string) ([]byte, bool) {
	if !sideEffecting[method] {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[idemKey{clientID, method, requestID}]
	if !ok {
		return nil, false
	}
	if c.nowFunc().Sub(entry.storedAt) > idempotencyTTL {
		delete(c.entries, idemKey{clientID, method, requestID})
		return nil, false
	}
	return entry.response, true
}

// store records the serialized response for later replay.
func (c *idemCache) store(clientID, method, requestID string, response []byte) {
	if !sideEffecting[method] {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[idemKey{clientID, method, requestID}] = idemEntry{
		response: response,
		storedAt: c.nowFunc(),
	}
}

func (c *idemCache) sweepLoop() {
	ticker := time.NewTicker(idempotencySweep)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *idemCache) sweep() {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > idempotencyTTL {
			delete(c.entries, key)
		}
	}
}

func (c *idemCache) close() {
	c.once.Do(func() { close(c.done) })
}

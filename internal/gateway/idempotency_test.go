package gateway

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T) (*idemCache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c := &idemCache{
		entries: make(map[idemKey]idemEntry),
		nowFunc: func() time.Time { return now },
		done:    make(chan struct{}),
	}
	// No sweep loop; tests call sweep directly.
	return c, &now
}

func TestDuplicateReplaysResponse(t *testing.T) {
	c, _ := newTestCache(t)
	c.store("client-1", "chat.send", "42", []byte(`{"ok":true}`))

	got, ok := c.lookup("client-1", "chat.send", "42")
	if !ok || string(got) != `{"ok":true}` {
		t.Fatalf("lookup = %q, %v", got, ok)
	}
}

func TestDifferentClientMisses(t *testing.T) {
	c, _ := newTestCache(t)
	c.store("client-1", "chat.send", "42", []byte(`{}`))
	if _, ok := c.lookup("client-2", "chat.send", "42"); ok {
		t.Error("cross-client lookup hit")
	}
}

func TestReadsNeverCached(t *testing.T) {
	c, _ := newTestCache(t)
	c.store("client-1", "sessions.list", "42", []byte(`{}`))
	if _, ok := c.lookup("client-1", "sessions.list", "42"); ok {
		t.Error("non-side-effecting method was cached")
	}
}

func TestEntryExpires(t *testing.T) {
	c, now := newTestCache(t)
	c.store("client-1", "cron.add", "7", []byte(`{}`))

	*now = now.Add(idempotencyTTL + time.Second)
	if _, ok := c.lookup("client-1", "cron.add", "7"); ok {
		t.Error("expired entry replayed")
	}
}

func TestSweepEvicts(t *testing.T) {
	c, now := newTestCache(t)
	c.store("client-1", "cron.add", "7", []byte(`{}`))
	c.store("client-1", "cron.remove", "8", []byte(`{}`))

	*now = now.Add(idempotencyTTL + time.Second)
	c.sweep()

	c.mu.Lock()
	remaining := len(c.entries)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("entries after sweep = %d, want 0", remaining)
	}
}

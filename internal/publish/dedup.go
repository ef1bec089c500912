package publish

import (
	"sync"
	"time"
)

// payloadCache remembers the last payload sent per topic so unchanged
// values are not republished every cycle. Entries expire after the TTL,
// which doubles as the re-announce period for stable values.
type payloadCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]payloadEntry
}

type payloadEntry struct {
	payload string
	at      time.Time
}

func newPayloadCache(ttl time.Duration) *payloadCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &payloadCache{ttl: ttl, data: make(map[string]payloadEntry, 1024)}
}

// seen reports whether the exact payload was already published on the
// topic within the TTL.
func (c *payloadCache) seen(topic, payload string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[topic]
	if !ok {
		return false
	}
	if time.Since(e.at) > c.ttl {
		delete(c.data, topic)
		return false
	}
	return e.payload == payload
}

// remember stores the payload with the current timestamp.
func (c *payloadCache) remember(topic, payload string) {
	c.mu.Lock()
	c.data[topic] = payloadEntry{payload: payload, at: time.Now()}
	c.mu.Unlock()
}

package envelope

import (
	"crypto/cipher"
	"sync"
	"time"
)

// keyCache mantém a primitiva importada com expiração explícita.
type keyCache struct {
	mu        sync.RWMutex
	now       func() time.Time
	ttl       time.Duration
	aead      cipher.AEAD
	expiresAt time.Time
}

func newKeyCache(now func() time.Time, ttl time.Duration) *keyCache {
	return &keyCache{now: now, ttl: ttl}
}

func (c *keyCache) get() (cipher.AEAD, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.aead == nil {
		return nil, false
	}
	if c.ttl > 0 && !c.now().Before(c.expiresAt) {
		return nil, false
	}
	return c.aead, true
}

func (c *keyCache) put(aead cipher.AEAD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aead = aead
	if c.ttl > 0 {
		c.expiresAt = c.now().Add(c.ttl)
	}
}

func (c *keyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aead = nil
	c.expiresAt = time.Time{}
}

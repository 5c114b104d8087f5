package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// CachedContext is what the token cache remembers about an issued id_token.
type CachedContext struct {
	ClientID string        `json:"client_id"`
	Scope    string        `json:"scope"`
	User     string        `json:"user"`
	Context  LaunchContext `json:"context"`
}

type cacheEntry struct {
	value   CachedContext
	expires time.Time
}

// TokenCache is a bounded, best effort map from id_token to the context it
// was issued for. The oldest entry is evicted when full and expired entries
// are dropped when read. Nothing depends on an entry being present.
type TokenCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]cacheEntry
	order    []string
	now      func() time.Time
}

// NewTokenCache creates a cache holding at most capacity entries for ttl.
func NewTokenCache(capacity int, ttl time.Duration) *TokenCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry, capacity),
		now:      time.Now,
	}
}

func cacheKey(idToken string) string {
	sum := sha256.Sum256([]byte(idToken))
	return hex.EncodeToString(sum[:])
}

// Put stores v under idToken.
func (c *TokenCache) Put(idToken string, v CachedContext) {
	key := cacheKey(idToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		for len(c.order) >= c.capacity {
			delete(c.entries, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{value: v, expires: c.now().Add(c.ttl)}
}

// Get returns the context stored for idToken.
func (c *TokenCache) Get(idToken string) (CachedContext, bool) {
	key := cacheKey(idToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return CachedContext{}, false
	}
	if !c.now().Before(e.expires) {
		c.remove(key)
		return CachedContext{}, false
	}
	return e.value, true
}

// Len returns the number of stored entries, expired ones included.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TokenCache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// handleSession looks up the context an id_token was issued for.
func (h *Handler) handleSession(c echo.Context) error {
	if _, err := h.endpoint(c); err != nil {
		return RenderError(c, h.logger, err, "", "")
	}
	hint := c.QueryParam("id_token_hint")
	if hint == "" {
		return RenderError(c, h.logger, invalidRequest(http.StatusBadRequest, "Missing id_token_hint parameter"), "", "")
	}
	v, ok := h.cache.Get(hint)
	if !ok {
		return c.String(http.StatusNotFound, "No session found for this id_token")
	}
	return c.JSON(http.StatusOK, v)
}

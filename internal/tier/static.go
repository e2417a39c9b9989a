package tier

import (
	"context"
	"sync"
)

// StaticCatalog serves tier definitions from an in-process table, with
// optional per-user tier assignments layered on top. It is the default
// catalog when no database is configured.
type StaticCatalog struct {
	mu    sync.RWMutex
	tiers map[Name]Definition
	users map[string]Name
}

// NewStaticCatalog builds a catalog from the built-in tier table.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		tiers: Defaults(),
		users: make(map[string]Name),
	}
}

// AssignUser maps a user to a tier. Unknown tiers are ignored.
func (c *StaticCatalog) AssignUser(userID string, name Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tiers[name]; ok {
		c.users[userID] = name
	}
}

// Resolve implements Catalog. Anonymous callers and users without an
// assignment resolve to freemium defaults with the fallback flag set.
func (c *StaticCatalog) Resolve(_ context.Context, userID *string) (Definition, bool) {
	if userID == nil || *userID == "" {
		return FreemiumDefaults(), true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.users[*userID]
	if !ok {
		return FreemiumDefaults(), true
	}
	def, ok := c.tiers[name]
	if !ok {
		return FreemiumDefaults(), true
	}
	return def, false
}

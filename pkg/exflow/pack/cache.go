package pack

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Provider supplies the configuration snapshot for a tenant's domain.
type Provider interface {
	Snapshot(ctx context.Context, tenantID, domain string) (*Snapshot, error)
}

// Cache is a read-through cache of packs keyed by (tenant, version). Each
// tenant has one active version, changed only by Activate; lookups always
// read the active version.
type Cache struct {
	source Source

	mu     sync.RWMutex
	active map[string]int
	packs  map[packKey]*Pack

	loads atomic.Int64
}

var _ Provider = (*Cache)(nil)

// NewCache creates a cache over source.
func NewCache(source Source) *Cache {
	return &Cache{
		source: source,
		active: make(map[string]int),
		packs:  make(map[packKey]*Pack),
	}
}

// NewStaticProvider returns a cache over an in-memory source with each
// tenant's initial version active.
func NewStaticProvider(packs ...*Pack) (*Cache, error) {
	src, err := NewMemorySource(packs...)
	if err != nil {
		return nil, err
	}
	c := NewCache(src)
	for tenant, v := range src.InitialVersions() {
		if err := c.Activate(context.Background(), tenant, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Activate makes version the tenant's active pack. The pack is loaded
// first, so activating a missing version fails and leaves the previous
// activation in place. Cached entries for the tenant's other versions are
// dropped.
func (c *Cache) Activate(ctx context.Context, tenantID string, version int) error {
	p, err := c.source.Load(ctx, tenantID, version)
	if err != nil {
		return err
	}
	c.loads.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.packs {
		if k.tenantID == tenantID && k.version != version {
			delete(c.packs, k)
		}
	}
	c.packs[packKey{tenantID, version}] = p
	c.active[tenantID] = version
	return nil
}

// ActiveVersion returns the tenant's active version.
func (c *Cache) ActiveVersion(tenantID string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.active[tenantID]
	return v, ok
}

// Tenants returns the tenants with an active pack, sorted.
func (c *Cache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.active))
	for t := range c.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Pack returns the tenant's active pack.
func (c *Cache) Pack(ctx context.Context, tenantID string) (*Pack, error) {
	c.mu.RLock()
	version, ok := c.active[tenantID]
	p := c.packs[packKey{tenantID, version}]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActivePack, tenantID)
	}
	if p != nil {
		return p, nil
	}

	p, err := c.source.Load(ctx, tenantID, version)
	if err != nil {
		return nil, err
	}
	c.loads.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[tenantID] == version {
		c.packs[packKey{tenantID, version}] = p
	}
	return p, nil
}

// Snapshot implements Provider.
func (c *Cache) Snapshot(ctx context.Context, tenantID, domain string) (*Snapshot, error) {
	p, err := c.Pack(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return p.Snapshot(domain), nil
}

// Loads returns how many times the cache read from its source.
func (c *Cache) Loads() int64 {
	return c.loads.Load()
}

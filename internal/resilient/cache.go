package resilient

import (
	"context"
	"time"
)

// Class groups cached resources that share a TTL and are invalidated together.
type Class string

const (
	ClassRoles       Class = "roles"
	ClassGroup       Class = "group"
	ClassPermissions Class = "permissions"
	ClassHealth      Class = "health"
)

// DefaultTTLs returns the per-class cache lifetimes.
func DefaultTTLs() map[Class]time.Duration {
	return map[Class]time.Duration{
		ClassRoles:       5 * time.Minute,
		ClassGroup:       10 * time.Minute,
		ClassPermissions: 5 * time.Minute,
		ClassHealth:      30 * time.Second,
	}
}

type cacheKey struct {
	class Class
	key   string
}

type cacheEntry struct {
	data   any
	expiry time.Time
}

// CacheStats is a point-in-time view of cache usage.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// Fetch returns the cached value for (class, key) or loads it through c.Do.
// force skips the lookup but still stores the fresh value. Concurrent misses
// for the same key share one load; a waiter that gives up does not cancel it
// for the others.
func Fetch[T any](ctx context.Context, c *Client, class Class, key string, force bool, load func(ctx context.Context) (T, error)) (T, error) {
	if !force {
		v, _ := c.lookup(class, key)
		typed, ok := v.(T)
		if c.onCache != nil {
			c.onCache(class, ok)
		}
		if ok {
			c.hits.Add(1)
			return typed, nil
		}
	}
	c.misses.Add(1)

	flightKey := string(class) + "\x00" + key
	if force {
		flightKey = "force\x00" + flightKey
	}
	// The shared load outlives any single waiter; attempts stay bounded by
	// the policy timeout.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		var out T
		err := c.Do(loadCtx, string(class), func(actx context.Context) error {
			loaded, err := load(actx)
			if err != nil {
				return err
			}
			out = loaded
			return nil
		})
		if err != nil {
			return nil, err
		}
		c.store(class, key, out)
		return out, nil
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Cached reports whether a fresh entry exists for (class, key).
func (c *Client) Cached(class Class, key string) bool {
	_, ok := c.lookup(class, key)
	return ok
}

func (c *Client) lookup(class Class, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{class: class, key: key}
	e, ok := c.cache[k]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiry) {
		delete(c.cache, k)
		return nil, false
	}
	return e.data, true
}

func (c *Client) store(class Class, key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl := c.ttl[class]
	if ttl <= 0 {
		return
	}
	c.cache[cacheKey{class: class, key: key}] = cacheEntry{data: v, expiry: c.clock.Now().Add(ttl)}
}

// Invalidate drops every entry of the given classes. With no arguments the
// whole cache is cleared.
func (c *Client) Invalidate(classes ...Class) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(classes) == 0 {
		clear(c.cache)
		return
	}
	drop := make(map[Class]bool, len(classes))
	for _, cl := range classes {
		drop[cl] = true
	}
	for k := range c.cache {
		if drop[k.class] {
			delete(c.cache, k)
		}
	}
}

// Stats reports hit/miss counters and live entries.
func (c *Client) Stats() CacheStats {
	c.mu.Lock()
	now := c.clock.Now()
	live := 0
	for _, e := range c.cache {
		if now.Before(e.expiry) {
			live++
		}
	}
	c.mu.Unlock()
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: live}
}

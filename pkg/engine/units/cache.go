package units

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
	"github.com/polisai/polis-pipelines/pkg/schema"
)

const defaultCacheCapacity = 256

// CachedUnit memoizes the results of a deterministic unit keyed by its input.
// Failed calls are never stored.
type CachedUnit struct {
	inner runtime.Unit
	ttl   time.Duration
	now   func() time.Time
	cache *resultCache
}

// Cached wraps unit with an LRU cache. A zero ttl keeps entries until they
// are evicted; a non-positive capacity uses the default.
func Cached(unit runtime.Unit, ttl time.Duration, capacity int) *CachedUnit {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &CachedUnit{
		inner: unit,
		ttl:   ttl,
		now:   time.Now,
		cache: newResultCache(capacity),
	}
}

func (c *CachedUnit) Name() string       { return c.inner.Name() }
func (c *CachedUnit) Kind() runtime.Kind { return c.inner.Kind() }

// Len reports the number of cached entries.
func (c *CachedUnit) Len() int { return c.cache.Len() }

// Call returns a stored result for the same input or calls the wrapped unit.
func (c *CachedUnit) Call(ctx context.Context, data domain.DataBag) (runtime.Result, error) {
	key, ok := inputKey(c.inner.Name(), data)
	if ok {
		if res, hit := c.cache.Get(key, c.now()); hit {
			return copyResult(res), nil
		}
	}

	res, err := c.inner.Call(ctx, data)
	if err != nil || !ok {
		return res, err
	}

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}
	c.cache.Add(key, copyResult(res), expires)
	return res, nil
}

// InputSchema delegates to the wrapped unit when it describes itself.
func (c *CachedUnit) InputSchema() *schema.Schema {
	if d, ok := c.inner.(runtime.Describer); ok {
		return d.InputSchema()
	}
	return nil
}

// OutputSchema delegates to the wrapped unit when it describes itself.
func (c *CachedUnit) OutputSchema() *schema.Schema {
	if d, ok := c.inner.(runtime.Describer); ok {
		return d.OutputSchema()
	}
	return nil
}

// inputKey hashes the unit name and the JSON form of the input. Inputs that
// cannot be encoded are not cached.
func inputKey(name string, data domain.DataBag) (string, bool) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), true
}

func copyResult(res runtime.Result) runtime.Result {
	if res.Data != nil {
		res.Data = res.Data.Clone()
	}
	return res
}

type resultCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type resultItem struct {
	key     string
	value   runtime.Result
	expires time.Time
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *resultCache) Get(key string, now time.Time) (runtime.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return runtime.Result{}, false
	}
	item := elem.Value.(resultItem)
	if !item.expires.IsZero() && !now.Before(item.expires) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return runtime.Result{}, false
	}
	c.order.MoveToFront(elem)
	return item.value, true
}

func (c *resultCache) Add(key string, value runtime.Result, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := resultItem{key: key, value: value, expires: expires}
	if elem, ok := c.entries[key]; ok {
		elem.Value = item
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(item)
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(resultItem).key)
	}
}

func (c *resultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

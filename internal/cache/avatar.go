package cache

import (
	"container/list"
	"sync"
)

// AvatarCache is a bounded LRU of photo reference → image bytes.
// It is written from background fetches and is safe for concurrent use.
type AvatarCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type avatarEntry struct {
	ref string
	img []byte
}

// NewAvatarCache creates a cache holding at most max images. A max of zero
// or less disables the bound.
func NewAvatarCache(max int) *AvatarCache {
	return &AvatarCache{
		max:   max,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Get returns the cached image for ref and marks it recently used.
func (c *AvatarCache) Get(ref string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[ref]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*avatarEntry).img, true
}

// Put stores img for ref, evicting the least recently used image when full.
func (c *AvatarCache) Put(ref string, img []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[ref]; ok {
		el.Value.(*avatarEntry).img = img
		c.order.MoveToFront(el)
		return
	}
	c.items[ref] = c.order.PushFront(&avatarEntry{ref: ref, img: img})
	if c.max > 0 && c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*avatarEntry).ref)
	}
}

// Delete drops ref from the cache.
func (c *AvatarCache) Delete(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[ref]; ok {
		c.order.Remove(el)
		delete(c.items, ref)
	}
}

// Len returns the number of cached images.
func (c *AvatarCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Reset clears all images from the cache
func (c *AvatarCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package grad

import (
	"sync"

	"github.com/mlnoga/mireg/internal/raster"
)

// A memoizing gradient provider. Results are keyed by image identity and
// version, so an image modified in place and marked via Touch() is recomputed.
// Callers own the cache and decide its lifetime; nothing caches implicitly.
type Cache struct {
	Provider Provider

	mutex   sync.Mutex
	entries map[*raster.Image]cacheEntry
	hits    int
	misses  int
}

type cacheEntry struct {
	version uint64
	gx, gy  *raster.Image
}

func NewCache(p Provider) *Cache {
	return &Cache{Provider: p, entries: map[*raster.Image]cacheEntry{}}
}

func (c *Cache) Gradient(img *raster.Image) (gx, gy *raster.Image, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.entries == nil {
		c.entries = map[*raster.Image]cacheEntry{}
	}
	version := img.Version()
	if e, ok := c.entries[img]; ok && e.version == version {
		c.hits++
		return e.gx, e.gy, nil
	}
	c.misses++
	gx, gy, err = c.Provider.Gradient(img)
	if err != nil {
		return nil, nil, err
	}
	c.entries[img] = cacheEntry{version: version, gx: gx, gy: gy}
	return gx, gy, nil
}

// Drops the cached gradient for one image
func (c *Cache) Invalidate(img *raster.Image) {
	c.mutex.Lock()
	delete(c.entries, img)
	c.mutex.Unlock()
}

// Drops all cached gradients
func (c *Cache) Reset() {
	c.mutex.Lock()
	c.entries = map[*raster.Image]cacheEntry{}
	c.mutex.Unlock()
}

// Returns the number of cache hits and misses so far
func (c *Cache) Stats() (hits, misses int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.hits, c.misses
}

package timeseries

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrUnsupportedRange = errors.New("unsupported range: only 7 and 30 days")

// ValidRange reports whether days is one of the dashboard presets.
func ValidRange(days int) bool {
	return days == 7 || days == 30
}

type cacheKey struct {
	family string
	days   int
}

// Entry is a cached merged series.
type Entry struct {
	Family    string        `json:"family"`
	Days      int           `json:"days"`
	Series    DisplaySeries `json:"series"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// RangeCache holds one merged series per (family, range). Entries live until
// invalidated.
type RangeCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]Entry
}

func NewRangeCache() *RangeCache {
	return &RangeCache{entries: make(map[cacheKey]Entry)}
}

func (c *RangeCache) Get(family string, days int) (Entry, bool, error) {
	if !ValidRange(days) {
		return Entry{}, false, fmt.Errorf("%w: %d", ErrUnsupportedRange, days)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey{family: family, days: days}]
	return e, ok, nil
}

func (c *RangeCache) Put(e Entry) error {
	if !ValidRange(e.Days) {
		return fmt.Errorf("%w: %d", ErrUnsupportedRange, e.Days)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{family: e.Family, days: e.Days}] = e
	return nil
}

// Invalidate drops every range cached for family.
func (c *RangeCache) Invalidate(family string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.family == family {
			delete(c.entries, k)
		}
	}
}

func (c *RangeCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]Entry)
}

func (c *RangeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

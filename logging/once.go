package logging

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultOnceSize bounds how many distinct keys a OnceFilter remembers.
const DefaultOnceSize = 4096

// OnceFilter remembers recently seen keys so a noisy condition (the same bad
// memo on every poll) is logged once instead of every cycle. Keys evicted from
// the LRU may be logged again.
type OnceFilter struct {
	seen *lru.Cache[string, struct{}]
}

// NewOnceFilter returns a filter holding up to size keys.
func NewOnceFilter(size int) *OnceFilter {
	if size <= 0 {
		size = DefaultOnceSize
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &OnceFilter{seen: cache}
}

// First reports whether key is seen for the first time and remembers it.
func (f *OnceFilter) First(key string) bool {
	if f == nil {
		return true
	}
	found, _ := f.seen.ContainsOrAdd(key, struct{}{})
	return !found
}

// Len returns the number of remembered keys.
func (f *OnceFilter) Len() int {
	if f == nil {
		return 0
	}
	return f.seen.Len()
}

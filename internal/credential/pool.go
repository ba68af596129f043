// Package credential holds the set of provider API keys and retires the ones
// the provider rejects.
package credential

import (
	"errors"
	"math/rand/v2"
	"sync"
)

var (
	// ErrPoolEmpty is returned by PickOne once every credential has been retired.
	ErrPoolEmpty = errors.New("credential pool is empty")
	// ErrPoolEntryNotFound is returned by Remove for a credential not in the pool.
	ErrPoolEntryNotFound = errors.New("credential not found in pool")
)

// Pool is a set of unique credentials shared by concurrent requesters. It
// only ever shrinks.
type Pool struct {
	mu   sync.RWMutex
	keys []string
	pick func(n int) int
}

// NewPool builds a pool from keys, dropping blanks and duplicates.
func NewPool(keys []string) *Pool {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	return &Pool{keys: unique, pick: rand.IntN}
}

// PickOne returns any credential from the pool.
func (p *Pool) PickOne() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.keys) == 0 {
		return "", ErrPoolEmpty
	}
	return p.keys[p.pick(len(p.keys))], nil
}

// Remove retires key and returns how many credentials remain.
func (p *Pool) Remove(key string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.keys {
		if k != key {
			continue
		}
		last := len(p.keys) - 1
		p.keys[i] = p.keys[last]
		p.keys[last] = ""
		p.keys = p.keys[:last]
		return len(p.keys), nil
	}
	return len(p.keys), ErrPoolEntryNotFound
}

// Len reports the number of usable credentials.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

package engine

import (
	"slices"
	"sync"
)

// instanceRegistry tracks the instances currently owned by one engine and
// serializes access to each of them. Two process instances may execute fully
// concurrently; within one instance every mutation of shared state goes
// through the per-instance lock.
//
// The registry is owned by the engine value, never module-level, so multiple
// engines can coexist in one process.
type instanceRegistry struct {
	mu     sync.Mutex
	locks  map[int64]*sync.Mutex
	active map[int64]struct{}
}

func newInstanceRegistry() *instanceRegistry {
	return &instanceRegistry{
		locks:  make(map[int64]*sync.Mutex),
		active: make(map[int64]struct{}),
	}
}

// register adds an instance to the active set. It reports false when the
// ceiling is already reached; limit <= 0 means unbounded.
func (r *instanceRegistry) register(key int64, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.active) >= limit {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

// release removes an instance from the active set, called on every terminal
// transition.
func (r *instanceRegistry) release(key int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}

func (r *instanceRegistry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *instanceRegistry) activeKeys() []int64 {
	r.mu.Lock()
	keys := make([]int64, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	slices.Sort(keys)
	return keys
}

func (r *instanceRegistry) lockInstance(key int64) {
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()
	lock.Lock()
}

func (r *instanceRegistry) unlockInstance(key int64) {
	r.mu.Lock()
	lock := r.locks[key]
	r.mu.Unlock()
	if lock != nil {
		lock.Unlock()
	}
}

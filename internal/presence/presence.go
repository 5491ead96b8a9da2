// Package presence tracks which members of a group currently hold a live
// session in it.
package presence

import (
	"context"
	"sort"
	"sync"
)

type Registry interface {
	Add(ctx context.Context, groupId string, userId int) error
	Remove(ctx context.Context, groupId string, userId int) error
	Members(ctx context.Context, groupId string) ([]int, error)
}

// MemoryRegistry keeps presence for a single server instance.
type MemoryRegistry struct {
	mu     sync.RWMutex
	online map[string]map[int]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{online: make(map[string]map[int]struct{})}
}

func (r *MemoryRegistry) Add(_ context.Context, groupId string, userId int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.online[groupId]
	if !ok {
		set = make(map[int]struct{})
		r.online[groupId] = set
	}
	set[userId] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Remove(_ context.Context, groupId string, userId int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.online[groupId]
	if !ok {
		return nil
	}
	delete(set, userId)
	if len(set) == 0 {
		delete(r.online, groupId)
	}
	return nil
}

func (r *MemoryRegistry) Members(_ context.Context, groupId string) ([]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.online[groupId]))
	for id := range r.online[groupId] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

package review

import (
	"context"
	"sort"
	"sync"

	"github.com/medrex/ehr-access/pkg/rbac"
)

// MemoryQueue is an in-process review queue
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]rbac.ReviewItem
}

// NewMemoryQueue creates an empty review queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]rbac.ReviewItem)}
}

// Enqueue adds the item unless the decision is already queued
func (q *MemoryQueue) Enqueue(_ context.Context, item rbac.ReviewItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[item.DecisionID]; !exists {
		q.items[item.DecisionID] = item
	}
	return nil
}

// Pending returns up to limit items, oldest first
func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]rbac.ReviewItem, error) {
	if limit <= 0 {
		limit = rbac.DefaultPageSize
	}

	q.mu.Lock()
	items := make([]rbac.ReviewItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item)
	}
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].QueuedAt.Before(items[j].QueuedAt)
		}
		return items[i].DecisionID < items[j].DecisionID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Acknowledge removes the decision from the queue
func (q *MemoryQueue) Acknowledge(_ context.Context, decisionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, decisionID)
	return nil
}

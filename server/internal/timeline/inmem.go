package timeline

import (
	"context"
	"sort"
	"sync"

	"chatsync/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	batches  map[string][]model.Batch
	seq      map[string]int64
	eventIDs map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		batches:  make(map[string][]model.Batch),
		seq:      make(map[string]int64),
		eventIDs: make(map[string]map[string]int64),
	}
}

// Append 追加一批变更，并为该集合分配单调递增 seq。
// 副作用：会修改内存状态并回填 batch.Seq 与条目的 Seq；相同 EventID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, collectionID string, batch *model.Batch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.EventID != "" {
		if seen, ok := s.eventIDs[collectionID]; ok {
			if seq, exists := seen[batch.EventID]; exists {
				batch.Seq = seq
				return seq, nil
			}
		}
	}

	s.seq[collectionID]++
	seq := s.seq[collectionID]

	batch.Seq = seq
	batch.CollectionID = collectionID
	for i := range batch.Mutations {
		if batch.Mutations[i].Kind != model.MutationDeleted {
			batch.Mutations[i].Item.Seq = seq
		}
	}

	s.batches[collectionID] = append(s.batches[collectionID], cloneBatch(*batch))

	if batch.EventID != "" {
		if s.eventIDs[collectionID] == nil {
			s.eventIDs[collectionID] = make(map[string]int64)
		}
		s.eventIDs[collectionID][batch.EventID] = seq
	}

	return seq, nil
}

// List 返回某个集合的全部变更（按 seq 顺序）。
// 兼容性：返回副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, collectionID string) ([]model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := s.batches[collectionID]
	out := make([]model.Batch, len(batches))
	for i, b := range batches {
		out[i] = cloneBatch(b)
	}
	return out, nil
}

// Since 返回 seq > since 的变更。seq 连续，所以直接二分定位。
func (s *InMemoryStore) Since(_ context.Context, collectionID string, since int64) ([]model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := s.batches[collectionID]
	idx := sort.Search(len(batches), func(i int) bool { return batches[i].Seq > since })
	out := make([]model.Batch, 0, len(batches)-idx)
	for _, b := range batches[idx:] {
		out = append(out, cloneBatch(b))
	}
	return out, nil
}

func (s *InMemoryStore) Head(_ context.Context, collectionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq[collectionID], nil
}

func cloneBatch(b model.Batch) model.Batch {
	if b.Mutations != nil {
		b.Mutations = append([]model.Mutation(nil), b.Mutations...)
	}
	return b
}

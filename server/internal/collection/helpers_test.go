package collection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
)

func stepClock() func() time.Time {
	var mu sync.Mutex
	now := t0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newMemory(id string, opts ...source.MemoryOption) *source.MemorySource {
	return source.NewMemorySource(id, nil, append([]source.MemoryOption{source.WithClock(stepClock())}, opts...)...)
}

func newTestConsumer() *Consumer {
	return NewConsumer(nil, Options{ResyncBackoff: 10 * time.Millisecond, EventTimeout: 2 * time.Second})
}

// waitSnapshot 等待快照满足条件并返回它。
func waitSnapshot(t *testing.T, h *Handle, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
	return h.Snapshot()
}

func waitNotice(t *testing.T, h *Handle) Notice {
	t.Helper()
	select {
	case n, ok := <-h.Notices():
		require.True(t, ok, "notices closed before a notice arrived")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notice")
		return Notice{}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func itemTexts(s Snapshot) []string {
	out := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		out = append(out, it.Text)
	}
	return out
}

// gatedSource 在返回翻页结果（或首屏，gateInitial 时）之前等待 gate。
// 页面在等待之前生成，模拟“先拉取、后到达”。
type gatedSource struct {
	*source.MemorySource
	gateInitial bool
	gate        chan struct{}
	fetched     chan struct{}
}

func newGated(mem *source.MemorySource) *gatedSource {
	return &gatedSource{MemorySource: mem, gate: make(chan struct{}), fetched: make(chan struct{}, 8)}
}

func (g *gatedSource) Fetch(ctx context.Context, req source.FetchRequest) (model.Page, error) {
	page, err := g.MemorySource.Fetch(ctx, req)
	if req.Cursor != "" || g.gateInitial {
		g.fetched <- struct{}{}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return model.Page{}, ctx.Err()
		}
	}
	return page, err
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// scriptedSource 由测试直接决定页面内容与推送批次。
type scriptedSource struct {
	id string

	mu         sync.Mutex
	page       model.Page
	listener   source.Listener
	subscribes int
	fetches    int
	onFetch    func()
	block      chan struct{}
}

func (s *scriptedSource) ID() string { return s.id }

func (s *scriptedSource) Fetch(ctx context.Context, req source.FetchRequest) (model.Page, error) {
	s.mu.Lock()
	s.fetches++
	page := s.page
	onFetch := s.onFetch
	s.onFetch = nil
	block := s.block
	s.mu.Unlock()

	if req.Cursor == "" && onFetch != nil {
		onFetch()
	}
	if req.Cursor != "" && block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return model.Page{}, ctx.Err()
		}
	}
	return page, nil
}

func (s *scriptedSource) Subscribe(ctx context.Context, l source.Listener) (source.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	s.subscribes++
	return closeFunc(func() error { return nil }), nil
}

func (s *scriptedSource) push(b model.Batch) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	l(b)
}

func (s *scriptedSource) setPage(p model.Page) {
	s.mu.Lock()
	s.page = p
	s.mu.Unlock()
}

func (s *scriptedSource) counts() (subscribes, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes, s.fetches
}

func added(seq int64, it model.Item) model.Batch {
	return model.Batch{Seq: seq, Origin: model.OriginLiveEvent, Mutations: []model.Mutation{{Kind: model.MutationAdded, Key: it.Key, Item: it}}}
}

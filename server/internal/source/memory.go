package source

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatsync/server/internal/logging"
	"chatsync/server/internal/model"
	"chatsync/server/internal/timeline"
)

// MemorySource 是一个基于内存的数据源：有序条目集合 + timeline 变更日志 + 推送。
//
// 职责与契约：
// - append-first：任何变更先写 timeline 拿到 seq，再改内存条目，保证 Fetch 返回的 Page.Seq 与条目一致。
// - 推送有序：pubMu 串行化“写日志 + 推送”，订阅方按 seq 顺序收到批次。
// - 父资源删除后 Fetch/Subscribe/Submit 一律返回 ErrNotFound。
type MemorySource struct {
	id        string
	log       timeline.Store
	now       func() time.Time
	maxReplay int
	hook      func(model.Draft) error
	logger    *logrus.Entry

	pubMu sync.Mutex

	mu        sync.RWMutex
	items     map[model.Key]model.Item
	byRequest map[string]model.Key
	deleted   bool
	subs      map[int]*memorySub
	nextSub   int
	reads     int
}

type MemoryOption func(*MemorySource)

// WithClock 注入时钟，便于测试构造确定的排序。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemorySource) { s.now = now }
}

// WithMaxReplay 设置断线补发上限，超过则推送 gap 信号。
func WithMaxReplay(n int) MemoryOption {
	return func(s *MemorySource) { s.maxReplay = n }
}

// WithSubmitHook 在提交前调用 hook，返回错误即视为提交失败。
func WithSubmitHook(hook func(model.Draft) error) MemoryOption {
	return func(s *MemorySource) { s.hook = hook }
}

func NewMemorySource(id string, log timeline.Store, opts ...MemoryOption) *MemorySource {
	if log == nil {
		log = timeline.NewInMemoryStore()
	}
	s := &MemorySource{
		id:        id,
		log:       log,
		now:       time.Now,
		maxReplay: 200,
		items:     make(map[model.Key]model.Item),
		byRequest: make(map[string]model.Key),
		subs:      make(map[int]*memorySub),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewWithFields("MemorySource", map[string]interface{}{"source": id})
	return s
}

func (s *MemorySource) ID() string { return s.id }

// Seed 直接写入初始条目，不产生变更事件。
func (s *MemorySource) Seed(items ...model.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		it = s.normalize(it)
		s.items[it.Key] = it
		if it.RequestID != "" {
			s.byRequest[it.RequestID] = it.Key
		}
	}
}

func (s *MemorySource) normalize(it model.Item) model.Item {
	now := s.now()
	if it.Key == "" {
		it.Key = model.Key(uuid.NewString())
	}
	if it.Kind == "" {
		it.Kind = model.KindMessage
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	it.Status = model.StatusSucceeded
	it.Reason = ""
	return it
}

// Add 新增条目并推送 added。
func (s *MemorySource) Add(ctx context.Context, it model.Item) (model.Item, error) {
	it = s.normalize(it)
	batch := &model.Batch{Mutations: []model.Mutation{{Kind: model.MutationAdded, Key: it.Key, Item: it}}}
	if err := s.commit(ctx, batch, nil); err != nil {
		return model.Item{}, err
	}
	return batch.Mutations[0].Item, nil
}

// Modify 读取当前条目，交给 fn 修改后推送 updated。Key 不可修改。
func (s *MemorySource) Modify(ctx context.Context, key model.Key, fn func(*model.Item)) (model.Item, error) {
	batch := &model.Batch{}
	err := s.commit(ctx, batch, func() error {
		current, ok := s.items[key]
		if !ok {
			return fmt.Errorf("modify %s: %w", key, ErrNoSuchItem)
		}
		fn(&current)
		current.Key = key
		batch.Mutations = []model.Mutation{{Kind: model.MutationUpdated, Key: key, Item: current}}
		return nil
	})
	if err != nil {
		return model.Item{}, err
	}
	return batch.Mutations[0].Item, nil
}

// Delete 删除条目并推送 deleted。
func (s *MemorySource) Delete(ctx context.Context, key model.Key) error {
	batch := &model.Batch{}
	return s.commit(ctx, batch, func() error {
		if _, ok := s.items[key]; !ok {
			return fmt.Errorf("delete %s: %w", key, ErrNoSuchItem)
		}
		batch.Mutations = []model.Mutation{{Kind: model.MutationDeleted, Key: key}}
		return nil
	})
}

// DeleteParent 推送 parent_deleted 并把数据源标记为已删除。
func (s *MemorySource) DeleteParent(ctx context.Context) error {
	batch := &model.Batch{Signal: model.SignalParentDeleted}
	if err := s.commit(ctx, batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	return nil
}

// Revoke 推送 access_revoked，只有 user 自己的订阅会据此离开页面。
func (s *MemorySource) Revoke(ctx context.Context, user string) error {
	return s.commit(ctx, &model.Batch{Signal: model.SignalAccessRevoked, User: user}, nil)
}

// SignalGap 推送 gap_detected，要求所有订阅方全量重订阅。
func (s *MemorySource) SignalGap(ctx context.Context) error {
	return s.commit(ctx, &model.Batch{Signal: model.SignalGapDetected}, nil)
}

// commit 是所有变更的唯一入口：prepare（可选）→ 写 timeline → 改内存 → 按序推送。
func (s *MemorySource) commit(ctx context.Context, batch *model.Batch, prepare func() error) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return ErrNotFound
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	head, err := s.log.Head(ctx, s.id)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("read head: %w", err)
	}
	batch.Origin = model.OriginLiveEvent
	batch.ServerTS = s.now()
	seq, err := s.log.Append(ctx, s.id, batch)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("append timeline: %w", err)
	}
	if seq <= head {
		// 相同 EventID 的重放：timeline 已幂等返回旧 seq，这里不重复应用也不重复推送。
		s.mu.Unlock()
		return nil
	}

	for _, m := range batch.Mutations {
		switch m.Kind {
		case model.MutationAdded, model.MutationUpdated:
			s.items[m.Key] = m.Item
			if m.Item.RequestID != "" {
				s.byRequest[m.Item.RequestID] = m.Key
			}
		case model.MutationDeleted:
			if old, ok := s.items[m.Key]; ok && old.RequestID != "" {
				delete(s.byRequest, old.RequestID)
			}
			delete(s.items, m.Key)
		}
	}
	subs := s.subscribers()
	s.mu.Unlock()

	s.logger.Debugf("committed seq=%d signal=%q mutations=%d subscribers=%d", seq, batch.Signal, len(batch.Mutations), len(subs))
	for _, sub := range subs {
		sub.deliver(*batch)
	}
	return nil
}

func (s *MemorySource) subscribers() []*memorySub {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*memorySub, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id])
	}
	return out
}

// Fetch 返回一页条目，Page.Seq 为生成该页时的 timeline head。
func (s *MemorySource) Fetch(ctx context.Context, req FetchRequest) (model.Page, error) {
	if err := ctx.Err(); err != nil {
		return model.Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.deleted {
		return model.Page{}, ErrNotFound
	}
	head, err := s.log.Head(ctx, s.id)
	if err != nil {
		return model.Page{}, fmt.Errorf("read head: %w", err)
	}
	all := make([]model.Item, 0, len(s.items))
	for _, it := range s.items {
		all = append(all, it)
	}
	slices.SortFunc(all, req.Ordering.Compare)
	return Paginate(all, req, head)
}

// Subscribe 从当前位置开始订阅。
func (s *MemorySource) Subscribe(ctx context.Context, l Listener) (Subscription, error) {
	return s.SubscribeSince(ctx, 0, l)
}

// SubscribeSince 先补发 seq > since 的批次再登记订阅；缺口超过 maxReplay 时改为推送一个 gap 信号。
// 补发与登记都在 pubMu 内完成，中间不会漏掉新批次。
func (s *MemorySource) SubscribeSince(ctx context.Context, since int64, l Listener) (Subscription, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.RLock()
	deleted := s.deleted
	s.mu.RUnlock()
	if deleted {
		return nil, ErrNotFound
	}

	if since > 0 {
		missed, err := s.log.Since(ctx, s.id, since)
		if err != nil {
			return nil, fmt.Errorf("replay since %d: %w", since, err)
		}
		if len(missed) > s.maxReplay {
			s.logger.Warnf("replay of %d batches exceeds %d, signalling gap", len(missed), s.maxReplay)
			l(model.Batch{CollectionID: s.id, Signal: model.SignalGapDetected, Origin: model.OriginLiveEvent, ServerTS: s.now()})
		} else {
			for _, b := range missed {
				l(b)
			}
		}
	}

	s.mu.Lock()
	s.nextSub++
	sub := &memorySub{id: s.nextSub, listener: l, src: s}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

// Submit 提交一条消息。相同 RequestID 的重复提交返回同一条目（幂等）。
func (s *MemorySource) Submit(ctx context.Context, d model.Draft) (model.Item, error) {
	if s.hook != nil {
		if err := s.hook(d); err != nil {
			return model.Item{}, fmt.Errorf("submit %s: %w", d.RequestID, err)
		}
	}

	s.mu.RLock()
	if s.deleted {
		s.mu.RUnlock()
		return model.Item{}, ErrNotFound
	}
	if key, ok := s.byRequest[d.RequestID]; ok && d.RequestID != "" {
		existing := s.items[key]
		s.mu.RUnlock()
		return existing, nil
	}
	s.mu.RUnlock()

	it := s.normalize(model.Item{RequestID: d.RequestID, Sender: d.Sender, Text: d.Text})
	batch := &model.Batch{
		EventID:   "submit:" + d.RequestID,
		Mutations: []model.Mutation{{Kind: model.MutationAdded, Key: it.Key, Item: it}},
	}
	if d.RequestID == "" {
		batch.EventID = ""
	}
	if err := s.commit(ctx, batch, nil); err != nil {
		return model.Item{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.byRequest[d.RequestID]; ok && d.RequestID != "" {
		return s.items[key], nil
	}
	return batch.Mutations[0].Item, nil
}

// MarkRead 只计数，供测试与演示观察。
func (s *MemorySource) MarkRead(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrNotFound
	}
	s.reads++
	return nil
}

func (s *MemorySource) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}

// Head 返回当前最新 seq。
func (s *MemorySource) Head(ctx context.Context) (int64, error) {
	return s.log.Head(ctx, s.id)
}

// Get 返回单个条目。
func (s *MemorySource) Get(key model.Key) (model.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[key]
	return it, ok
}

func (s *MemorySource) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

type memorySub struct {
	id       int
	listener Listener
	src      *MemorySource
	stop     func() bool
	mu       sync.Mutex
	closed   bool
}

func (m *memorySub) deliver(b model.Batch) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		m.listener(b)
	}
}

func (m *memorySub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop := m.stop
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.src.mu.Lock()
	delete(m.src.subs, m.id)
	m.src.mu.Unlock()
	return nil
}

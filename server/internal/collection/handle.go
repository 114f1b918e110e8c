package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
)

// NoticeKind 是发给界面的一次性通知。
type NoticeKind string

const (
	// NoticeNavigateAway 父资源被删除或失去访问权，界面应离开当前页面。
	NoticeNavigateAway NoticeKind = "navigate_away"
	// NoticeResynced 全量重订阅完成。
	NoticeResynced NoticeKind = "resynced"
)

type Notice struct {
	Kind NoticeKind
	Err  error
}

// Snapshot 是某一时刻集合的只读视图，发布后不再修改。
type Snapshot struct {
	Version uint64
	// Items 已按 Arrange 排好渲染顺序。
	Items           []model.Item
	HasPrevious     bool
	HasNext         bool
	LoadingPrevious bool
	LoadingNext     bool
	Ready           bool
	Resyncing       bool
	FromCache       bool
	Closed          bool
	Err             error
	Resyncs         int
	Pending         int
	Failed          int
	Seq             int64
}

// Stats 是句柄的运行统计。
type Stats struct {
	Queue      QueueStats
	Applied    int64
	Epoch      int64
	Resyncs    int64
	Duplicates int64
	Dropped    int64
}

// Handle 是一次挂载：一个数据源、一个订阅、一个事件循环。
type Handle struct {
	consumer *Consumer
	id       string
	src      source.Source
	cfg      Config
	opts     Options
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	queue  *eventQueue

	// 以下字段只在事件循环上读写
	st        *state
	epoch     int64
	ready     bool
	resyncing bool
	closed    bool
	buffer    []model.Batch
	loads     map[model.Direction]uint64
	loadSeq   uint64
	version   uint64

	readyCh    chan struct{}
	readyOnce  sync.Once
	detached   atomic.Bool
	detachOnce sync.Once
	done       chan struct{}
	notices    chan Notice

	subMu sync.Mutex
	sub   source.Subscription

	errMu   sync.Mutex
	exitErr error

	snap      atomic.Pointer[Snapshot]
	lmu       sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int

	curEpoch   atomic.Int64
	applied    atomic.Int64
	resyncs    atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
	overflow   atomic.Bool
}

func newHandle(c *Consumer, src source.Source, cfg Config) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		consumer:  c,
		id:        src.ID(),
		src:       src,
		cfg:       cfg,
		opts:      c.opts,
		logger:    c.opts.Logger.WithField("collection", src.ID()),
		ctx:       ctx,
		cancel:    cancel,
		st:        newState(cfg),
		epoch:     1,
		loads:     make(map[model.Direction]uint64),
		readyCh:   make(chan struct{}),
		done:      make(chan struct{}),
		notices:   make(chan Notice, 8),
		listeners: make(map[int]func(Snapshot)),
	}
	h.curEpoch.Store(1)
	h.snap.Store(&Snapshot{})
	return h
}

func (h *Handle) ID() string     { return h.id }
func (h *Handle) Config() Config { return h.cfg }

// Snapshot 返回最近一次发布的快照。
func (h *Handle) Snapshot() Snapshot {
	return *h.snap.Load()
}

// Subscribe 注册快照监听，返回取消函数。fn 在事件循环上同步调用，必须快速返回。
// 注册前已发布的快照不会补发，调用方应先读 Snapshot()，并按 Version 丢弃旧快照。
func (h *Handle) Subscribe(fn func(Snapshot)) (cancel func()) {
	h.lmu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.lmu.Unlock()
	return func() {
		h.lmu.Lock()
		delete(h.listeners, id)
		h.lmu.Unlock()
	}
}

// Notices 在事件循环退出后关闭。
func (h *Handle) Notices() <-chan Notice { return h.notices }

// Done 在句柄完全拆除（事件循环退出）后关闭。
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Stats() Stats {
	var qs QueueStats
	if h.queue != nil {
		qs = h.queue.Stats()
	}
	return Stats{
		Queue:      qs,
		Applied:    h.applied.Load(),
		Epoch:      h.curEpoch.Load(),
		Resyncs:    h.resyncs.Load(),
		Duplicates: h.duplicates.Load(),
		Dropped:    h.dropped.Load(),
	}
}

// Detach 释放句柄：停止推送、取消进行中的请求、停止事件循环、释放登记。
// 可重复调用，任何时刻调用都立即生效，之后到达的结果一律丢弃。
func (h *Handle) Detach() {
	h.detachOnce.Do(func() {
		h.detached.Store(true)
		h.closeSub()
		h.cancel()
		if h.queue != nil {
			h.queue.Shutdown()
		}
		h.consumer.reg.Delete(h.id, h)
		h.readyOnce.Do(func() { close(h.readyCh) })
		h.logger.Debug("detached")

		go func() {
			if h.queue != nil {
				_ = h.queue.Close()
			}
			close(h.notices)
			close(h.done)
		}()
	})
}

// LoadMore 向 dir 方向加载一页，返回并入集合的条目。
func (h *Handle) LoadMore(ctx context.Context, dir model.Direction) ([]model.Item, error) {
	if h.detached.Load() {
		return nil, ErrDetached
	}
	if _, err := model.ParseDirection(string(dir)); err != nil {
		return nil, err
	}
	begin := &beginLoadCmd{dir: dir}
	if err := h.queue.EnqueueSync(ctx, begin); err != nil {
		return nil, h.queueErr(err)
	}

	fetchCtx, cancel := h.mergedContext(ctx)
	page, err := h.src.Fetch(fetchCtx, source.FetchRequest{
		Ordering:  h.cfg.Ordering,
		Direction: dir,
		Cursor:    begin.cursor,
		Limit:     h.cfg.PageSize,
	})
	cancel()

	// 结果必须回到事件循环以清除加载标记，不受调用方 ctx 影响。
	res := &pageCmd{dir: dir, token: begin.token, epoch: begin.epoch, page: page, err: err}
	if qerr := h.queue.EnqueueSync(context.Background(), res); qerr != nil {
		return nil, h.queueErr(qerr)
	}
	return res.merged, nil
}

// Submit 乐观写入一条消息：本地先以 pending 出现，确认后转为 succeeded，失败转为 failed。
func (h *Handle) Submit(ctx context.Context, text string) (model.Item, error) {
	submitter, ok := h.src.(source.Submitter)
	if !ok {
		return model.Item{}, ErrUnsupported
	}
	if h.detached.Load() {
		return model.Item{}, ErrDetached
	}
	reqID := uuid.NewString()
	now := h.opts.Now()
	local := model.Item{
		Key:       model.LocalKey(reqID),
		RequestID: reqID,
		Kind:      model.KindMessage,
		Sender:    h.cfg.Author,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.StatusPending,
	}
	if h.cfg.Ordering == model.OrderRecentActivity {
		local.Kind = model.KindChannel
		if h.cfg.Author != "" {
			local.Members = []string{h.cfg.Author}
		}
	}
	if err := h.queue.EnqueueSync(ctx, &submitCmd{item: local}); err != nil {
		return model.Item{}, h.queueErr(err)
	}
	return h.send(ctx, submitter, local)
}

// Retry 重新提交一条 failed 条目，RequestID 不变。
func (h *Handle) Retry(ctx context.Context, requestID string) (model.Item, error) {
	submitter, ok := h.src.(source.Submitter)
	if !ok {
		return model.Item{}, ErrUnsupported
	}
	cmd := &retryCmd{requestID: requestID}
	if err := h.queue.EnqueueSync(ctx, cmd); err != nil {
		return model.Item{}, h.queueErr(err)
	}
	return h.send(ctx, submitter, cmd.item)
}

// Discard 丢弃一条 failed 条目。
func (h *Handle) Discard(requestID string) error {
	if err := h.queue.EnqueueSync(context.Background(), &discardCmd{requestID: requestID}); err != nil {
		return h.queueErr(err)
	}
	return nil
}

func (h *Handle) send(ctx context.Context, submitter source.Submitter, local model.Item) (model.Item, error) {
	fctx, cancel := h.mergedContext(ctx)
	it, err := submitter.Submit(fctx, model.Draft{RequestID: local.RequestID, Sender: local.Sender, Text: local.Text})
	cancel()

	res := &submitResultCmd{requestID: local.RequestID, item: it, err: err}
	if qerr := h.queue.EnqueueSync(context.Background(), res); qerr != nil {
		return model.Item{}, h.queueErr(qerr)
	}
	if res.failed != nil {
		return model.Item{}, fmt.Errorf("%w: %w", ErrSubmissionFailed, res.failed)
	}
	return res.confirmed, nil
}

func (h *Handle) initialRequest() source.FetchRequest {
	return source.FetchRequest{Ordering: h.cfg.Ordering, Anchor: h.cfg.Anchor, Limit: h.cfg.PageSize}
}

// mergedContext 在 ctx 或句柄任一取消时取消。
func (h *Handle) mergedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(h.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func (h *Handle) queueErr(err error) error {
	if errors.Is(err, errQueueClosed) {
		return ErrDetached
	}
	return err
}

func (h *Handle) setExitErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.exitErr == nil {
		h.exitErr = err
	}
}

func (h *Handle) exitError() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.exitErr
}

// listener 把推送批次带上订阅的 epoch 送进事件循环。队列满时标记溢出，由循环触发重订阅。
func (h *Handle) listener(epoch int64) source.Listener {
	return func(b model.Batch) {
		if h.detached.Load() {
			return
		}
		if err := h.queue.Enqueue(&batchCmd{epoch: epoch, batch: b}); errors.Is(err, errQueueFull) {
			h.overflow.Store(true)
		}
	}
}

// setSub 登记 epoch 对应的订阅；句柄已拆除或 epoch 已过期时直接关闭它。
func (h *Handle) setSub(epoch int64, sub source.Subscription) bool {
	h.subMu.Lock()
	if h.detached.Load() || h.curEpoch.Load() != epoch {
		h.subMu.Unlock()
		_ = sub.Close()
		return false
	}
	old := h.sub
	h.sub = sub
	h.subMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return true
}

func (h *Handle) closeSub() {
	h.subMu.Lock()
	sub := h.sub
	h.sub = nil
	h.subMu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// resync 在后台重新订阅并拉取首屏，有限次重试。结果带 epoch 回到事件循环。
func (h *Handle) resync(epoch int64) {
	h.closeSub()
	var err error
	for attempt := 0; attempt <= h.opts.ResyncRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * h.opts.ResyncBackoff)
			select {
			case <-h.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if h.ctx.Err() != nil || h.curEpoch.Load() != epoch {
			return
		}

		var sub source.Subscription
		sub, err = h.src.Subscribe(h.ctx, h.listener(epoch))
		if err == nil {
			if !h.setSub(epoch, sub) {
				return
			}
			var page model.Page
			page, err = h.src.Fetch(h.ctx, h.initialRequest())
			if err == nil {
				_ = h.queue.EnqueueSync(h.ctx, &freshPageCmd{epoch: epoch, page: page})
				return
			}
		}
		if isTerminal(err) {
			break
		}
		h.logger.Warnf("resync attempt %d failed: %v", attempt+1, err)
	}
	if h.ctx.Err() != nil {
		return
	}
	_ = h.queue.EnqueueSync(h.ctx, &resyncFailedCmd{epoch: epoch, err: err})
}

func (h *Handle) markRead() {
	reader, ok := h.src.(source.Reader)
	if !ok {
		return
	}
	go func() {
		if err := reader.MarkRead(h.ctx); err != nil && h.ctx.Err() == nil {
			h.logger.Debugf("mark read: %v", err)
		}
	}()
}

package collection

import (
	"context"
	"fmt"

	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
)

type batchCmd struct {
	epoch int64
	batch model.Batch
}

// freshPageCmd 是首屏或重订阅后的整页数据；cached 表示来自本地缓存的占位页。
type freshPageCmd struct {
	epoch  int64
	page   model.Page
	cached bool
}

type resyncFailedCmd struct {
	epoch int64
	err   error
}

type beginLoadCmd struct {
	dir model.Direction

	cursor string
	token  uint64
	epoch  int64
}

type pageCmd struct {
	dir   model.Direction
	token uint64
	epoch int64
	page  model.Page
	err   error

	merged []model.Item
}

type submitCmd struct {
	item model.Item
}

type submitResultCmd struct {
	requestID string
	item      model.Item
	err       error

	confirmed model.Item
	failed    error
}

type retryCmd struct {
	requestID string

	item model.Item
}

type discardCmd struct {
	requestID string
}

func (*batchCmd) name() string        { return "batch" }
func (*freshPageCmd) name() string    { return "fresh_page" }
func (*resyncFailedCmd) name() string { return "resync_failed" }
func (*beginLoadCmd) name() string    { return "begin_load" }
func (*pageCmd) name() string         { return "page" }
func (*submitCmd) name() string       { return "submit" }
func (*submitResultCmd) name() string { return "submit_result" }
func (*retryCmd) name() string        { return "retry" }
func (*discardCmd) name() string      { return "discard" }

// handle 是事件循环的唯一入口，所有状态变化都发生在这里。
func (h *Handle) handle(_ context.Context, cmd command) error {
	if h.detached.Load() {
		return ErrDetached
	}
	err := h.dispatch(cmd)
	if h.overflow.Load() && !h.closed && !h.detached.Load() {
		h.beginResync("queue overflow")
	}
	return err
}

func (h *Handle) dispatch(cmd command) error {
	switch c := cmd.(type) {
	case *batchCmd:
		h.onBatchCmd(c)
		return nil
	case *freshPageCmd:
		return h.onFreshPage(c)
	case *resyncFailedCmd:
		if c.epoch == h.epoch && !h.closed {
			h.terminate(fmt.Errorf("resync %s: %w", h.id, c.err))
		}
		return nil
	case *beginLoadCmd:
		return h.onBeginLoad(c)
	case *pageCmd:
		return h.onPage(c)
	case *submitCmd:
		if h.closed {
			return ErrDetached
		}
		h.st.addLocal(c.item)
		h.publish()
		return nil
	case *submitResultCmd:
		return h.onSubmitResult(c)
	case *retryCmd:
		if h.closed {
			return ErrDetached
		}
		it, err := h.st.retryLocal(c.requestID)
		if err != nil {
			return err
		}
		c.item = it
		h.publish()
		return nil
	case *discardCmd:
		if h.closed {
			return ErrDetached
		}
		if err := h.st.discardLocal(c.requestID); err != nil {
			return err
		}
		h.publish()
		return nil
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func (h *Handle) onBatchCmd(c *batchCmd) {
	if c.epoch != h.epoch || h.closed {
		h.dropped.Add(1)
		return
	}
	if !h.ready {
		switch c.batch.Signal {
		case model.SignalParentDeleted, model.SignalAccessRevoked:
			h.terminate(h.signalErr(c.batch.Signal))
		case model.SignalGapDetected:
			h.beginResync("gap signalled while loading")
		default:
			h.buffer = append(h.buffer, c.batch)
		}
		return
	}
	h.onBatch(c.batch)
}

// onBatch 应用一个已就绪状态下的批次：seq 检查、信号、变更。
func (h *Handle) onBatch(b model.Batch) {
	if b.Seq > 0 {
		switch h.st.check(b.Seq) {
		case outcomeDuplicate:
			h.duplicates.Add(1)
			return
		case outcomeGap:
			h.beginResync(fmt.Sprintf("seq jump %d -> %d", h.st.applied, b.Seq))
			return
		}
	}

	switch b.Signal {
	case model.SignalParentDeleted, model.SignalAccessRevoked:
		h.terminate(h.signalErr(b.Signal))
		return
	case model.SignalGapDetected:
		h.beginResync("gap signalled")
		return
	}
	if b.Seq == 0 {
		return
	}

	added := h.st.apply(b)
	h.publish()
	if added > 0 && h.cfg.MarkRead && b.Origin == model.OriginLiveEvent {
		h.markRead()
	}
}

func (h *Handle) onFreshPage(c *freshPageCmd) error {
	if h.closed {
		if err := h.exitError(); err != nil {
			return err
		}
		return ErrDetached
	}
	if c.epoch != h.epoch {
		return nil
	}
	if c.cached {
		if h.ready {
			return nil
		}
		h.st.replace(c.page)
		h.publish()
		return nil
	}

	h.st.replace(c.page)
	h.st.fromCache = false
	wasResync := h.resyncing
	h.ready = true
	h.resyncing = false

	// 首屏之前缓冲的批次：seq 不新于首屏的已包含在页里，其余按序补上。
	buffered := h.buffer
	h.buffer = nil
	for _, b := range buffered {
		if !h.ready || h.closed {
			break
		}
		h.onBatch(b)
	}
	if !h.ready || h.closed {
		return nil
	}

	h.publish()
	h.readyOnce.Do(func() { close(h.readyCh) })
	if wasResync {
		h.logger.Infof("resynced at seq=%d items=%d", h.st.applied, len(h.st.items))
		h.emit(Notice{Kind: NoticeResynced})
	}
	return nil
}

func (h *Handle) onBeginLoad(c *beginLoadCmd) error {
	if h.closed {
		return ErrDetached
	}
	if !h.ready || h.resyncing || h.loads[c.dir] != 0 {
		return ErrInProgress
	}
	has, cursor := h.st.hasPrevious, h.st.prevCursor
	if c.dir == model.Forward {
		has, cursor = h.st.hasNext, h.st.nextCursor
	}
	if !has {
		return ErrNoMoreData
	}
	h.loadSeq++
	h.loads[c.dir] = h.loadSeq
	c.cursor = cursor
	c.token = h.loadSeq
	c.epoch = h.epoch
	h.publish()
	return nil
}

func (h *Handle) onPage(c *pageCmd) error {
	if h.closed {
		return ErrDetached
	}
	if c.epoch != h.epoch || h.loads[c.dir] != c.token {
		return ErrGapDetected
	}
	delete(h.loads, c.dir)
	if c.err != nil {
		h.publish()
		return c.err
	}
	c.merged = h.st.mergePage(c.dir, c.page)
	h.publish()
	return nil
}

func (h *Handle) onSubmitResult(c *submitResultCmd) error {
	if h.closed {
		return ErrDetached
	}
	if c.err != nil {
		// 响应失败但推送已经确认了这条消息，以推送为准。
		if it, ok := h.st.succeededByRequest(c.requestID); ok {
			c.confirmed = it
			return nil
		}
		if h.st.failLocal(c.requestID, c.err.Error()) {
			h.publish()
		}
		c.failed = c.err
		return nil
	}
	c.confirmed = h.st.confirm(c.item)
	h.publish()
	return nil
}

// beginResync 作废当前订阅与进行中的加载，后台重新订阅并拉取首屏。
func (h *Handle) beginResync(reason string) {
	h.overflow.Store(false)
	h.epoch++
	h.curEpoch.Store(h.epoch)
	h.ready = false
	h.resyncing = true
	h.buffer = nil
	clear(h.loads)
	h.resyncs.Add(1)
	h.logger.Warnf("resync (epoch=%d): %s", h.epoch, reason)
	h.publish()
	go h.resync(h.epoch)
}

func (h *Handle) signalErr(sig model.Signal) error {
	if sig == model.SignalAccessRevoked {
		return fmt.Errorf("%s: %w: %w", h.id, ErrNotFound, source.ErrForbidden)
	}
	return fmt.Errorf("%s: %w", h.id, ErrNotFound)
}

// terminate 发布一个空的 Closed 快照，通知界面离开，然后拆除句柄。
func (h *Handle) terminate(err error) {
	h.closed = true
	h.ready = false
	h.resyncing = false
	h.buffer = nil
	clear(h.loads)
	h.st.clear()
	h.setExitErr(err)
	h.logger.Infof("navigate away: %v", err)
	h.publish()
	h.emit(Notice{Kind: NoticeNavigateAway, Err: err})
	go h.Detach()
}

func (h *Handle) emit(n Notice) {
	select {
	case h.notices <- n:
	default:
		h.logger.Warnf("notice channel full, dropping %s", n.Kind)
	}
}

// publish 把当前状态投影成不可变快照并通知监听方。
func (h *Handle) publish() {
	if h.detached.Load() {
		return
	}
	h.version++
	failed, pending := h.st.buckets()
	snap := &Snapshot{
		Version:         h.version,
		Items:           Arrange(failed, pending, h.st.succeeded(), h.cfg.Inverted),
		HasPrevious:     h.st.hasPrevious,
		HasNext:         h.st.hasNext,
		LoadingPrevious: h.loads[model.Backward] != 0,
		LoadingNext:     h.loads[model.Forward] != 0,
		Ready:           h.ready,
		Resyncing:       h.resyncing,
		FromCache:       h.st.fromCache,
		Closed:          h.closed,
		Resyncs:         int(h.resyncs.Load()),
		Pending:         len(pending),
		Failed:          len(failed),
		Seq:             h.st.applied,
	}
	if h.closed {
		snap.Err = h.exitError()
		snap.Items = nil
	}
	h.applied.Store(h.st.applied)
	h.snap.Store(snap)

	h.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.lmu.Unlock()
	for _, fn := range fns {
		fn(*snap)
	}
}

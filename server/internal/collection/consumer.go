// Package collection 实现实时分页集合的消费端：挂载数据源、双向翻页、应用推送变更、
// 乐观写入，并在卸载时确定性地拆除订阅。
package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chatsync/server/internal/logging"
	"chatsync/server/internal/model"
	"chatsync/server/internal/registry"
	"chatsync/server/internal/source"
)

// Config 描述一次挂载。同一数据源的两次挂载只有在 Config 相同时才共享句柄。
type Config struct {
	Ordering model.Ordering
	PageSize int
	// Anchor 为空时按排序规则取默认值：消息列表从末端开始，频道列表从头开始。
	Anchor model.Anchor
	React  model.MutationMask
	// Inverted 为 true 时渲染顺序整体反转（消息列表）。
	Inverted bool
	// MarkRead 为 true 时，实时推送的新增会触发数据源的“标记已读”。
	MarkRead bool
	// Author 作为本地乐观条目的发送者。
	Author string
}

func (c Config) withDefaults() Config {
	if c.Ordering == "" {
		c.Ordering = model.OrderChronological
	}
	if c.PageSize <= 0 {
		c.PageSize = source.DefaultLimit
	}
	if c.Anchor == "" {
		if c.Ordering == model.OrderRecentActivity {
			c.Anchor = model.AnchorStart
		} else {
			c.Anchor = model.AnchorEnd
		}
	}
	if c.React == 0 {
		c.React = model.ReactAll
	}
	return c
}

// Equal 比较补全默认值之后的配置。
func (c Config) Equal(o Config) bool {
	return c.withDefaults() == o.withDefaults()
}

// Options 是消费端的运行参数，零值字段取默认值。
type Options struct {
	QueueCapacity int
	EventTimeout  time.Duration
	// ResyncRetries 为 0 时取默认值 3，负数表示不重试。
	ResyncRetries int
	ResyncBackoff time.Duration
	Logger        *logrus.Entry
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = defaultEventTimeout
	}
	switch {
	case o.ResyncRetries == 0:
		o.ResyncRetries = 3
	case o.ResyncRetries < 0:
		o.ResyncRetries = 0
	}
	if o.ResyncBackoff <= 0 {
		o.ResyncBackoff = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logging.New("Consumer")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Consumer 负责挂载与卸载集合，保证每个数据源同时只有一个活跃句柄。
type Consumer struct {
	reg  *registry.Registry[*Handle]
	opts Options
}

func NewConsumer(reg *registry.Registry[*Handle], opts Options) *Consumer {
	if reg == nil {
		reg = registry.New[*Handle]()
	}
	return &Consumer{reg: reg, opts: opts.withDefaults()}
}

// Attach 挂载数据源并完成首屏加载后返回句柄。
//
// 同一数据源已挂载且配置相同时，等已有句柄就绪后返回它；配置不同返回 ErrConflictingAttach。
// 首屏失败时登记会被释放，NotFound/Forbidden 以 ErrNotFound 返回。
func (c *Consumer) Attach(ctx context.Context, src source.Source, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	id := src.ID()

	for {
		h := newHandle(c, src, cfg)
		actual, loaded := c.reg.LoadOrStore(id, h)
		if !loaded {
			return h.start(ctx)
		}
		h.cancel()
		if !actual.cfg.Equal(cfg) {
			return nil, fmt.Errorf("attach %s: %w", id, ErrConflictingAttach)
		}
		if actual.detached.Load() {
			// 旧句柄正在拆除，让出登记后重试。
			c.reg.Delete(id, actual)
			continue
		}
		return actual.awaitReady(ctx)
	}
}

// Detach 释放句柄，等价于 h.Detach()。
func (c *Consumer) Detach(h *Handle) {
	if h != nil {
		h.Detach()
	}
}

// Active 返回当前登记的活跃句柄数。
func (c *Consumer) Active() int {
	return c.reg.Len()
}

func (h *Handle) start(ctx context.Context) (*Handle, error) {
	h.queue = newEventQueue(h.id, h.opts.QueueCapacity, h.opts.EventTimeout, h.handle, h.logger)

	sub, err := h.src.Subscribe(h.ctx, h.listener(1))
	if err != nil {
		return nil, h.fail(fmt.Errorf("subscribe: %w", err))
	}
	h.setSub(1, sub)

	req := h.initialRequest()
	if cacher, ok := h.src.(source.Cacher); ok {
		if page, ok := cacher.Cached(req); ok {
			_ = h.queue.EnqueueSync(ctx, &freshPageCmd{epoch: 1, page: page, cached: true})
		}
	}

	fetchCtx, cancel := h.mergedContext(ctx)
	page, err := h.src.Fetch(fetchCtx, req)
	cancel()
	if err != nil {
		return nil, h.fail(fmt.Errorf("initial fetch: %w", err))
	}
	if err := h.queue.EnqueueSync(ctx, &freshPageCmd{epoch: 1, page: page}); err != nil {
		return nil, h.fail(h.queueErr(err))
	}
	// 首屏可能因为缓冲期间的缺口被作废，此时等后台重订阅完成。
	if _, err := h.awaitReady(ctx); err != nil {
		if h.detached.Load() {
			return nil, err
		}
		return nil, h.fail(err)
	}
	return h, nil
}

// fail 记录初始化错误并释放句柄。
func (h *Handle) fail(err error) error {
	if prev := h.exitError(); prev != nil {
		h.Detach()
		return prev
	}
	if isTerminal(err) {
		err = fmt.Errorf("attach %s: %w: %w", h.id, ErrNotFound, err)
	} else {
		err = fmt.Errorf("attach %s: %w", h.id, err)
	}
	h.setExitErr(err)
	h.logger.Warnf("attach failed: %v", err)
	h.Detach()
	return err
}

func (h *Handle) awaitReady(ctx context.Context) (*Handle, error) {
	select {
	case <-h.readyCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if h.detached.Load() {
		if err := h.exitError(); err != nil {
			return nil, err
		}
		return nil, ErrDetached
	}
	return h, nil
}

func isTerminal(err error) bool {
	return errors.Is(err, source.ErrNotFound) || errors.Is(err, source.ErrForbidden)
}

package source

import (
	"context"

	"chatsync/server/internal/model"
)

// viewerSource 是某个用户视角下的数据源。
//
// - 发给其他用户的 access_revoked 信号被清空成空批次（保留 seq，避免订阅方误判缺口）。
// - keep 不通过的新增/更新在该用户视角下等价于删除，页面结果直接过滤。
type viewerSource struct {
	src  Source
	user string
	keep func(model.Item) bool
}

// ForViewer 返回 user 视角下的数据源；keep 为 nil 时不过滤条目。
func ForViewer(src Source, user string, keep func(model.Item) bool) Source {
	return &viewerSource{src: src, user: user, keep: keep}
}

func (v *viewerSource) ID() string { return v.src.ID() + "@" + v.user }

func (v *viewerSource) Fetch(ctx context.Context, req FetchRequest) (model.Page, error) {
	page, err := v.src.Fetch(ctx, req)
	if err != nil || v.keep == nil {
		return page, err
	}
	kept := page.Items[:0:0]
	for _, it := range page.Items {
		if v.keep(it) {
			kept = append(kept, it)
		}
	}
	page.Items = kept
	return page, nil
}

func (v *viewerSource) Subscribe(ctx context.Context, l Listener) (Subscription, error) {
	return v.src.Subscribe(ctx, v.wrap(l))
}

func (v *viewerSource) SubscribeSince(ctx context.Context, since int64, l Listener) (Subscription, error) {
	r, ok := v.src.(Resumer)
	if !ok {
		if since > 0 {
			return nil, ErrUnsupported
		}
		return v.Subscribe(ctx, l)
	}
	return r.SubscribeSince(ctx, since, v.wrap(l))
}

func (v *viewerSource) wrap(l Listener) Listener {
	return func(b model.Batch) {
		l(v.project(b))
	}
}

func (v *viewerSource) project(b model.Batch) model.Batch {
	if b.Signal == model.SignalAccessRevoked && b.User != v.user {
		b.Signal = model.SignalNone
		b.User = ""
	}
	if v.keep == nil || len(b.Mutations) == 0 {
		return b
	}
	out := make([]model.Mutation, 0, len(b.Mutations))
	for _, m := range b.Mutations {
		if m.Kind != model.MutationDeleted && !v.keep(m.Item) {
			m = model.Mutation{Kind: model.MutationDeleted, Key: m.Key}
		}
		out = append(out, m)
	}
	b.Mutations = out
	return b
}

func (v *viewerSource) Submit(ctx context.Context, d model.Draft) (model.Item, error) {
	if s, ok := v.src.(Submitter); ok {
		if d.Sender == "" {
			d.Sender = v.user
		}
		return s.Submit(ctx, d)
	}
	return model.Item{}, ErrUnsupported
}

func (v *viewerSource) MarkRead(ctx context.Context) error {
	if r, ok := v.src.(Reader); ok {
		return r.MarkRead(ctx)
	}
	return ErrUnsupported
}

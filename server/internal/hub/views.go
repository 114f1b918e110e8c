package hub

import (
	"context"

	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
)

// messageView 是 user 视角下的频道消息时间线。每次拉取与订阅都重新校验成员身份。
type messageView struct {
	source.Source
	hub       *Hub
	channelID string
	user      string
}

// Messages 返回 user 视角下的消息数据源。
func (h *Hub) Messages(channelID, user string) (source.Source, error) {
	ch, err := h.authorize(channelID, user)
	if err != nil {
		return nil, err
	}
	return &messageView{
		Source:    source.ForViewer(ch.messages, user, nil),
		hub:       h,
		channelID: channelID,
		user:      user,
	}, nil
}

func (v *messageView) Fetch(ctx context.Context, req source.FetchRequest) (model.Page, error) {
	if _, err := v.hub.authorize(v.channelID, v.user); err != nil {
		return model.Page{}, err
	}
	return v.Source.Fetch(ctx, req)
}

func (v *messageView) Subscribe(ctx context.Context, l source.Listener) (source.Subscription, error) {
	return v.SubscribeSince(ctx, 0, l)
}

func (v *messageView) SubscribeSince(ctx context.Context, since int64, l source.Listener) (source.Subscription, error) {
	if _, err := v.hub.authorize(v.channelID, v.user); err != nil {
		return nil, err
	}
	return v.Source.(source.Resumer).SubscribeSince(ctx, since, l)
}

func (v *messageView) Submit(ctx context.Context, d model.Draft) (model.Item, error) {
	d.Sender = v.user
	return v.hub.Post(ctx, v.channelID, d)
}

func (v *messageView) MarkRead(ctx context.Context) error {
	return v.hub.MarkRead(ctx, v.channelID, v.user)
}

// channelList 是 user 的频道列表：只含 user 所在的频道，Submit 即新建频道。
type channelList struct {
	source.Source
	hub  *Hub
	user string
}

// Channels 返回 user 视角下的频道列表数据源。
func (h *Hub) Channels(user string) source.Source {
	keep := func(it model.Item) bool { return it.HasMember(user) }
	return &channelList{Source: source.ForViewer(h.list, user, keep), hub: h, user: user}
}

func (c *channelList) SubscribeSince(ctx context.Context, since int64, l source.Listener) (source.Subscription, error) {
	return c.Source.(source.Resumer).SubscribeSince(ctx, since, l)
}

func (c *channelList) Submit(ctx context.Context, d model.Draft) (model.Item, error) {
	return c.hub.CreateChannel(ctx, d.RequestID, d.Text, c.user)
}

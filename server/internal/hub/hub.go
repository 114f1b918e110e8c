// Package hub 是演示用的上游：频道、成员与封禁，每个频道一条消息时间线，外加按最近活跃排序的频道列表。
package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatsync/server/internal/domain"
	"chatsync/server/internal/logging"
	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
	"chatsync/server/internal/timeline"
)

var (
	// ErrInvalid 请求参数不合法。
	ErrInvalid = errors.New("invalid request")
	// ErrBanned 用户已被该频道封禁。
	ErrBanned = errors.New("user is banned from channel")
)

const (
	listID         = "channels"
	previewRunes   = 60
	defaultReplays = 200
)

type channel struct {
	id        string
	name      string
	members   []string
	bans      map[string]bool
	reads     map[string]int64
	messages  *source.MemorySource
	createdAt time.Time
}

func (c *channel) isMember(user string) bool {
	return slices.Contains(c.members, user)
}

// Hub 持有全部频道。
//
// 写操作由 opMu 串行化，保证频道摘要的推送顺序与成员变化顺序一致；
// mu 只保护 channels/requests 以及成员表，推送发生在 mu 之外。
type Hub struct {
	store     timeline.Store
	now       func() time.Time
	maxReplay int
	logger    *logrus.Entry

	list *source.MemorySource

	opMu sync.Mutex

	mu       sync.RWMutex
	channels map[string]*channel
	requests map[string]string
}

type Option func(*Hub)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithMaxReplay 设置每条时间线断线补发的上限。
func WithMaxReplay(n int) Option {
	return func(h *Hub) { h.maxReplay = n }
}

func New(store timeline.Store, opts ...Option) *Hub {
	if store == nil {
		store = timeline.NewInMemoryStore()
	}
	h := &Hub{
		store:     store,
		now:       time.Now,
		maxReplay: defaultReplays,
		logger:    logging.New("Hub"),
		channels:  make(map[string]*channel),
		requests:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.list = source.NewMemorySource(listID, store, h.sourceOptions()...)
	return h
}

func (h *Hub) sourceOptions() []source.MemoryOption {
	return []source.MemoryOption{source.WithClock(h.now), source.WithMaxReplay(h.maxReplay)}
}

func (h *Hub) newChannel(id, name string, members []string) *channel {
	return &channel{
		id:        id,
		name:      name,
		members:   members,
		bans:      make(map[string]bool),
		reads:     make(map[string]int64),
		messages:  source.NewMemorySource("channel:"+id, h.store, h.sourceOptions()...),
		createdAt: h.now(),
	}
}

// summary 在 mu 内调用，生成当前的频道摘要。Preview 与活跃时间沿用列表里的旧值。
func (h *Hub) summary(ch *channel) model.Item {
	it := model.Item{
		Key:       model.Key(ch.id),
		Kind:      model.KindChannel,
		Text:      ch.name,
		Members:   slices.Clone(ch.members),
		CreatedAt: ch.createdAt,
		UpdatedAt: ch.createdAt,
	}
	if current, ok := h.list.Get(it.Key); ok {
		it.RequestID = current.RequestID
		it.Preview = current.Preview
		it.UpdatedAt = current.UpdatedAt
	}
	return it
}

func (h *Hub) lookup(channelID string) (*channel, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, source.ErrNotFound)
	}
	return ch, nil
}

// authorize 检查频道存在且 user 是成员。
func (h *Hub) authorize(channelID, user string) (*channel, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, source.ErrNotFound)
	}
	if !ch.isMember(user) {
		return nil, fmt.Errorf("channel %s user %s: %w", channelID, user, source.ErrForbidden)
	}
	return ch, nil
}

// CreateChannel 新建频道，owner 自动成为成员。相同 requestID 的重复请求返回同一频道摘要。
func (h *Hub) CreateChannel(ctx context.Context, requestID, name, owner string, members ...string) (model.Item, error) {
	name = strings.TrimSpace(name)
	if name == "" || owner == "" {
		return model.Item{}, fmt.Errorf("create channel: name and owner are required: %w", ErrInvalid)
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	if id, ok := h.requests[requestID]; ok && requestID != "" {
		h.mu.Unlock()
		if it, found := h.list.Get(model.Key(id)); found {
			return it, nil
		}
		return model.Item{}, fmt.Errorf("channel %s: %w", id, source.ErrNotFound)
	}
	all := []string{owner}
	for _, m := range members {
		if m != "" && !slices.Contains(all, m) {
			all = append(all, m)
		}
	}
	ch := h.newChannel(uuid.NewString(), name, all)
	h.channels[ch.id] = ch
	if requestID != "" {
		h.requests[requestID] = ch.id
	}
	it := h.summary(ch)
	it.RequestID = requestID
	h.mu.Unlock()

	added, err := h.list.Add(ctx, it)
	if err != nil {
		return model.Item{}, fmt.Errorf("publish channel %s: %w", ch.id, err)
	}
	h.logger.Infof("channel %s (%s) created by %s", ch.id, name, owner)
	return added, nil
}

// Post 以 d.Sender 身份发消息，并把频道摘要顶到最前。
func (h *Hub) Post(ctx context.Context, channelID string, d model.Draft) (model.Item, error) {
	if strings.TrimSpace(d.Text) == "" {
		return model.Item{}, fmt.Errorf("post: empty text: %w", ErrInvalid)
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()

	ch, err := h.authorize(channelID, d.Sender)
	if err != nil {
		return model.Item{}, err
	}
	it, err := ch.messages.Submit(ctx, d)
	if err != nil {
		return model.Item{}, err
	}
	_, err = h.list.Modify(ctx, model.Key(ch.id), func(sum *model.Item) {
		sum.Preview = preview(it)
		if it.CreatedAt.After(sum.UpdatedAt) {
			sum.UpdatedAt = it.CreatedAt
		}
	})
	if err != nil && !errors.Is(err, source.ErrNoSuchItem) {
		h.logger.Warnf("bump channel %s: %v", ch.id, err)
	}
	return it, nil
}

func preview(it model.Item) string {
	text := it.Sender + ": " + strings.Join(strings.Fields(it.Text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes-1]) + "…"
}

// mine 返回 user 自己发出的消息。
func (h *Hub) mine(channelID, user string, key model.Key) (*channel, error) {
	ch, err := h.authorize(channelID, user)
	if err != nil {
		return nil, err
	}
	it, ok := ch.messages.Get(key)
	if !ok {
		return nil, fmt.Errorf("message %s: %w", key, source.ErrNoSuchItem)
	}
	if it.Sender != user {
		return nil, fmt.Errorf("message %s belongs to %s: %w", key, it.Sender, source.ErrForbidden)
	}
	return ch, nil
}

// EditMessage 修改自己发出的消息。
func (h *Hub) EditMessage(ctx context.Context, channelID, user string, key model.Key, text string) (model.Item, error) {
	if strings.TrimSpace(text) == "" {
		return model.Item{}, fmt.Errorf("edit: empty text: %w", ErrInvalid)
	}
	ch, err := h.mine(channelID, user, key)
	if err != nil {
		return model.Item{}, err
	}
	now := h.now()
	return ch.messages.Modify(ctx, key, func(it *model.Item) {
		it.Text = text
		it.UpdatedAt = now
	})
}

// DeleteMessage 删除自己发出的消息。
func (h *Hub) DeleteMessage(ctx context.Context, channelID, user string, key model.Key) error {
	ch, err := h.mine(channelID, user, key)
	if err != nil {
		return err
	}
	return ch.messages.Delete(ctx, key)
}

// Invite 由成员 actor 邀请 user。已是成员时什么也不做。
// 摘要以 added 重新推送：对被邀请者来说这是一个新条目，对其他成员则是覆盖。
func (h *Hub) Invite(ctx context.Context, channelID, actor, user string) error {
	if user == "" {
		return fmt.Errorf("invite: empty user: %w", ErrInvalid)
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	ch, ok := h.channels[channelID]
	switch {
	case !ok:
		h.mu.Unlock()
		return fmt.Errorf("channel %s: %w", channelID, source.ErrNotFound)
	case !ch.isMember(actor):
		h.mu.Unlock()
		return fmt.Errorf("channel %s user %s: %w", channelID, actor, source.ErrForbidden)
	case ch.bans[user]:
		h.mu.Unlock()
		return fmt.Errorf("invite %s to %s: %w", user, channelID, ErrBanned)
	case ch.isMember(user):
		h.mu.Unlock()
		return nil
	}
	ch.members = append(ch.members, user)
	it := h.summary(ch)
	h.mu.Unlock()

	if _, err := h.list.Add(ctx, it); err != nil {
		return fmt.Errorf("publish channel %s: %w", channelID, err)
	}
	h.logger.Infof("%s invited %s to %s", actor, user, channelID)
	return nil
}

// Leave 让 user 退出频道。最后一个成员退出时频道随之删除。
func (h *Hub) Leave(ctx context.Context, channelID, user string) error {
	return h.remove(ctx, channelID, user, user, false)
}

// Ban 由成员 actor 封禁 user；user 若在频道内会被移出。
func (h *Hub) Ban(ctx context.Context, channelID, actor, user string) error {
	if user == "" || user == actor {
		return fmt.Errorf("ban: invalid target %q: %w", user, ErrInvalid)
	}
	return h.remove(ctx, channelID, actor, user, true)
}

func (h *Hub) remove(ctx context.Context, channelID, actor, user string, ban bool) error {
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	ch, ok := h.channels[channelID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("channel %s: %w", channelID, source.ErrNotFound)
	}
	if !ch.isMember(actor) {
		h.mu.Unlock()
		return fmt.Errorf("channel %s user %s: %w", channelID, actor, source.ErrForbidden)
	}
	if ban {
		ch.bans[user] = true
	}
	wasMember := ch.isMember(user)
	ch.members = slices.DeleteFunc(ch.members, func(m string) bool { return m == user })
	delete(ch.reads, user)
	empty := len(ch.members) == 0
	it := h.summary(ch)
	h.mu.Unlock()

	if !wasMember {
		return nil
	}
	if err := ch.messages.Revoke(ctx, user); err != nil {
		return fmt.Errorf("revoke %s on %s: %w", user, channelID, err)
	}
	if empty {
		h.logger.Infof("last member left %s, deleting", channelID)
		return h.dropLocked(ctx, ch)
	}
	if _, err := h.list.Modify(ctx, it.Key, func(sum *model.Item) { sum.Members = it.Members }); err != nil {
		return fmt.Errorf("publish channel %s: %w", channelID, err)
	}
	h.logger.Infof("%s removed from %s (ban=%v)", user, channelID, ban)
	return nil
}

// DeleteChannel 由成员 actor 删除整个频道，所有订阅方收到 parent_deleted。
func (h *Hub) DeleteChannel(ctx context.Context, channelID, actor string) error {
	ch, err := h.authorize(channelID, actor)
	if err != nil {
		return err
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()
	return h.dropLocked(ctx, ch)
}

// dropLocked 要求调用方持有 opMu。
func (h *Hub) dropLocked(ctx context.Context, ch *channel) error {
	h.mu.Lock()
	if h.channels[ch.id] != ch {
		h.mu.Unlock()
		return fmt.Errorf("channel %s: %w", ch.id, source.ErrNotFound)
	}
	delete(h.channels, ch.id)
	for req, id := range h.requests {
		if id == ch.id {
			delete(h.requests, req)
		}
	}
	h.mu.Unlock()

	if err := ch.messages.DeleteParent(ctx); err != nil {
		return fmt.Errorf("delete channel %s: %w", ch.id, err)
	}
	if err := h.list.Delete(ctx, model.Key(ch.id)); err != nil && !errors.Is(err, source.ErrNoSuchItem) {
		return fmt.Errorf("unpublish channel %s: %w", ch.id, err)
	}
	h.logger.Infof("channel %s deleted", ch.id)
	return nil
}

// MarkRead 记录 user 读到了当前最新的 seq。
func (h *Hub) MarkRead(ctx context.Context, channelID, user string) error {
	ch, err := h.authorize(channelID, user)
	if err != nil {
		return err
	}
	head, err := ch.messages.Head(ctx)
	if err != nil {
		return fmt.Errorf("read head of %s: %w", channelID, err)
	}
	if err := ch.messages.MarkRead(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	if head > ch.reads[user] {
		ch.reads[user] = head
	}
	h.mu.Unlock()
	return nil
}

// LastRead 返回 user 在频道内最后标记已读时的 seq。
func (h *Hub) LastRead(channelID, user string) (int64, error) {
	ch, err := h.authorize(channelID, user)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return ch.reads[user], nil
}

// Channel 返回频道摘要。
func (h *Hub) Channel(channelID string) (model.Item, error) {
	if _, err := h.lookup(channelID); err != nil {
		return model.Item{}, err
	}
	it, ok := h.list.Get(model.Key(channelID))
	if !ok {
		return model.Item{}, fmt.Errorf("channel %s: %w", channelID, source.ErrNotFound)
	}
	return it, nil
}

// Load 把种子数据直接写入，不产生推送。
func (h *Hub) Load(seed domain.Seed) error {
	if err := seed.Validate(); err != nil {
		return fmt.Errorf("load seed: %w", err)
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sc := range seed.Channels {
		if _, exists := h.channels[sc.ID]; exists {
			return fmt.Errorf("load seed: channel %q already exists: %w", sc.ID, ErrInvalid)
		}
		name := sc.Name
		if name == "" {
			name = sc.ID
		}
		ch := h.newChannel(sc.ID, name, slices.Clone(sc.Members))
		if len(sc.Messages) > 0 && !sc.Messages[0].At.IsZero() {
			ch.createdAt = sc.Messages[0].At
		}
		sum := h.summary(ch)

		msgs := make([]model.Item, 0, len(sc.Messages))
		for _, m := range sc.Messages {
			at := m.At
			if at.IsZero() {
				at = h.now()
			}
			it := model.Item{Key: model.Key(uuid.NewString()), Sender: m.Sender, Text: m.Text, CreatedAt: at}
			msgs = append(msgs, it)
			if !at.Before(sum.UpdatedAt) {
				sum.UpdatedAt = at
				sum.Preview = preview(it)
			}
		}
		ch.messages.Seed(msgs...)
		h.list.Seed(sum)
		h.channels[ch.id] = ch
	}
	h.logger.Infof("loaded %d channels from seed", len(seed.Channels))
	return nil
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// Key 是条目的稳定唯一标识。
type Key string

const localKeyPrefix = "local:"

// LocalKey 返回尚未被数据源确认的本地条目的 key。
func LocalKey(requestID string) Key {
	return Key(localKeyPrefix + requestID)
}

// IsLocal 判断 key 是否属于本地乐观写入。
func (k Key) IsLocal() bool {
	return strings.HasPrefix(string(k), localKeyPrefix)
}

// Status 表示条目的提交状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusSucceeded Status = "succeeded"
)

// Kind 区分频道摘要与消息。
type Kind string

const (
	KindMessage Kind = "message"
	KindChannel Kind = "channel"
)

// Item 是集合中的一条记录（频道摘要或消息）。
type Item struct {
	// Key 由数据源分配；本地未确认条目使用 LocalKey。
	Key Key `json:"key"`
	// RequestID 由客户端生成，用于把确认事件与本地乐观条目对上。
	RequestID string `json:"request_id,omitempty"`
	Kind      Kind   `json:"kind"`
	Sender    string `json:"sender,omitempty"`
	// Text 对消息是正文，对频道是名称。
	Text string `json:"text"`
	// Preview 仅频道摘要使用：最后一条消息的预览。
	Preview string   `json:"preview,omitempty"`
	Members []string `json:"members,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 对频道摘要即最近活跃时间。
	UpdatedAt time.Time `json:"updated_at"`

	Status Status `json:"status"`
	// Reason 记录失败原因，只在 StatusFailed 时有值。
	Reason string `json:"reason,omitempty"`
	// Seq 是产生该版本的变更序号，由数据源分配。
	Seq int64 `json:"seq,omitempty"`
}

// HasMember 判断 user 是否是频道成员。
func (it Item) HasMember(user string) bool {
	for _, m := range it.Members {
		if m == user {
			return true
		}
	}
	return false
}

// Ordering 是数据源声明的排序规则，客户端与数据源共用同一个比较函数。
type Ordering string

const (
	// OrderChronological 按创建时间升序（消息列表）。
	OrderChronological Ordering = "chronological"
	// OrderRecentActivity 按最近活跃时间降序（频道列表）。
	OrderRecentActivity Ordering = "recent_activity"
)

// ParseOrdering 解析配置或查询参数中的排序规则，空串取默认值。
func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(s) {
	case "":
		return OrderChronological, nil
	case OrderChronological, OrderRecentActivity:
		return Ordering(s), nil
	default:
		return "", fmt.Errorf("unknown ordering %q", s)
	}
}

// Less 报告 a 是否排在 b 之前。相同时间以 Key 兜底，保证全序。
func (o Ordering) Less(a, b Item) bool {
	switch o {
	case OrderRecentActivity:
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return a.Key < b.Key
}

// Compare 是 Less 的三值版本，供 slices.SortFunc 使用。
func (o Ordering) Compare(a, b Item) int {
	switch {
	case o.Less(a, b):
		return -1
	case o.Less(b, a):
		return 1
	default:
		return 0
	}
}

// SortTime 返回该排序规则下参与比较的时间。
func (o Ordering) SortTime(it Item) time.Time {
	if o == OrderRecentActivity {
		return it.UpdatedAt
	}
	return it.CreatedAt
}

// Direction 是分页方向。
type Direction string

const (
	// Backward 朝排序起点方向（消息列表里即更早的消息）。
	Backward Direction = "backward"
	// Forward 朝排序终点方向。
	Forward Direction = "forward"
)

// ParseDirection 解析分页方向。
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Backward, Forward:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Anchor 决定首屏从排序的哪一端开始。
type Anchor string

const (
	AnchorStart Anchor = "start"
	AnchorEnd   Anchor = "end"
)

// Page 是一次拉取的结果。
type Page struct {
	Items []Item `json:"items"`
	// Seq 是数据源在生成该页时的最新变更序号。
	Seq         int64  `json:"seq"`
	HasPrevious bool   `json:"has_previous"`
	HasNext     bool   `json:"has_next"`
	PrevCursor  string `json:"prev_cursor,omitempty"`
	NextCursor  string `json:"next_cursor,omitempty"`
	// FromCache 标记该页来自本地缓存而不是网络。
	FromCache bool `json:"-"`
}

// MutationKind 是推送变更的种类。
type MutationKind string

const (
	MutationAdded   MutationKind = "added"
	MutationUpdated MutationKind = "updated"
	MutationDeleted MutationKind = "deleted"
)

// MutationMask 表示订阅方关心哪些变更。
type MutationMask uint8

const (
	ReactAdd MutationMask = 1 << iota
	ReactUpdate
	ReactDelete

	ReactAll = ReactAdd | ReactUpdate | ReactDelete
)

// Has 判断掩码是否包含某类变更。
func (m MutationMask) Has(kind MutationKind) bool {
	switch kind {
	case MutationAdded:
		return m&ReactAdd != 0
	case MutationUpdated:
		return m&ReactUpdate != 0
	case MutationDeleted:
		return m&ReactDelete != 0
	}
	return false
}

// Mutation 是批次中的单个变更。删除只需要 Key。
type Mutation struct {
	Kind MutationKind `json:"kind"`
	Key  Key          `json:"key"`
	Item Item         `json:"item,omitempty"`
}

// Signal 是不针对具体条目的控制信号。
type Signal string

const (
	SignalNone Signal = ""
	// SignalGapDetected 表示变更过多无法增量追平，需要全量重订阅。
	SignalGapDetected Signal = "gap_detected"
	// SignalParentDeleted 表示父资源（频道）被删除。
	SignalParentDeleted Signal = "parent_deleted"
	// SignalAccessRevoked 表示 User 失去了访问权（退出或被封禁）。
	SignalAccessRevoked Signal = "access_revoked"
)

// Origin 标记事件来源，用于决定“标记已读”等副作用。
type Origin string

const (
	OriginInitialSync Origin = "initial_sync"
	OriginLiveEvent   Origin = "live_event"
)

// Batch 是数据源推送的一批变更。
type Batch struct {
	// Seq 由 timeline 分配，同一集合内单调递增。
	Seq int64 `json:"seq,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID      string     `json:"event_id,omitempty"`
	CollectionID string     `json:"collection_id,omitempty"`
	Origin       Origin     `json:"origin,omitempty"`
	Signal       Signal     `json:"signal,omitempty"`
	// User 只对 SignalAccessRevoked 有意义。
	User      string     `json:"user,omitempty"`
	Mutations []Mutation `json:"mutations,omitempty"`
	ServerTS  time.Time  `json:"server_ts,omitempty"`
}

// Draft 是一次待提交的消息。
type Draft struct {
	RequestID string `json:"request_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
}

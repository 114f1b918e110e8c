// Package source 定义集合消费端依赖的上游数据源契约，以及内存、缓存、远端三种实现。
package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatsync/server/internal/model"
)

var (
	// ErrNotFound 父资源（频道）不存在或已删除。
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden 当前用户无权访问（未加入、已退出或被封禁）。
	ErrForbidden = errors.New("access forbidden")
	// ErrUnsupported 数据源不支持该可选能力。
	ErrUnsupported = errors.New("operation not supported by source")
	// ErrClosed 订阅已关闭。
	ErrClosed = errors.New("subscription closed")
	// ErrNoSuchItem 变更的目标条目不存在。
	ErrNoSuchItem = errors.New("item not found")
)

const (
	DefaultLimit = 30
	MaxLimit     = 200
)

// FetchRequest 描述一次拉取。Cursor 为空表示首屏，从 Anchor 指定的一端开始。
type FetchRequest struct {
	Ordering  model.Ordering
	Anchor    model.Anchor
	Direction model.Direction
	Cursor    string
	Limit     int
}

// Listener 接收推送批次。实现方必须快速返回，且不得回调数据源的变更方法。
type Listener func(model.Batch)

// Subscription 是一次推送订阅，Close 可重复调用。
type Subscription interface {
	Close() error
}

// Source 是集合消费端唯一依赖的上游能力。
type Source interface {
	// ID 在同一进程内唯一标识该数据源，用于登记活跃订阅。
	ID() string
	Fetch(ctx context.Context, req FetchRequest) (model.Page, error)
	Subscribe(ctx context.Context, l Listener) (Subscription, error)
}

// Submitter 支持乐观写入的数据源。
type Submitter interface {
	Submit(ctx context.Context, d model.Draft) (model.Item, error)
}

// Cacher 可以在网络返回前提供一份缓存首屏。
type Cacher interface {
	Cached(req FetchRequest) (model.Page, bool)
}

// Reader 支持“标记已读”。
type Reader interface {
	MarkRead(ctx context.Context) error
}

// Resumer 支持从指定 seq 之后恢复订阅（补发或推送 gap 信号）。
type Resumer interface {
	SubscribeSince(ctx context.Context, since int64, l Listener) (Subscription, error)
}

// EncodeCursor 把条目在排序中的位置编码为游标，条目删除后游标依然有效。
func EncodeCursor(o model.Ordering, it model.Item) string {
	return strconv.FormatInt(o.SortTime(it).UnixNano(), 10) + "|" + string(it.Key)
}

// DecodeCursor 把游标还原为只带排序字段的占位条目。
func DecodeCursor(cursor string) (model.Item, error) {
	ts, key, ok := strings.Cut(cursor, "|")
	if !ok {
		return model.Item{}, fmt.Errorf("malformed cursor %q", cursor)
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return model.Item{}, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	at := time.Unix(0, nanos).UTC()
	return model.Item{Key: model.Key(key), CreatedAt: at, UpdatedAt: at}, nil
}

// Paginate 在已按 req.Ordering 排好序的 all 上切出一页。
func Paginate(all []model.Item, req FetchRequest, seq int64) (model.Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	page := model.Page{Seq: seq}
	var window []model.Item

	switch {
	case req.Cursor == "" && req.Anchor == model.AnchorStart:
		end := min(limit, len(all))
		window = all[:end]
		page.HasNext = end < len(all)
	case req.Cursor == "":
		start := max(0, len(all)-limit)
		window = all[start:]
		page.HasPrevious = start > 0
	default:
		pivot, err := DecodeCursor(req.Cursor)
		if err != nil {
			return model.Page{}, err
		}
		if req.Direction == model.Forward {
			idx := 0
			for idx < len(all) && !req.Ordering.Less(pivot, all[idx]) {
				idx++
			}
			after := all[idx:]
			end := min(limit, len(after))
			window = after[:end]
			page.HasNext = len(after) > limit
			page.HasPrevious = idx > 0
		} else {
			idx := 0
			for idx < len(all) && req.Ordering.Less(all[idx], pivot) {
				idx++
			}
			before := all[:idx]
			start := max(0, len(before)-limit)
			window = before[start:]
			page.HasPrevious = start > 0
			page.HasNext = idx < len(all)
		}
	}

	page.Items = append([]model.Item(nil), window...)
	if len(page.Items) > 0 {
		page.PrevCursor = EncodeCursor(req.Ordering, page.Items[0])
		page.NextCursor = EncodeCursor(req.Ordering, page.Items[len(page.Items)-1])
	}
	return page, nil
}

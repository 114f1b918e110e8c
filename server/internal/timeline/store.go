package timeline

import (
	"context"

	"chatsync/server/internal/model"
)

type Store interface {
	// Append 写入一批变更并返回分配的 seq，同时回填到 batch 与其中的条目上。
	// 约定：同一集合的 seq 单调递增；相同 EventID 的请求应幂等返回同一 seq。
	Append(ctx context.Context, collectionID string, batch *model.Batch) (int64, error)
	// List 返回该集合的全量变更，用于回放与验收。
	List(ctx context.Context, collectionID string) ([]model.Batch, error)
	// Since 返回 seq 严格大于 since 的变更，用于断线重连后的补发。
	Since(ctx context.Context, collectionID string, since int64) ([]model.Batch, error)
	// Head 返回该集合当前最大的 seq，没有变更时为 0。
	Head(ctx context.Context, collectionID string) (int64, error)
}

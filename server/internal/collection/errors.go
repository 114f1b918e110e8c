package collection

import (
	"errors"

	"chatsync/server/internal/source"
)

var (
	// ErrNotFound 父资源不存在或无权访问，对当前页面是终态。
	ErrNotFound = source.ErrNotFound
	// ErrInProgress 同方向已有加载在进行，或正在全量重订阅。
	ErrInProgress = errors.New("load already in progress")
	// ErrNoMoreData 该方向已经到头。
	ErrNoMoreData = errors.New("no more data")
	// ErrGapDetected 加载期间发生了全量重订阅，本次结果已作废。
	ErrGapDetected = errors.New("gap detected, collection resynced")
	// ErrSubmissionFailed 乐观写入失败，条目已进入 failed。
	ErrSubmissionFailed = errors.New("submission failed")

	ErrDetached          = errors.New("handle detached")
	ErrConflictingAttach = errors.New("source already attached with a different config")
	ErrUnknownItem       = errors.New("no local item with that request id")
	ErrUnsupported       = source.ErrUnsupported

	errQueueClosed = errors.New("event queue closed")
	errQueueFull   = errors.New("event queue full")
)

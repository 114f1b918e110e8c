package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// command 是事件循环上执行的一个动作。
type command interface {
	name() string
}

type commandHandler func(ctx context.Context, cmd command) error

// eventQueue 为单个集合提供串行命令处理（Actor Model）。
// 数据源推送、分页结果、乐观写入都经由这里进入，状态只在 processLoop 上被修改。
type eventQueue struct {
	collectionID string
	handler      commandHandler
	commands     chan *queuedCommand
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	done         chan struct{}
	timeout      time.Duration
	logger       *logrus.Entry

	// 统计信息
	mu        sync.Mutex
	total     int64
	processed int64
	dropped   int64
	failed    int64
}

type queuedCommand struct {
	cmd       command
	timestamp time.Time
	resultCh  chan error // 同步调用时等待结果
}

// QueueStats 是事件队列的统计快照。
type QueueStats struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity"`
}

const (
	defaultQueueCapacity = 256
	defaultEventTimeout  = 10 * time.Second
	slowCommand          = time.Second
)

func newEventQueue(collectionID string, capacity int, timeout time.Duration, handler commandHandler, logger *logrus.Entry) *eventQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &eventQueue{
		collectionID: collectionID,
		handler:      handler,
		commands:     make(chan *queuedCommand, capacity),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		timeout:      timeout,
		logger:       logger,
	}

	q.wg.Add(1)
	go q.processLoop()
	return q
}

// Enqueue 异步入队，不阻塞；队列满时返回 errQueueFull。
func (q *eventQueue) Enqueue(cmd command) error {
	select {
	case <-q.ctx.Done():
		return errQueueClosed
	default:
	}

	select {
	case q.commands <- &queuedCommand{cmd: cmd, timestamp: time.Now()}:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Warnf("queue full, dropping command %s", cmd.name())
		return errQueueFull
	}
}

// EnqueueSync 入队并等待处理完成，返回处理器的错误。
// 入队与等待都受 ctx 和队列超时约束。
func (q *eventQueue) EnqueueSync(ctx context.Context, cmd command) error {
	select {
	case <-q.ctx.Done():
		return errQueueClosed
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	event := &queuedCommand{cmd: cmd, timestamp: time.Now(), resultCh: make(chan error, 1)}
	select {
	case q.commands <- event:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
	case <-timer.C:
		return fmt.Errorf("timeout enqueuing %s", cmd.name())
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return errQueueClosed
	}

	select {
	case err := <-event.resultCh:
		return err
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s", cmd.name())
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return errQueueClosed
	}
}

// processLoop 串行处理命令（单线程）
func (q *eventQueue) processLoop() {
	defer q.wg.Done()
	defer close(q.done)

	q.logger.Debugf("process loop started for %s", q.collectionID)
	for {
		select {
		case <-q.ctx.Done():
			q.logger.Debugf("process loop stopped for %s", q.collectionID)
			return
		case event := <-q.commands:
			// 关闭与新命令同时就绪时优先退出，保证关闭后不再修改状态。
			if q.ctx.Err() != nil {
				return
			}
			q.process(event)
		}
	}
}

func (q *eventQueue) process(event *queuedCommand) {
	start := time.Now()
	latency := start.Sub(event.timestamp)

	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	err := q.handler(ctx, event.cmd)
	elapsed := time.Since(start)

	q.mu.Lock()
	q.processed++
	if err != nil {
		q.failed++
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Debugf("command %s returned %v (queue_latency=%v)", event.cmd.name(), err, latency)
	}
	if event.resultCh != nil {
		select {
		case event.resultCh <- err:
		default:
		}
	}
	if elapsed > slowCommand {
		q.logger.Warnf("slow command %s took %v", event.cmd.name(), elapsed)
	}
}

// Shutdown 通知事件循环退出，不等待。可以在循环内部调用。
func (q *eventQueue) Shutdown() {
	q.cancel()
}

// Close 关闭队列并等待事件循环退出。不能在循环内部调用。
func (q *eventQueue) Close() error {
	q.cancel()
	q.wg.Wait()

	stats := q.Stats()
	q.logger.Debugf("queue closed for %s: total=%d processed=%d dropped=%d pending=%d",
		q.collectionID, stats.Total, stats.Processed, stats.Dropped, stats.Pending)
	return nil
}

// Done 在事件循环退出后关闭。
func (q *eventQueue) Done() <-chan struct{} {
	return q.done
}

func (q *eventQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Total:     q.total,
		Processed: q.processed,
		Dropped:   q.dropped,
		Failed:    q.failed,
		Pending:   len(q.commands),
		Capacity:  cap(q.commands),
	}
}

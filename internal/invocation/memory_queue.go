package invocation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"monokkai/pkg/logger"
)

var errQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 实现进程内队列。ch 不会被关闭，关闭信号通过 done 广播，
// 因此阻塞中的 Publish 不会向已关闭的 channel 发送。
type MemoryQueue struct {
	ch     chan string
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 将调用投递到队列。队列已满时阻塞，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, id string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed
	case q.ch <- id:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的调用。队列关闭后工作协程处理完缓冲区中
// 剩余的调用再退出。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	handle := func(id string) {
		if err := handler(ctx, id); err != nil {
			logger.L().Warn("处理调用失败", slog.String("invocation_id", id), slog.Any("error", err))
		}
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.ch:
					handle(id)
				case <-q.done:
					for {
						select {
						case <-ctx.Done():
							return
						case id := <-q.ch:
							handle(id)
						default:
							return
						}
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，并唤醒所有阻塞中的 Publish。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}

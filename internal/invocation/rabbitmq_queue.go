package invocation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "monokkai/internal/errors"
	"monokkai/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现调用队列。发布走开启了 publisher confirm 的独立
// channel，每次 Consume 另开一个 channel，避免确认与发布互相阻塞。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	queue    string
	prefetch int
	log      *slog.Logger

	closeOnce sync.Once
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "monokkai.invocations"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "开启 publisher confirm 失败")
	}
	if _, err := pub.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("声明 RabbitMQ 队列 %s 失败", queue))
	}
	return &RabbitMQQueue{
		conn:     conn,
		pub:      pub,
		queue:    queue,
		prefetch: cfg.Prefetch,
		log:      logger.Named("rabbitmq"),
	}, nil
}

// Publish 投递调用 ID，并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, id string) error {
	if q == nil || q.pub == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		AppId:        "monokkai",
		Body:         []byte(id),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递调用失败", xerrors.WithMetadata("invocation_id", id))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 broker 确认失败", xerrors.WithMetadata("invocation_id", id))
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, "broker 拒绝了调用消息", xerrors.WithMetadata("invocation_id", id))
	}
	return nil
}

// Consume 以手动确认模式消费队列。处理结果（包括失败）已写入存储，因此消息总是被确认，
// 不会重新投递；消息体为空时直接拒绝。连接断开时返回错误，ctx 结束时返回 ctx.Err()。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ 消费 channel 失败")
	}
	defer ch.Close()

	prefetch := q.prefetch
	if prefetch < workerCount {
		prefetch = workerCount
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
	}

	tag := "monokkai-" + uuid.NewString()
	deliveries, err := ch.Consume(q.queue, tag, false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					q.deliver(ctx, msg, handler)
				}
			}
		}()
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		_ = ch.Cancel(tag, false)
		<-finished
		return ctx.Err()
	case <-finished:
		if err := ctx.Err(); err != nil {
			return err
		}
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
	}
}

func (q *RabbitMQQueue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	id := strings.TrimSpace(string(msg.Body))
	if id == "" {
		q.log.Warn("丢弃空的调用消息", slog.String("message_id", msg.MessageId))
		if err := msg.Reject(false); err != nil {
			q.log.Error("拒绝消息失败", slog.Any("error", err))
		}
		return
	}
	if err := handler(ctx, id); err != nil {
		q.log.Warn("处理调用失败", slog.String("invocation_id", id), slog.Any("error", err))
	}
	if err := msg.Ack(false); err != nil {
		q.log.Error("确认消息失败", slog.String("invocation_id", id), slog.Any("error", err))
	}
}

// Close 关闭 RabbitMQ 连接，可重复调用。
func (q *RabbitMQQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	var err error
	q.closeOnce.Do(func() {
		err = q.conn.Close()
	})
	return err
}

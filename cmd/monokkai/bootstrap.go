package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"monokkai/internal/config"
	xerrors "monokkai/internal/errors"
	"monokkai/internal/invocation"
	"monokkai/internal/observability/alerting"
	"monokkai/internal/observability/metrics"
	"monokkai/pkg/extension"
	"monokkai/pkg/extension/cabi"
	"monokkai/pkg/logger"
)

// newManager 构造扩展管理器，注册 C ABI 后端以及指标与告警钩子。
func newManager(m *metrics.Metrics, alerter alerting.Dispatcher) *extension.Manager {
	opts := []extension.Option{
		extension.WithOpener(extension.ABIC, cabi.Opener{}),
	}
	if m != nil {
		opts = append(opts,
			extension.WithObserver(m.ObserveTransition),
			extension.WithExecuteHook(m.ObserveExecute),
		)
	}
	if alerter != nil {
		opts = append(opts,
			extension.WithObserver(loadAlerts(alerter)),
			extension.WithExecuteHook(executeAlerts(alerter)),
		)
	}
	return extension.NewManager(opts...)
}

// shutdownTimeout 限制退出时等待仍在运行的扩展调用的时间。
const shutdownTimeout = 10 * time.Second

// closeManager 在 wait 内卸载扩展；超时后仍在执行的模块保持打开，随进程退出回收。
func closeManager(manager *extension.Manager, wait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := manager.CloseContext(ctx); err != nil {
		logger.L().Warn("扩展卸载未完成", slog.Any("error", err))
	}
}

// loadAlerts 在加载失败时发出告警。
func loadAlerts(alerter alerting.Dispatcher) extension.Observer {
	return func(t extension.Transition) {
		if t.To != extension.StateFailed || t.Err == nil {
			return
		}
		event := alerting.FromError(t.Err, "load")
		if event.Path == "" {
			event.Path = t.Path
		}
		if event.Extension == "" {
			event.Extension = t.Name
		}
		notify(alerter, event)
	}
}

// executeAlerts 只对需要告警的执行错误（例如 panic）发出告警。
func executeAlerts(alerter alerting.Dispatcher) extension.ExecuteHook {
	return func(name string, _ time.Duration, err error) {
		if err == nil || !(xerrors.ShouldAlert(err) || extension.IsPanic(err)) {
			return
		}
		event := alerting.FromError(err, "execute")
		event.Extension = name
		notify(alerter, event)
	}
}

func notify(alerter alerting.Dispatcher, event alerting.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("code", string(event.Code)))
	}
}

// newAlerter 根据配置组装告警通道；未配置任何通道时返回 nil。
func newAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// newStore 根据配置创建调用存储。
func newStore(cfg config.StoreConfig) (invocation.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return invocation.NewMemoryStore(), nil
	case "mysql":
		store, err := invocation.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的调用存储驱动: %s", cfg.Driver)
	}
}

// newQueue 根据配置创建调用队列。
func newQueue(cfg config.QueueConfig) (invocation.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return invocation.NewMemoryQueue(cfg.Size), nil
	case "redis":
		queue, err := invocation.NewRedisQueue(invocation.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := invocation.NewRabbitMQQueue(invocation.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的调用队列驱动: %s", cfg.Driver)
	}
}

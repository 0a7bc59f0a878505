package invocation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"monokkai/internal/dispatch"
	xerrors "monokkai/internal/errors"
	"monokkai/internal/observability/alerting"
	"monokkai/pkg/extension"
	"monokkai/pkg/logger"
)

// ResultHook 在每个调用结束后被调用，可用于指标统计。
type ResultHook func(inv *Invocation)

// Processor 负责从队列消费调用并交给扩展执行。
type Processor struct {
	dispatcher  *dispatch.Dispatcher
	store       Store
	consumer    Consumer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	hooks       []ResultHook
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithExecutionTimeout 设置单次调用的等待上限。超时的调用被记为失败，
// 但扩展本身会继续执行直至返回。
func WithExecutionTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.timeout = timeout
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithResultHook 注册调用结束回调。
func WithResultHook(hook ResultHook) ProcessorOption {
	return func(p *Processor) {
		if hook != nil {
			p.hooks = append(p.hooks, hook)
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor dispatch.Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		dispatcher:  dispatch.New(executor),
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("invocation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动调用处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置调用消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	inv, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrInvocationNotFound) || stdErrors.Is(err, ErrInvocationCompleted) || stdErrors.Is(err, ErrInvocationConflict) {
			p.logDebug("跳过调用", slog.String("invocation_id", id), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取调用失败", slog.Any("error", err), slog.String("invocation_id", id))
		p.emitAlert(ctx, &Invocation{ID: id}, err, "claim")
		return err
	}

	execCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	execErr := p.dispatcher.RunWithDeadline(execCtx, inv.Extension, inv.Args)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, inv, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, inv.ID); err != nil {
		p.logger.Error("标记调用成功状态失败", slog.Any("error", err), slog.String("invocation_id", inv.ID))
		p.emitAlert(ctx, inv, err, "store")
		return err
	}
	logger.Audit().Info("调用执行成功",
		slog.String("invocation_id", inv.ID),
		slog.String("extension", inv.Extension),
	)
	p.finish(ctx, inv.ID)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, inv *Invocation, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = extension.CodeExecution
	}
	if err := p.store.MarkFailed(ctx, inv.ID, code, execErr.Error()); err != nil {
		p.logger.Error("标记调用失败状态出错", slog.Any("error", err), slog.String("invocation_id", inv.ID))
		return err
	}
	logger.Audit().Warn("调用执行失败",
		slog.String("invocation_id", inv.ID),
		slog.String("extension", inv.Extension),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("exit_code", dispatch.ExitCode(execErr)),
	)
	p.emitAlert(ctx, inv, execErr, "execute")
	p.finish(ctx, inv.ID)
	return nil
}

func (p *Processor) finish(ctx context.Context, id string) {
	if len(p.hooks) == 0 {
		return
	}
	inv, err := p.store.Get(ctx, id)
	if err != nil {
		return
	}
	for _, hook := range p.hooks {
		hook(inv)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, inv *Invocation, cause error, stage string) {
	if p == nil || p.alerter == nil || inv == nil {
		return
	}
	event := alerting.FromError(cause, stage)
	event.InvocationID = inv.ID
	if event.Extension == "" {
		event.Extension = inv.Extension
	}
	if event.Code == xerrors.CodeUnknown {
		event.Code = extension.CodeExecution
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("invocation_id", inv.ID),
			slog.String("stage", stage),
		)
	}
}

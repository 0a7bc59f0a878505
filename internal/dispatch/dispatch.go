// Package dispatch 将扩展调用结果翻译为进程退出码，并提供带截止时间的调用方式。
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	xerrors "monokkai/internal/errors"
	"monokkai/pkg/extension"
	"monokkai/pkg/logger"
)

// 进程退出码约定。
const (
	ExitOK        = 0
	ExitExecution = 1
	ExitUsage     = 2
	ExitLoad      = 3
	ExitNotFound  = 127
)

// Executor 是分发器依赖的最小接口，通常由 *extension.Manager 实现。
type Executor interface {
	Execute(name string, args []string) error
}

// Dispatcher 根据名称调用扩展。
type Dispatcher struct {
	exec Executor
	log  *slog.Logger
}

// New 创建分发器。
func New(exec Executor) *Dispatcher {
	return &Dispatcher{exec: exec, log: logger.Named("dispatch")}
}

// Dispatch 校验名称后调用扩展，结果原样返回。
func (d *Dispatcher) Dispatch(name string, args []string) error {
	if strings.TrimSpace(name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "extension name cannot be empty")
	}
	if d == nil || d.exec == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "dispatcher not initialized")
	}
	return d.exec.Execute(name, args)
}

// Run 调用扩展并返回对应的退出码。
func (d *Dispatcher) Run(name string, args []string) int {
	err := d.Dispatch(name, args)
	code := ExitCode(err)
	if err != nil {
		d.logger().Debug("扩展调用失败", slog.String("extension", name), slog.Int("exit_code", code), slog.Any("error", err))
	}
	return code
}

// RunWithDeadline 在 ctx 结束前等待扩展返回。ctx 先结束时立即返回超时错误，
// 但扩展本身不会被中断，会在后台继续执行直至完成。
func (d *Dispatcher) RunWithDeadline(ctx context.Context, name string, args []string) error {
	if err := ctx.Err(); err != nil {
		return timeoutError(name, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- d.Dispatch(name, args)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		d.logger().Warn("扩展调用超过截止时间，结果将被丢弃", slog.String("extension", name))
		return timeoutError(name, ctx.Err())
	}
}

func timeoutError(name string, cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause, "extension call abandoned",
		xerrors.WithMetadata("extension", name))
}

func (d *Dispatcher) logger() *slog.Logger {
	if d == nil || d.log == nil {
		return logger.L()
	}
	return d.log
}

// ExitCode 将错误映射为退出码。
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, extension.ErrPluginNotFound):
		return ExitNotFound
	case errors.Is(err, extension.ErrLoad),
		errors.Is(err, extension.ErrSymbol),
		errors.Is(err, extension.ErrInit),
		errors.Is(err, extension.ErrDuplicateName):
		return ExitLoad
	case xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		return ExitUsage
	default:
		return ExitExecution
	}
}

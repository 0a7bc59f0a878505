package main

import (
	"errors"
	"fmt"

	"monokkai/internal/dispatch"
)

// ExitError carries the process exit code a command wants to terminate with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitWith 将错误包装为 ExitError，退出码沿用调度器的映射。
func exitWith(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return &ExitError{Code: dispatch.ExitCode(err), Err: err}
}

// usageError 用于参数错误。
func usageError(format string, args ...any) error {
	return &ExitError{Code: dispatch.ExitUsage, Err: fmt.Errorf(format, args...)}
}

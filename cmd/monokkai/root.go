package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"monokkai/internal/config"
	"monokkai/internal/dispatch"
	"monokkai/pkg/logger"
)

// Version is set via -ldflags.
var Version = "dev"

type app struct {
	configPath string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "monokkai",
		Short:         "Load extension modules at runtime and dispatch to them by name",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: dispatch.ExitUsage, Err: err}
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		a.newListCommand(),
		a.newInspectCommand(),
		a.newRunCommand(),
		a.newServeCommand(),
		a.newSubmitCommand(),
	)
	return root
}

// loadConfig 读取配置并初始化日志。
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, &ExitError{Code: dispatch.ExitUsage, Err: err}
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return nil, &ExitError{Code: dispatch.ExitUsage, Err: fmt.Errorf("初始化日志失败: %w", err)}
	}
	return cfg, nil
}

// execute 运行命令并返回进程退出码。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	defer func() { _ = logger.Sync() }()
	if err == nil {
		return dispatch.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(stderr, "Error:", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return dispatch.ExitUsage
}

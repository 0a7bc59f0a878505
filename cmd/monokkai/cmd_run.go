package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"monokkai/internal/dispatch"
	xerrors "monokkai/internal/errors"
)

func (a *app) newRunCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <name> [args...]",
		Short: "Load the configured extensions and dispatch to one by name",
		Long: `Load the configured extensions and dispatch to one by name.

The process exits with 0 on success, 1 when the extension fails, 2 on usage
errors, 3 when a module cannot be loaded and 127 when no extension has the
requested name.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			manager := newManager(nil, newAlerter(cfg.Alerting))
			if err := manager.LoadConfigured(cfg.Extensions); err != nil {
				_ = manager.Close()
				return exitWith(err)
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			err = dispatch.New(manager).RunWithDeadline(ctx, args[0], args[1:])
			if xerrors.CodeOf(err) == xerrors.CodeTimeout {
				// 扩展仍在运行：只卸载空闲模块，不等待。
				closeManager(manager, 0)
			} else {
				_ = manager.Close()
			}
			return exitWith(err)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop waiting for the extension after this long (it keeps running)")
	return cmd
}

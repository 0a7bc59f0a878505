package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"monokkai/internal/dispatch"
	"monokkai/sdk/go/monokkai"
)

func (a *app) newSubmitCommand() *cobra.Command {
	var (
		server   string
		id       string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <name> [args...]",
		Short: "Queue an invocation on a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := monokkai.NewClient(server, nil)
			if err != nil {
				return usageError("%v", err)
			}
			ctx := cmd.Context()
			inv, err := client.SubmitInvocation(ctx, monokkai.InvocationRequest{
				ID:        id,
				Extension: args[0],
				Args:      args[1:],
			})
			if err != nil {
				return apiExit(err)
			}
			if wait {
				if inv, err = client.WaitInvocation(ctx, inv.ID, interval); err != nil {
					return apiExit(err)
				}
			}

			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(inv); err != nil {
				return err
			}
			if inv.Status == "failed" {
				return &ExitError{Code: dispatch.ExitExecution}
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8080", "base URL of the monokkai server")
	cmd.Flags().StringVar(&id, "id", "", "invocation id (generated by the server when empty)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the invocation finishes")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval used with --wait")
	return cmd
}

// apiExit 沿用服务端返回的退出码。
func apiExit(err error) error {
	var apiErr *monokkai.APIError
	if errors.As(err, &apiErr) && apiErr.ExitCode != 0 {
		return &ExitError{Code: apiErr.ExitCode, Err: err}
	}
	return &ExitError{Code: dispatch.ExitExecution, Err: err}
}

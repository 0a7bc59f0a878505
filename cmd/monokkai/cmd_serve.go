package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"monokkai/internal/api"
	"monokkai/internal/invocation"
	"monokkai/internal/observability/metrics"
	"monokkai/pkg/logger"
)

func (a *app) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and process queued invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			log := logger.Named("serve")

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				registry := prometheus.NewRegistry()
				registry.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)
				m = metrics.NewMetrics(registry)
			}
			alerter := newAlerter(cfg.Alerting)

			manager := newManager(m, alerter)
			// 被放弃的调用可能仍在运行，卸载不能无限期等待。
			defer closeManager(manager, shutdownTimeout)
			if err := manager.LoadConfigured(cfg.Extensions); err != nil {
				return exitWith(err)
			}
			if m != nil {
				if err := m.WatchExtensions(manager); err != nil {
					return err
				}
			}

			store, err := newStore(cfg.Invocations.Store)
			if err != nil {
				return err
			}
			queue, err := newQueue(cfg.Invocations.Queue)
			if err != nil {
				_ = store.Close()
				return err
			}
			service := invocation.NewService(store, queue, manager)
			defer service.Close()

			procOpts := []invocation.ProcessorOption{
				invocation.WithWorkerCount(cfg.Invocations.Queue.Workers),
				invocation.WithExecutionTimeout(cfg.Invocations.Queue.Timeout),
				invocation.WithAlertDispatcher(alerter),
			}
			apiOpts := []api.Option{
				api.WithInvocations(service),
				api.WithExecuteTimeout(cfg.Server.ExecuteTimeout),
			}
			if m != nil {
				procOpts = append(procOpts, invocation.WithResultHook(m.ObserveInvocation))
				apiOpts = append(apiOpts, api.WithMetrics(m))
			}
			processor := invocation.NewProcessor(manager, store, queue, procOpts...)
			server := api.NewServer(cfg.Server.Address, manager, apiOpts...)

			log.Info("monokkai 启动",
				slog.String("addr", cfg.Server.Address),
				slog.Int("extensions", manager.Len()),
				slog.String("store", cfg.Invocations.Store.Driver),
				slog.String("queue", cfg.Invocations.Queue.Driver),
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return processor.Start(ctx) })
			g.Go(func() error { return server.Start(ctx) })
			if m != nil && cfg.Metrics.Address != "" {
				g.Go(func() error { return m.StartServer(ctx, cfg.Metrics.Address) })
			}
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				log.Info("monokkai 已停止")
				return nil
			}
			return err
		},
	}
}

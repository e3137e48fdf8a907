package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/api"
	"github.com/Fhyywen/shixun-qiu/internal/scheduler"
	appLogger "github.com/Fhyywen/shixun-qiu/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root.configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.host:server.port)")
	return cmd
}

func runServe(ctx context.Context, configPath, addr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	appLogger.Info("Starting kbqa server")

	a, err := newApp(ctx, cfg, appOptions{graph: true})
	if err != nil {
		appLogger.Error("Failed to initialize components", zap.Error(err))
		return err
	}
	defer a.Close()

	deps := api.Deps{
		Engine:     a.engine,
		Analyzer:   a.analyzer,
		Server:     cfg.Server,
		Metrics:    cfg.Metrics.Enabled,
		RequestLog: true,
		Logger:     appLogger.Named("http"),
	}
	if a.graph != nil {
		deps.Graph = a.graph
	}
	srv := api.New(deps)

	if cfg.Knowledge.RebuildSchedule != "" && len(cfg.Knowledge.Paths) > 0 {
		var opts []scheduler.Option
		if a.cache != nil {
			opts = append(opts, scheduler.WithLocker(a.cache))
		}
		sched, err := scheduler.New(cfg.Knowledge.RebuildSchedule, cfg.Knowledge.Paths, a.knowledge,
			appLogger.Named("scheduler"), opts...)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	appLogger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			appLogger.Error("Server failed", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	appLogger.Info("Server shutting down gracefully...")
	done := make(chan error, 1)
	go func() { done <- srv.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(shutdownTimeout):
		return errors.New("server shutdown timed out")
	}
	appLogger.Info("Server stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/nudge"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/pkg/logs"
	"github.com/tgifai/nudge/internal/service"
)

var serveHwd = &ServeRunner{}

type ServeRunner struct{}

func (r *ServeRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Manage the nudge service",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the scheduler, channels and check-in flows in the foreground",
				Flags:  []cli.Flag{configFlag()},
				Action: r.run,
			},
		},
	}
}

func (r *ServeRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfgPath := configPath(cmd)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		fmt.Println("nudge is not configured yet. Run \"nudge init\" to get started.")
		return nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}

	if err = initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}
	defer logs.Flush()

	logs.CtxInfo(ctx, "booting nudge %s, using config file: %s...", nudge.VERSION, cfgPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := service.NewService(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err = svc.Start(ctx); err != nil {
		cancel()
		_ = svc.Stop(context.Background())
		return fmt.Errorf("start service: %w", err)
	}

	logs.CtxInfo(ctx, "nudge is running. Press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "Received shutdown signal (%s). Stopping...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "Context canceled. Stopping...")
	}

	if err = svc.Stop(context.Background()); err != nil {
		logs.CtxError(ctx, "stop service error: %v", err)
	}

	logs.CtxInfo(ctx, "all stopped, good bye!")
	return nil
}

func configPath(cmd *cli.Command) string {
	if p := strings.TrimSpace(cmd.String("config")); p != "" {
		return p
	}
	return consts.DefaultConfigPath()
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}

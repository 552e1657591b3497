package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/teilomillet/preamble/config"
	"github.com/teilomillet/preamble/errors"
	"github.com/teilomillet/preamble/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ServeCommand struct {
	Config string `help:"Path to the YAML configuration file. Empty uses built-in defaults." short:"c" env:"PREAMBLE_CONFIG" default:""`
}

func (c ServeCommand) Run(ctx context.Context, out io.Writer) (err error) {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, level, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	errors.SetLogger(logger)

	var watcher config.Watcher = config.NewStaticWatcher(cfg)
	var fileWatcher *config.ConfigWatcher
	if c.Config != "" {
		fileWatcher, err = config.NewConfigWatcher(c.Config, logger)
		if err != nil {
			return err
		}
		defer fileWatcher.Close()
		watcher = fileWatcher
	}

	srv, err := server.NewServer(watcher, logger, server.WithLogLevel(level))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting preamble",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("backend", cfg.Backend.Type),
		zap.String("instruction_path", srv.InstructionPath()),
	)

	g, gctx := errgroup.WithContext(ctx)
	if fileWatcher != nil {
		g.Go(func() error {
			return fileWatcher.Run(gctx)
		})
	}
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

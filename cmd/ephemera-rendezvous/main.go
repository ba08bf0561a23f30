// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ephemerachat/ephemera/rendezvous"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("ephemera-rendezvous", pflag.ContinueOnError)
	var (
		listen          = flags.String("listen", ":8000", "HTTP listen address")
		configPath      = flags.String("config", "", "optional YAML config file")
		graceWindow     = flags.Duration("grace-window", rendezvous.DefaultGraceWindow, "how long an offline identity keeps its presence slot")
		sweepInterval   = flags.Duration("sweep-interval", rendezvous.DefaultSweepInterval, "how often the eviction sweep runs")
		maxMessageBytes = flags.Int64("max-message-bytes", 0, "maximum relay frame size (0 for the default)")
		logLevel        = flags.String("log-level", "info", "log level: debug, info, warn, error")
	)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *configPath != "" {
		file, err := loadFileConfig(*configPath)
		if err != nil {
			return err
		}
		// Explicit flags win over file values.
		if !flags.Changed("listen") && file.Listen != "" {
			*listen = file.Listen
		}
		if !flags.Changed("grace-window") && file.GraceWindow > 0 {
			*graceWindow = time.Duration(file.GraceWindow)
		}
		if !flags.Changed("sweep-interval") && file.SweepInterval > 0 {
			*sweepInterval = time.Duration(file.SweepInterval)
		}
		if !flags.Changed("max-message-bytes") && file.MaxMessageBytes > 0 {
			*maxMessageBytes = file.MaxMessageBytes
		}
		if !flags.Changed("log-level") && file.LogLevel != "" {
			*logLevel = file.LogLevel
		}
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := rendezvous.NewServer(rendezvous.Config{
		Logger:         logger,
		GraceWindow:    *graceWindow,
		SweepInterval:  *sweepInterval,
		MaxMessageSize: *maxMessageBytes,
	})
	defer server.Close()
	go server.Run(ctx)

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("rendezvous relay listening",
			"addr", *listen,
			"graceWindow", *graceWindow,
		)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	}
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

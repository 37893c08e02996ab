package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/hedger/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	paper := flag.Bool("paper", false, "simulate fills in-process instead of trading on the venues")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	progress := flag.Bool("progress", false, "print intermediate OPENING/CLOSING steps")
	report := flag.Bool("report", false, "print the pairs report and exit")
	closeID := flag.String("close", "", "close the pair with this ID (reason OPERATOR) and exit")
	abortID := flag.String("abort", "", "abort the PLANNED pair with this ID and exit")
	reconcile := flag.Bool("reconcile", false, "reconcile OPENING/CLOSING pairs against the venues and exit")
	resetBreaker := flag.Bool("reset-breaker", false, "clear a tripped circuit breaker and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := build(cfg, *paper, *progress)
	if err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	switch {
	case *report:
		err = app.report(ctx)
	case *closeID != "":
		err = app.closePair(ctx, *closeID)
	case *abortID != "":
		err = app.abortPair(ctx, *abortID)
	case *reconcile:
		err = app.reconcile(ctx)
	case *resetBreaker:
		err = app.resetBreaker(ctx)
	default:
		slog.Info("hedger starting",
			"config", *configPath,
			"paper", *paper,
			"exchanges", app.router.Names(),
			"notional_per_leg", cfg.Engine.NotionalPerLeg,
			"leverage", cfg.Engine.Leverage,
			"monitor_interval", cfg.MonitorInterval(),
		)
		err = app.engine.Run(ctx)
	}
	if err != nil {
		slog.Error("hedger exited with error", "err", err)
		fmt.Fprintln(os.Stderr, err)
		app.Close()
		os.Exit(1)
	}
	slog.Info("hedger stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

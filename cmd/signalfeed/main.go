// signalfeed connects to a trading signal stream, keeps the most recent
// signals in memory, and serves them over a local status API.
// Usage: go run ./cmd/signalfeed --config configs/signalfeed.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/signalfeed/internal/config"
	"github.com/rickgao/signalfeed/internal/connection"
	"github.com/rickgao/signalfeed/internal/dispatch"
	"github.com/rickgao/signalfeed/internal/feed"
	"github.com/rickgao/signalfeed/internal/history"
	"github.com/rickgao/signalfeed/internal/metrics"
	"github.com/rickgao/signalfeed/internal/server"
	"github.com/rickgao/signalfeed/internal/version"
)

const closeTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	envPath := flag.String("env", ".env", "path to a dotenv file loaded before the config")
	verbose := flag.Bool("verbose", false, "debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := loadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, *verbose, os.Stderr)
	slog.SetDefault(logger)

	logger.Info("starting signalfeed",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"stream_url", cfg.Stream.URL,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("signalfeed stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("signalfeed stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := dispatch.New(logger)

	f := feed.New(cfg.Feed.Capacity, logger)
	if _, err := f.Attach(d); err != nil {
		return fmt.Errorf("attach feed: %w", err)
	}
	f.Observe(signalPrinter(os.Stdout))

	rec := metrics.New()
	if _, err := rec.Bind(d); err != nil {
		return fmt.Errorf("bind metrics: %w", err)
	}
	defer rec.ObserveFeed(f)()

	if err := watchLifecycle(d, logger); err != nil {
		return fmt.Errorf("watch lifecycle: %w", err)
	}

	if cfg.History.Enabled {
		preload(ctx, cfg, f, logger)
	}

	mgr := connection.NewManager(connectionConfig(cfg.Stream), nil, d, logger)
	if err := mgr.Connect(""); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if !cfg.HTTP.Disabled {
		srv := server.New(cfg.HTTP, mgr, f, rec, logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return mgr.Close(closeCtx)
	})

	return g.Wait()
}

// loadEnv loads a dotenv file. A missing default file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == ".env" {
		return nil
	}
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(path)
}

// preload fills the feed from the history store. Failures are logged and
// the stream starts with an empty feed.
func preload(ctx context.Context, cfg *config.Config, f *feed.Feed, logger *slog.Logger) {
	store, err := history.New(ctx, cfg.History, cfg.Feed.Capacity, logger)
	if err != nil {
		logger.Warn("history unavailable", "error", err)
		return
	}
	defer store.Close()

	signals, err := store.Recent(ctx, 0)
	if err != nil {
		logger.Warn("history load failed", "error", err)
		return
	}

	n, err := f.ReplaceAll(signals)
	if err != nil {
		logger.Warn("history contained invalid signals", "error", err)
	}
	logger.Info("history loaded", "signals", n)
}

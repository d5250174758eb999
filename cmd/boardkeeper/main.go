// Command boardkeeper runs the whiteboard persistence service.
//
// Usage:
//
//	boardkeeper -config boardkeeper.yaml
//
// Secrets come from the environment: SESSION_SECRET, ASSIST_API_KEY,
// EMBED_API_KEY, REDIS_PASSWORD, AMQP_URL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/boardkeeper/assist"
	"github.com/hazyhaar/boardkeeper/boardkeeper"
	"github.com/hazyhaar/boardkeeper/notify"

	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	flag.Parse()

	cfg := &boardkeeper.Config{}
	if *configPath != "" {
		var err error
		cfg, err = boardkeeper.LoadConfigFile(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("boardkeeper", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *boardkeeper.Config, logger *slog.Logger) error {
	if cfg.Auth.Secret == "" {
		logger.Warn("SESSION_SECRET not set, every request runs as the local user", "owner", boardkeeper.DefaultOwner)
	}

	pub, err := publishers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	acfg := cfg.Assist
	acfg.Logger = logger
	completer := assist.New(acfg)

	k, err := boardkeeper.New(cfg, logger,
		boardkeeper.WithCompleter(completer),
		boardkeeper.WithPublisher(pub),
	)
	if err != nil {
		return err
	}
	defer k.Close()
	k.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           k.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	return nil
}

// publishers builds the saved-event fan-out. An unreachable Redis is only
// logged since the client reconnects on its own; AMQP must dial at start.
func publishers(ctx context.Context, cfg *boardkeeper.Config, logger *slog.Logger) (notify.Publisher, error) {
	var pubs []notify.Publisher

	if rc := cfg.Notify.Redis; rc.Addr != "" {
		rp := notify.NewRedis(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}, rc.Prefix)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rp.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable at start", "addr", rc.Addr, "error", err)
		}
		cancel()
		pubs = append(pubs, rp)
		logger.Info("notify: redis enabled", "addr", rc.Addr, "channel", rp.Channel())
	}

	if ac := cfg.Notify.AMQP; ac.URL != "" {
		ac.Logger = logger
		ap, err := notify.NewAMQP(ctx, ac)
		if err != nil {
			notify.Multi(pubs...).Close()
			return nil, fmt.Errorf("amqp: %w", err)
		}
		pubs = append(pubs, ap)
		logger.Info("notify: amqp enabled")
	}

	return notify.Multi(pubs...), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

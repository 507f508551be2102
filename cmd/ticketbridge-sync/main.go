package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/ticketbridge/internal/caseplatform"
	"github.com/agentworkforce/ticketbridge/internal/config"
	"github.com/agentworkforce/ticketbridge/internal/contextstore"
	"github.com/agentworkforce/ticketbridge/internal/ticketing"
	"github.com/agentworkforce/ticketbridge/internal/ticketsync"
)

func main() {
	configPath := flag.String("config", envOrDefault("TICKETBRIDGE_CONFIG", "ticketbridge.yaml"), "config file path")
	interval := flag.Duration("interval", durationEnv("TICKETBRIDGE_INTERVAL", 5*time.Minute), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("TICKETBRIDGE_INTERVAL_JITTER", 0.1), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("TICKETBRIDGE_TIMEOUT", 10*time.Minute), "per-cycle timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if cfg.Job.Interval.Std() > 0 {
		*interval = cfg.Job.Interval.Std()
	}
	if *interval <= 0 {
		*interval = 5 * time.Minute
	}
	if *timeout <= 0 {
		*timeout = 10 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	logger, closeLog := config.SetupLogger(cfg.Logging)
	defer func() {
		if err := closeLog(); err != nil {
			slog.Error("failed to close log file", "error", err)
		}
	}()

	syncer, cleanup, err := buildSyncer(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize syncer", "error", err)
		os.Exit(1)
	}
	// cleanup is reassigned on config reload, so resolve it late.
	defer func() { cleanup() }()

	var current atomic.Pointer[ticketsync.Syncer]
	current.Store(syncer)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := current.Load().SyncOnce(ctx); err != nil {
			logger.Error("sync cycle failed", "error", err)
			return
		}
		logger.Info("sync cycle completed")
	}

	run()
	if *once {
		return
	}

	reloads := watchConfig(rootCtx, *configPath, logger)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("sync stopping", "reason", rootCtx.Err())
			return
		case <-reloads:
			reloaded, err := config.Load(*configPath)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			// Release the current store (and its job lock) before the
			// replacement takes it. No cycle runs concurrently; run()
			// shares this loop.
			cleanup()
			next, nextCleanup, err := buildSyncer(reloaded, logger)
			if err != nil {
				logger.Warn("config reload failed, restoring previous config", "error", err)
				next, nextCleanup, err = buildSyncer(cfg, logger)
				if err != nil {
					logger.Error("failed to restore syncer after reload failure", "error", err)
					return
				}
			} else {
				cfg = reloaded
			}
			cleanup = nextCleanup
			current.Store(next)
			if cfg.Job.Interval.Std() > 0 {
				*interval = cfg.Job.Interval.Std()
			}
			logger.Info("config reloaded", "path", *configPath)
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func buildSyncer(cfg *config.Config, logger *slog.Logger) (*ticketsync.Syncer, func(), error) {
	tickets, err := ticketing.NewHTTPClient(
		cfg.Ticketing.APIRoot,
		cfg.Ticketing.Username,
		cfg.Ticketing.Password,
		ticketing.HTTPClientOptions{TicketTable: cfg.Ticketing.Table},
	)
	if err != nil {
		return nil, nil, err
	}
	cases, err := caseplatform.NewHTTPClient(cfg.CasePlatform.APIRoot, cfg.CasePlatform.APIKey, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	properties, err := contextstore.BuildPropertyStoreFromDSN(cfg.State.DSN)
	if err != nil {
		return nil, nil, err
	}
	if properties == nil {
		// No DSN configured: state lives in the case platform's job context.
		properties = caseplatform.NewJobContextStore(cases)
	} else if closer, ok := properties.(interface{ Close() error }); ok {
		cleanup = func() {
			if err := closer.Close(); err != nil {
				logger.Warn("closing property store failed", "error", err)
			}
		}
	}
	if locker, ok := properties.(interface {
		AcquireJobLock(context.Context, string) (func(), error)
	}); ok {
		// Single-writer exclusion: concurrent instances of the same job
		// would interleave snapshot writes.
		lockCtx, cancelLock := context.WithTimeout(context.Background(), 30*time.Second)
		release, err := locker.AcquireJobLock(lockCtx, cfg.Job.ID)
		cancelLock()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closeStore := cleanup
		cleanup = func() {
			release()
			closeStore()
		}
	}

	chunked, err := contextstore.NewChunkedStore(properties, cfg.Job.ID, contextstore.DefaultChunkLimit)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	syncCfg, err := cfg.SyncConfig()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	syncer, err := ticketsync.NewSyncer(syncCfg, tickets, cases, ticketsync.NewSnapshotStore(chunked), logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return syncer, cleanup, nil
}

// watchConfig reports config file changes on the returned channel. Editors
// often replace the file, so the parent directory is watched.
func watchConfig(ctx context.Context, path string, logger *slog.Logger) <-chan struct{} {
	out := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch unavailable", "error", err)
		return out
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Warn("config watch unavailable", "dir", dir, "error", err)
		_ = watcher.Close()
		return out
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			}
		}
	}()
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

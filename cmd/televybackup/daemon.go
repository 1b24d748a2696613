package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/config"
	"github.com/IvanLi-CN/televy-backup/internal/events"
	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

// daemonCmd runs the long-running mode: a /healthz endpoint plus a ticker
// that backs up every configured target in turn, sharing one process-wide
// Metrics instance across ticks (runBackup documents why that sharing
// matters).
func daemonCmd(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file")
	keystorePath := fs.String("keystore", "", "wrapped master key path")
	interval := fs.Duration("interval", time.Hour, "how often to run the full backup cycle over every configured target")
	healthAddr := fs.String("health-addr", "127.0.0.1:9090", "address to serve /healthz on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *keystorePath == "" {
		*keystorePath = cfg.ConfigDir + "/masterkey.json"
	}
	masterKey, err := unlockMasterKey(*keystorePath)
	if err != nil {
		return err
	}

	logger := buildLogger()
	metrics := telemetry.NewMetrics()
	health := telemetry.NewHealthChecker("0.1.0")

	if shutdown, err := telemetry.InitTracing(context.Background(), "televybackup-daemon"); err == nil {
		defer shutdown(context.Background())
	} else {
		logger.Error(err, "tracing init failed, continuing without traces")
	}

	resume, err := openResumeCache(cfg)
	if err != nil {
		return fmt.Errorf("open resume cache: %w", err)
	}
	defer resume.Close()

	registerHealthChecks(health, cfg, resume)

	pub := events.NewPublisher(256)
	sub := pub.Subscribe()
	defer pub.Unsubscribe(sub.ID)
	go drainEvents(logger, sub)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler())
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: *healthAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "health server exited")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(fmt.Sprintf("daemon starting: interval=%s targets=%d", interval.String(), len(cfg.Targets)))
	runAllTargets(ctx, cfg, masterKey, logger, metrics, pub, resume)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			logger.Info("daemon stopped")
			return nil
		case <-ticker.C:
			runAllTargets(ctx, cfg, masterKey, logger, metrics, pub, resume)
			if removed, err := resume.GC(7 * 24 * time.Hour); err != nil {
				logger.Error(err, "resume cache GC failed")
			} else if removed > 0 {
				logger.Info(fmt.Sprintf("resume cache GC removed %d stale records", removed))
			}
		}
	}
}

// runAllTargets backs up every configured target sequentially, logging and
// continuing past a single target's failure rather than aborting the
// whole cycle.
func runAllTargets(ctx context.Context, cfg *config.Config, masterKey []byte, logger *telemetry.Logger, metrics *telemetry.Metrics, pub *events.Publisher, resume *provider.ResumeCache) {
	for _, t := range cfg.Targets {
		snapshotID, err := runBackup(ctx, cfg, t.TargetID, masterKey, logger, metrics, pub, resume)
		if err != nil {
			logger.Error(err, fmt.Sprintf("backup failed for target %s", t.TargetID))
			continue
		}
		logger.Info(fmt.Sprintf("backup sealed: target=%s snapshot=%s", t.TargetID, snapshotID))
	}
}

// registerHealthChecks wires one index-reachability and provider
// channel-check pair per configured endpoint, plus a shared disk-free
// check against the data directory.
func registerHealthChecks(health *telemetry.HealthChecker, cfg *config.Config, resume *provider.ResumeCache) {
	for _, ep := range cfg.Endpoints {
		ep := ep
		health.RegisterCheck("index."+ep.EndpointID, telemetry.IndexReachableCheck(func(ctx context.Context) error {
			idx, err := index.Open(cfg.IndexPath(ep.EndpointID))
			if err != nil {
				return err
			}
			defer idx.Close()
			return idx.Ping(ctx)
		}))
		health.RegisterCheck("channel."+ep.EndpointID, telemetry.ProviderChannelCheck(func(ctx context.Context) error {
			p, err := buildProvider(ep, resume)
			if err != nil {
				return err
			}
			return p.ChannelCheck(ctx)
		}))
	}
	health.RegisterCheck("disk", telemetry.DiskFreeCheck(func() (int64, error) {
		return diskFreeBytes(cfg.DataDir)
	}, 512<<20))
}

func diskFreeBytes(path string) (int64, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return 0, err
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// drainEvents folds the progress stream into the daemon log so an
// operator tailing the log sees per-phase progress without scraping
// metrics.
func drainEvents(logger *telemetry.Logger, sub *events.Subscription) {
	for rec := range sub.Channel {
		switch r := rec.(type) {
		case *events.TaskState:
			msg := fmt.Sprintf("task %s %s: %s", r.Kind, r.TaskID, r.State)
			if r.Error != nil {
				msg += fmt.Sprintf(" (%s: %s)", r.Error.Code, r.Error.Message)
			}
			logger.Info(msg)
		case *events.TaskProgress:
			logger.Debug(fmt.Sprintf("task %s phase=%s files=%d/%d chunks=%d/%d uploaded=%dB deduped=%dB",
				r.TaskID, r.Phase, r.FilesDone, r.FilesTotal, r.ChunksDone, r.ChunksTotal, r.BytesUploaded, r.BytesDeduped))
		}
	}
}

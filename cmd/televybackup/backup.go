package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/IvanLi-CN/televy-backup/internal/chunker"
	"github.com/IvanLi-CN/televy-backup/internal/config"
	"github.com/IvanLi-CN/televy-backup/internal/events"
	"github.com/IvanLi-CN/televy-backup/internal/index"
	"github.com/IvanLi-CN/televy-backup/internal/pack"
	"github.com/IvanLi-CN/televy-backup/internal/pipeline"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

func backupCmd(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file")
	keystorePath := fs.String("keystore", "", "wrapped master key path")
	targetID := fs.String("target", "", "target id from the config's [[targets]] table")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *targetID == "" {
		return fmt.Errorf("-target is required")
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

	resume, err := openResumeCache(cfg)
	if err != nil {
		return fmt.Errorf("open resume cache: %w", err)
	}
	defer resume.Close()

	snapshotID, err := runBackup(context.Background(), cfg, *targetID, masterKey, buildLogger(), telemetry.NewMetrics(), nil, resume)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot %s sealed for target %s\n", snapshotID, *targetID)
	return nil
}

// runBackup drives one backup of targetID, sharing logger/metrics across
// callers (the daemon loop calls this once per configured target per
// tick, all under the same process-wide Prometheus registry, so metrics
// must be built once by the caller, not per call).
func runBackup(ctx context.Context, cfg *config.Config, targetID string, masterKey []byte, logger *telemetry.Logger, metrics *telemetry.Metrics, pub *events.Publisher, resume *provider.ResumeCache) (string, error) {
	target, ok := cfg.Target(targetID)
	if !ok {
		return "", fmt.Errorf("no target %q in config", targetID)
	}
	ep, ok := cfg.Endpoint(target.EndpointID)
	if !ok {
		return "", fmt.Errorf("target %q references unknown endpoint %q", targetID, target.EndpointID)
	}

	p, err := buildProvider(ep, resume)
	if err != nil {
		return "", err
	}

	idx, err := index.Open(cfg.IndexPath(ep.EndpointID))
	if err != nil {
		return "", fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	opts := pipeline.Options{
		ProviderNamespace: "telegram.mtproto/" + ep.EndpointID,
		TargetID:          target.TargetID,
		ChunkOpts: chunker.ChunkOptions{
			MinSize: cfg.Chunker.MinBytes,
			AvgSize: cfg.Chunker.AvgBytes,
			MaxSize: cfg.Chunker.MaxBytes,
		},
		PackLimits: pack.Limits{
			MaxBytes:          cfg.Pack.MaxBytes,
			TargetBytes:       cfg.Pack.TargetBytes,
			TargetJitterBytes: cfg.Pack.TargetJitterBytes,
			MaxEntries:        cfg.Pack.MaxEntries,
		},
		QueueDepth:    64,
		WorkerCount:   ep.MaxConcurrentUploads,
		MaxConcurrent: ep.MaxConcurrentUploads,
		MinDelay:      time.Duration(ep.MinDelayMS) * time.Millisecond,
		Backoff:       provider.DefaultBackoffPolicy(),
		KeepSnapshots: cfg.Retention.KeepSnapshots,
	}

	pl, err := pipeline.New(masterKey, p, idx, opts)
	if err != nil {
		return "", fmt.Errorf("build pipeline: %w", err)
	}
	pl = pl.WithTelemetry(logger, metrics).WithEvents(pub)

	phaseCtx, cancel := context.WithTimeout(ctx, cfg.PhaseTimeout)
	defer cancel()

	return pl.Run(phaseCtx, target.SourcePath, target.Label)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/IvanLi-CN/televy-backup/internal/config"
	"github.com/IvanLi-CN/televy-backup/internal/restore"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

func restoreCmd(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file")
	keystorePath := fs.String("keystore", "", "wrapped master key path")
	targetID := fs.String("target", "", "target id to restore")
	sourcePath := fs.String("source", "", "alternatively, select the target by its original source path")
	dest := fs.String("dest", "", "destination directory (must be empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *targetID == "" && *sourcePath == "" {
		return fmt.Errorf("one of -target or -source is required")
	}
	if *dest == "" {
		return fmt.Errorf("-dest is required")
	}

	entries, err := os.ReadDir(*dest)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat destination: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("destination %s is not empty", *dest)
	}
	if err := os.MkdirAll(*dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
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

	ep, err := resolveEndpointForSelector(cfg, *targetID, *sourcePath)
	if err != nil {
		return err
	}

	resume, err := openResumeCache(cfg)
	if err != nil {
		return fmt.Errorf("open resume cache: %w", err)
	}
	defer resume.Close()

	p, err := buildProvider(ep, resume)
	if err != nil {
		return err
	}

	r, err := restore.New(masterKey, p, "telegram.mtproto/"+ep.EndpointID)
	if err != nil {
		return fmt.Errorf("build restorer: %w", err)
	}
	r = r.WithTelemetry(buildLogger(), telemetry.NewMetrics())

	snapshotID, err := r.RunRestore(context.Background(), *targetID, *sourcePath, *dest)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Printf("restored snapshot %s into %s\n", snapshotID, *dest)
	return nil
}

// resolveEndpointForSelector finds which endpoint a target selector
// belongs to, so restore/verify can build a Restorer without the caller
// needing to separately know the endpoint id.
func resolveEndpointForSelector(cfg *config.Config, targetID, sourcePath string) (config.EndpointConfig, error) {
	for _, t := range cfg.Targets {
		if (targetID != "" && t.TargetID == targetID) || (sourcePath != "" && t.SourcePath == sourcePath) {
			ep, ok := cfg.Endpoint(t.EndpointID)
			if !ok {
				return config.EndpointConfig{}, fmt.Errorf("target %q references unknown endpoint %q", t.TargetID, t.EndpointID)
			}
			return ep, nil
		}
	}
	return config.EndpointConfig{}, fmt.Errorf("no configured target matches id=%q path=%q", targetID, sourcePath)
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IvanLi-CN/televy-backup/internal/restore"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

func verifyCmd(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file")
	keystorePath := fs.String("keystore", "", "wrapped master key path")
	targetID := fs.String("target", "", "target id to verify")
	sourcePath := fs.String("source", "", "alternatively, select the target by its original source path")
	continueOnMissing := fs.Bool("continue-on-missing", false, "keep verifying other files when a chunk's remote object is missing, instead of stopping at the first one")
	sign := fs.Bool("sign", false, "sign the report with the verify-signing keypair")
	signPath := fs.String("sign-key", "", "path to the verify-signing keypair (default: alongside keystore)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *targetID == "" && *sourcePath == "" {
		return fmt.Errorf("one of -target or -source is required")
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

	policy := restore.StopOnFirstMissing
	if *continueOnMissing {
		policy = restore.ContinueAndReport
	}

	report, err := r.RunVerify(context.Background(), *targetID, *sourcePath, policy)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if !*sign {
		return printJSON(report)
	}

	if *signPath == "" {
		*signPath = filepath.Join(filepath.Dir(*keystorePath), "verify-signing.json")
	}
	priv, err := loadSigningKey(*signPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	signed, err := restore.Sign(*report, priv)
	if err != nil {
		return fmt.Errorf("sign report: %w", err)
	}
	return printJSON(signed)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IvanLi-CN/televy-backup/internal/config"
	"github.com/IvanLi-CN/televy-backup/internal/crypto"
)

// initCmd provisions a fresh config document, a passphrase-wrapped master
// key, and an Ed25519 signing keypair for the optional signed verify
// report.
func initCmd(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file to create")
	keystorePath := fs.String("keystore", "", "wrapped master key path (default: alongside config)")
	force := fs.Bool("force", false, "overwrite existing config/keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *keystorePath == "" {
		*keystorePath = filepath.Join(filepath.Dir(*configPath), "masterkey.json")
	}

	if !*force {
		if _, err := os.Stat(*configPath); err == nil {
			return fmt.Errorf("%s already exists, pass -force to overwrite", *configPath)
		}
	}

	cfg, err := config.SaveDefault(*configPath)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	masterKey := make([]byte, crypto.KeySize)
	if _, err := rand.Read(masterKey); err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}

	passphrase, err := promptPassphrase("Set a passphrase to protect the master key (may be empty): ")
	if err != nil {
		return err
	}
	wk, err := crypto.WrapMasterKey(masterKey, []byte(passphrase))
	if err != nil {
		return fmt.Errorf("wrap master key: %w", err)
	}
	if err := crypto.SaveKeystoreFile(*keystorePath, wk); err != nil {
		return fmt.Errorf("save keystore: %w", err)
	}

	signPath := filepath.Join(filepath.Dir(*keystorePath), "verify-signing.json")
	if _, err := os.Stat(signPath); *force || os.IsNotExist(err) {
		if err := generateSigningKey(signPath); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
	}

	fmt.Printf("Config written to %s\n", *configPath)
	fmt.Printf("Master key wrapped and written to %s\n", *keystorePath)
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	if passphrase == "" {
		fmt.Println("WARNING: master key stored without passphrase protection")
	}
	return nil
}

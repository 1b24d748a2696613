package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/IvanLi-CN/televy-backup/internal/config"
	"github.com/IvanLi-CN/televy-backup/internal/crypto"
	"github.com/IvanLi-CN/televy-backup/internal/provider"
	"github.com/IvanLi-CN/televy-backup/internal/telemetry"
)

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return home + "/.config/televybackup/config.toml"
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// promptPassphrase reads a passphrase from the terminal without echoing
// it.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(b), nil
}

// unlockMasterKey loads the wrapped master key from keystorePath and
// unwraps it with a passphrase read interactively, unless
// TELEVYBACKUP_PASSPHRASE is set (for non-interactive daemon use;
// secrets are never accepted via argv, so this is an env var, not a
// flag).
func unlockMasterKey(keystorePath string) ([]byte, error) {
	wk, err := crypto.LoadKeystoreFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	passphrase := os.Getenv("TELEVYBACKUP_PASSPHRASE")
	if passphrase == "" {
		passphrase, err = promptPassphrase("Master key passphrase: ")
		if err != nil {
			return nil, err
		}
	}
	masterKey, err := crypto.UnwrapMasterKey(wk, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("unwrap master key: %w", err)
	}
	return masterKey, nil
}

// endpointSettings collects an endpoint's secret transport settings from
// environment variables named TELEVYBACKUP_ENDPOINT_<ID>_<KEY> (upper-
// cased, each non-alphanumeric character replaced with "_"), never from argv or the
// on-disk config. The concrete transport
// registered under "telegram.mtproto" documents which keys it expects
// (e.g. API_ID, API_HASH, SESSION, BOT_TOKEN).
func endpointSettings(endpointID string) map[string]string {
	prefix := "TELEVYBACKUP_ENDPOINT_" + envSafe(endpointID) + "_"
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = v
	}
	return out
}

func envSafe(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// buildProvider opens the registered "telegram.mtproto" transport for the
// given endpoint, handing it the shared transfer-resume cache.
func buildProvider(ep config.EndpointConfig, resume *provider.ResumeCache) (provider.Provider, error) {
	return provider.Open("telegram.mtproto", ep.EndpointID, endpointSettings(ep.EndpointID), resume)
}

// openResumeCache opens the per-data-dir transfer-resume cache every
// transport for this process shares (bbolt allows one opener at a time,
// so commands open it once and pass it down).
func openResumeCache(cfg *config.Config) (*provider.ResumeCache, error) {
	return provider.OpenResumeCache(filepath.Join(cfg.MTProtoCacheDir(), "resume.db"))
}

func buildLogger() *telemetry.Logger {
	return telemetry.NewLogger("televybackup", "0.1.0", os.Stderr)
}

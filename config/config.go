package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "cipherchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CIPHERCHAT_DATA_DIR"
	// DefaultLogLevel is used when no valid level is configured.
	DefaultLogLevel = "info"
	// DefaultStalePendingSeconds is how long a journaled send may stay pending
	// before the next start marks it failed.
	DefaultStalePendingSeconds = 300
	// DefaultSendLogRetentionHours is how long resolved journal rows are kept.
	DefaultSendLogRetentionHours = 30 * 24
	// DefaultPublicKeyTTLSeconds is how long a cached peer public key is
	// trusted before the directory is consulted again.
	DefaultPublicKeyTTLSeconds = 600
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	localDBFileName    = "local.db"
	realtimeDBFileName = "realtime.db"
	blobDirName        = "blobs"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	InstallationID      string `json:"installation_id"`
	Identity            string `json:"identity"`
	LocalDBPath         string `json:"local_db_path"`
	RealtimeDBPath      string `json:"realtime_db_path"`
	BlobDir             string `json:"blob_dir"`
	MetricsAddr         string `json:"metrics_addr"`
	LogLevel            string `json:"log_level"`
	StalePendingSeconds int    `json:"stale_pending_seconds"`

	SendLogRetentionHours int `json:"send_log_retention_hours"`
	PublicKeyTTLSeconds   int `json:"public_key_ttl_seconds"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CIPHERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, blobDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory, then loads or creates its config.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures directories and config exist under dataDir, then
// returns both.
func LoadOrCreateIn(dataDir string) (*ClientConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		InstallationID:      uuid.NewString(),
		LocalDBPath:         filepath.Join(dataDir, localDBFileName),
		RealtimeDBPath:      filepath.Join(dataDir, realtimeDBFileName),
		BlobDir:             filepath.Join(dataDir, blobDirName),
		LogLevel:            DefaultLogLevel,
		StalePendingSeconds: DefaultStalePendingSeconds,

		SendLogRetentionHours: DefaultSendLogRetentionHours,
		PublicKeyTTLSeconds:   DefaultPublicKeyTTLSeconds,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	if cfg.InstallationID == "" {
		cfg.InstallationID = defaults.InstallationID
		updated = true
	}
	if trimmed := strings.TrimSpace(cfg.Identity); trimmed != cfg.Identity {
		cfg.Identity = trimmed
		updated = true
	}
	if cfg.LocalDBPath == "" {
		cfg.LocalDBPath = defaults.LocalDBPath
		updated = true
	}
	if cfg.RealtimeDBPath == "" {
		cfg.RealtimeDBPath = defaults.RealtimeDBPath
		updated = true
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = defaults.BlobDir
		updated = true
	}

	level := normalizeLogLevel(cfg.LogLevel)
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	if cfg.StalePendingSeconds <= 0 {
		cfg.StalePendingSeconds = DefaultStalePendingSeconds
		updated = true
	}
	if cfg.SendLogRetentionHours <= 0 {
		cfg.SendLogRetentionHours = DefaultSendLogRetentionHours
		updated = true
	}
	if cfg.PublicKeyTTLSeconds <= 0 {
		cfg.PublicKeyTTLSeconds = DefaultPublicKeyTTLSeconds
		updated = true
	}

	return updated
}

func normalizeLogLevel(level string) string {
	switch lower := strings.ToLower(strings.TrimSpace(level)); lower {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
		return lower
	default:
		return DefaultLogLevel
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "red-giant"
	// DefaultPort is the UDP port used when no user override exists.
	DefaultPort = 9090
	// PresetDefault keeps the library's general-purpose tuning.
	PresetDefault = "default"
	// PresetLAN tunes for low-latency local networks.
	PresetLAN = "lan"
	// PresetWAN tunes for wide-area links.
	PresetWAN = "wan"
	// PresetMobile tunes for lossy, metered networks.
	PresetMobile = "mobile"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID            string `json:"node_id"`
	NodeName          string `json:"node_name"`
	Port              int    `json:"port"`
	Preset            string `json:"preset"`
	DownloadDirectory string `json:"download_directory"`
	// SecretPath, when set, points to a pre-shared secret file used to
	// seal chunk payloads.
	SecretPath string `json:"secret_path,omitempty"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RED_GIANT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("RED_GIANT_DATA_DIR"); override != "" {
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
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
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
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
		filepath.Join(dataDir, "partial"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
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

func defaultConfig(dataDir string) *NodeConfig {
	nodeName := "Red Giant Node"
	if host, err := os.Hostname(); err == nil && host != "" {
		nodeName = host
	}

	return &NodeConfig{
		NodeID:            uuid.NewString(),
		NodeName:          nodeName,
		Port:              DefaultPort,
		Preset:            PresetDefault,
		DownloadDirectory: filepath.Join(dataDir, "downloads"),
	}
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}

	if cfg.NodeName == "" {
		nodeName := "Red Giant Node"
		if host, err := os.Hostname(); err == nil && host != "" {
			nodeName = host
		}
		cfg.NodeName = nodeName
		updated = true
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
		updated = true
	}

	if normalizePreset(cfg.Preset) == "" {
		cfg.Preset = PresetDefault
		updated = true
	}

	if cfg.DownloadDirectory == "" {
		cfg.DownloadDirectory = filepath.Join(dataDir, "downloads")
		updated = true
	}

	return updated
}

func normalizePreset(preset string) string {
	switch preset {
	case PresetDefault, PresetLAN, PresetWAN, PresetMobile:
		return preset
	default:
		return ""
	}
}

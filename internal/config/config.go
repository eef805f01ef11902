// Package config loads the repository's config.json (spec.md §6 layout).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the persisted shape of <root>/.chronolog/config.json.
type Config struct {
	Environment string `json:"environment"` // development, production
	LogLevel    string `json:"log_level"`   // debug, info, warn, error

	DefaultBranch string `json:"default_branch"`

	Watcher    WatcherConfig    `json:"watcher"`
	Ingest     IngestConfig     `json:"ingest"`
	Compress   CompressConfig   `json:"compress"`
}

type WatcherConfig struct {
	DebounceMillis int `json:"debounce_millis"`
	QueueCapacity  int `json:"queue_capacity"`
}

type IngestConfig struct {
	BinaryDetectionBytes int  `json:"binary_detection_bytes"`
	AllowBinary          bool `json:"allow_binary"`
	MaxReadRetries       int  `json:"max_read_retries"`
}

type CompressConfig struct {
	MinSizeBytes   int      `json:"min_size_bytes"`
	SkipExtensions []string `json:"skip_extensions"`
}

// Default returns the configuration used when no config.json exists
// yet, matching the defaults spec.md names (500ms debounce, 1024-entry
// queue, 8 KiB binary sniff window).
func Default() *Config {
	return &Config{
		Environment:   environment(),
		LogLevel:      "info",
		DefaultBranch: "main",
		Watcher: WatcherConfig{
			DebounceMillis: 500,
			QueueCapacity:  1024,
		},
		Ingest: IngestConfig{
			BinaryDetectionBytes: 8192,
			AllowBinary:          true,
			MaxReadRetries:       3,
		},
		Compress: CompressConfig{
			MinSizeBytes: 1024,
			SkipExtensions: []string{
				".zip", ".gz", ".zst", ".xz", ".bz2", ".7z", ".rar",
				".png", ".jpg", ".jpeg", ".gif", ".webp",
				".mp3", ".mp4", ".avi", ".mkv",
				".pdf", ".docx", ".xlsx",
			},
		},
	}
}

func environment() string {
	env := os.Getenv("CHRONOLOG_ENV")
	if env == "" {
		env = "development"
	}
	return env
}

// Path returns the config.json path under a repository's metadata
// directory.
func Path(metaDir string) string {
	return filepath.Join(metaDir, "config.json")
}

// Load reads config.json, falling back to defaults if it doesn't exist.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := Default()
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Save writes the config back to disk atomically.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp, path)
}

func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Watcher.DebounceMillis) * time.Millisecond
}

package am

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/stagebus/errors"
)

// Render encodes cfg as TOML, the same format Load reads
func Render(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// DefaultConfig returns the configuration produced by defaults alone
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "stagebus.db"},
		Staging: StagingConfig{
			Enabled:               true,
			Root:                  "staging",
			ScanIntervalSeconds:   5,
			RetentionDays:         30,
			FailedRetentionDays:   7,
			Workers:               1,
			StageTimeoutSeconds:   300,
			DegradedAfterFailures: 2,
			MaxBackoffSeconds:     60,
			WatchIncoming:         true,
			ManifestDocument:      "metadata.json",
		},
		Pipeline: PipelineConfig{MaxFileBytes: 10 << 20},
		LocalInference: LocalInferenceConfig{
			BaseURL:           "http://localhost:11434",
			Model:             "qwen2.5-coder:7b",
			TimeoutSeconds:    120,
			MaxConcurrent:     1,
			RequestsPerMinute: 30,
		},
	}
}

// WriteConfigFile writes cfg to path as TOML, rotating up to three backups
// of the previous file first.
func WriteConfigFile(path string, cfg *Config) error {
	data, err := Render(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// createBackup rotates .back1 -> .back2 -> .back3 and copies the current file to .back1
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back1 := configPath + ".back1"
	back2 := configPath + ".back2"
	back3 := configPath + ".back3"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

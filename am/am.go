// Package am holds stagebus configuration: structs, defaults, file and
// environment loading, validation, and hot reload.
package am

import "time"

// Config represents the core stagebus configuration
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database" toml:"database"`
	Staging        StagingConfig        `mapstructure:"staging" toml:"staging"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline" toml:"pipeline"`
	LocalInference LocalInferenceConfig `mapstructure:"local_inference" toml:"local_inference"`
	Features       FeaturesConfig       `mapstructure:"features" toml:"features"`
}

// DatabaseConfig configures the SQLite database backing the bus, manifest and settings
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// StagingConfig configures the staging mailbox and the orchestrator driving it
type StagingConfig struct {
	Enabled               bool   `mapstructure:"enabled" toml:"enabled"`
	Root                  string `mapstructure:"root" toml:"root"`                                   // contains incoming/, processed/, failed/, archive/, legacy/
	ScanIntervalSeconds   int    `mapstructure:"scan_interval_seconds" toml:"scan_interval_seconds"` // poll interval (default: 5)
	RetentionDays         int    `mapstructure:"retention_days" toml:"retention_days"`               // processed/ -> archive/ after N days (0 = never)
	FailedRetentionDays   int    `mapstructure:"failed_retention_days" toml:"failed_retention_days"` // failed/ deleted after N days when auto_cleanup
	AutoCleanup           bool   `mapstructure:"auto_cleanup" toml:"auto_cleanup"`
	Workers               int    `mapstructure:"workers" toml:"workers"` // stage workers (default: 1, max: MaxWorkers)
	StageTimeoutSeconds   int    `mapstructure:"stage_timeout_seconds" toml:"stage_timeout_seconds"`
	DegradedAfterFailures int    `mapstructure:"degraded_after_failures" toml:"degraded_after_failures"` // consecutive storage-failed ticks before DEGRADED
	MaxBackoffSeconds     int    `mapstructure:"max_backoff_seconds" toml:"max_backoff_seconds"`
	WatchIncoming         bool   `mapstructure:"watch_incoming" toml:"watch_incoming"` // fsnotify nudges an early tick
	ManifestDocument      string `mapstructure:"manifest_document" toml:"manifest_document"`
}

// MaxWorkers caps staging.workers. Unbounded fan-out against a local
// inference backend starves it.
const MaxWorkers = 8

// PipelineConfig configures the external analysis stages.
// Commands are shell-quoted command lines; the staged file path is appended
// as the last argument. Empty = stage not part of the pipeline.
type PipelineConfig struct {
	StaticAnalysisCommand string `mapstructure:"static_analysis_command" toml:"static_analysis_command"`
	ExtractionCommand     string `mapstructure:"extraction_command" toml:"extraction_command"`
	MaxFileBytes          int64  `mapstructure:"max_file_bytes" toml:"max_file_bytes"` // scan stage rejects larger files (0 = unlimited)
}

// LocalInferenceConfig configures the optional AI augmentation stage (Ollama or compatible)
type LocalInferenceConfig struct {
	Enabled           bool   `mapstructure:"enabled" toml:"enabled"`
	BaseURL           string `mapstructure:"base_url" toml:"base_url"` // e.g., "http://localhost:11434" for Ollama
	Model             string `mapstructure:"model" toml:"model"`       // e.g., "qwen2.5-coder:7b"
	TimeoutSeconds    int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxConcurrent     int    `mapstructure:"max_concurrent" toml:"max_concurrent"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" toml:"requests_per_minute"` // 0 = unlimited
}

// FeaturesConfig holds fallback values for flags owned by the settings store
type FeaturesConfig struct {
	RAGIntegrationEnabled bool `mapstructure:"rag_integration_enabled" toml:"rag_integration_enabled"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// ScanInterval returns the poll interval as a duration
func (s StagingConfig) ScanInterval() time.Duration {
	if s.ScanIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ScanIntervalSeconds) * time.Second
}

// StageTimeout returns the per-stage deadline
func (s StagingConfig) StageTimeout() time.Duration {
	if s.StageTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(s.StageTimeoutSeconds) * time.Second
}

// MaxBackoff returns the ceiling for backoff between storage-failed ticks
func (s StagingConfig) MaxBackoff() time.Duration {
	if s.MaxBackoffSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.MaxBackoffSeconds) * time.Second
}

// EffectiveWorkers clamps Workers into [1, MaxWorkers]
func (s StagingConfig) EffectiveWorkers() int {
	switch {
	case s.Workers < 1:
		return 1
	case s.Workers > MaxWorkers:
		return MaxWorkers
	default:
		return s.Workers
	}
}

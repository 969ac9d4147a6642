package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "stagebus.db")

	// Staging mailbox and orchestrator
	v.SetDefault("staging.enabled", true)
	v.SetDefault("staging.root", "staging")
	v.SetDefault("staging.scan_interval_seconds", 5)
	v.SetDefault("staging.retention_days", 30)
	v.SetDefault("staging.failed_retention_days", 7)
	v.SetDefault("staging.auto_cleanup", false)
	v.SetDefault("staging.workers", 1)
	v.SetDefault("staging.stage_timeout_seconds", 300)
	v.SetDefault("staging.degraded_after_failures", 2)
	v.SetDefault("staging.max_backoff_seconds", 60)
	v.SetDefault("staging.watch_incoming", true)
	v.SetDefault("staging.manifest_document", "metadata.json")

	// Pipeline (no external analyzers until configured)
	v.SetDefault("pipeline.static_analysis_command", "")
	v.SetDefault("pipeline.extraction_command", "")
	v.SetDefault("pipeline.max_file_bytes", 10<<20)

	// Local Inference (Ollama) defaults
	v.SetDefault("local_inference.enabled", false)
	v.SetDefault("local_inference.base_url", "http://localhost:11434")
	v.SetDefault("local_inference.model", "qwen2.5-coder:7b")
	v.SetDefault("local_inference.timeout_seconds", 120)
	v.SetDefault("local_inference.max_concurrent", 1)
	v.SetDefault("local_inference.requests_per_minute", 30)

	v.SetDefault("features.rag_integration_enabled", false)
}

// BindEnvVars binds keys whose env names don't follow the prefix+replacer rule,
// or that must be readable before any file is merged
func BindEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "STAGEBUS_DATABASE_PATH", "STAGEBUS_DB")
	v.BindEnv("staging.root", "STAGEBUS_STAGING_ROOT")
	v.BindEnv("local_inference.base_url", "STAGEBUS_LOCAL_INFERENCE_BASE_URL", "OLLAMA_HOST")
	v.BindEnv("local_inference.model", "STAGEBUS_LOCAL_INFERENCE_MODEL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "stagebus.db"
	}
	return c.Database.Path
}

// GetManifestDocument returns the manifest export filename
func (c *Config) GetManifestDocument() string {
	if c.Staging.ManifestDocument == "" {
		return "metadata.json"
	}
	return c.Staging.ManifestDocument
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Staging: {Root: %s, Interval: %ds, Workers: %d}}",
		c.Database.Path, c.Staging.Root, c.Staging.ScanIntervalSeconds, c.Staging.Workers)
}

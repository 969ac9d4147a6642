package am

import (
	"net/url"

	"github.com/teranos/stagebus/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	s := c.Staging

	if s.Enabled {
		if s.Root == "" {
			return errors.New("staging.root cannot be empty when staging is enabled")
		}
		if s.ScanIntervalSeconds < 1 {
			return errors.Newf("staging.scan_interval_seconds must be >= 1, got %d", s.ScanIntervalSeconds)
		}
	}

	// 0 = never archive / never delete; negative = invalid
	if s.RetentionDays < 0 {
		return errors.Newf("staging.retention_days must be >= 0, got %d", s.RetentionDays)
	}
	if s.FailedRetentionDays < 0 {
		return errors.Newf("staging.failed_retention_days must be >= 0, got %d", s.FailedRetentionDays)
	}

	if s.Workers < 0 {
		return errors.Newf("staging.workers must be >= 0, got %d", s.Workers)
	}
	if s.Workers > MaxWorkers {
		return errors.WithHintf(
			errors.Newf("staging.workers must be <= %d, got %d", MaxWorkers, s.Workers),
			"a local inference backend serves one request at a time; more workers only queue behind it")
	}
	if s.StageTimeoutSeconds < 0 {
		return errors.Newf("staging.stage_timeout_seconds must be >= 0, got %d", s.StageTimeoutSeconds)
	}
	if s.DegradedAfterFailures < 0 {
		return errors.Newf("staging.degraded_after_failures must be >= 0, got %d", s.DegradedAfterFailures)
	}
	if s.MaxBackoffSeconds < 0 {
		return errors.Newf("staging.max_backoff_seconds must be >= 0, got %d", s.MaxBackoffSeconds)
	}

	if c.Pipeline.MaxFileBytes < 0 {
		return errors.Newf("pipeline.max_file_bytes must be >= 0, got %d", c.Pipeline.MaxFileBytes)
	}

	// Validate local inference configuration only when enabled
	if li := c.LocalInference; li.Enabled {
		if li.BaseURL == "" {
			return errors.New("local_inference.base_url cannot be empty when enabled")
		}
		if u, err := url.Parse(li.BaseURL); err != nil || u.Host == "" {
			return errors.Newf("local_inference.base_url is not a valid URL: %q", li.BaseURL)
		}
		if li.Model == "" {
			return errors.New("local_inference.model cannot be empty when enabled")
		}
		if li.TimeoutSeconds <= 0 {
			return errors.Newf("local_inference.timeout_seconds must be > 0, got %d", li.TimeoutSeconds)
		}
		if li.MaxConcurrent < 0 {
			return errors.Newf("local_inference.max_concurrent must be >= 0, got %d", li.MaxConcurrent)
		}
		if li.RequestsPerMinute < 0 {
			return errors.Newf("local_inference.requests_per_minute must be >= 0, got %d", li.RequestsPerMinute)
		}
	}

	return nil
}

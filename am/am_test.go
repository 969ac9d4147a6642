package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagebus/errors"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, "stagebus.db", cfg.Database.Path)
	assert.True(t, cfg.Staging.Enabled)
	assert.Equal(t, 5, cfg.Staging.ScanIntervalSeconds)
	assert.Equal(t, 30, cfg.Staging.RetentionDays)
	assert.Equal(t, 1, cfg.Staging.Workers)
	assert.Equal(t, 300, cfg.Staging.StageTimeoutSeconds)
	assert.Equal(t, "http://localhost:11434", cfg.LocalInference.BaseURL)
	assert.False(t, cfg.Features.RAGIntegrationEnabled)
	require.NoError(t, cfg.Validate())
}

func TestDefaultConfigMatchesViperDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	valid := func(mut func(*Config)) *Config {
		cfg := DefaultConfig()
		mut(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero workers is valid (clamped to one)", valid(func(c *Config) { c.Staging.Workers = 0 }), false},
		{"negative workers", valid(func(c *Config) { c.Staging.Workers = -1 }), true},
		{"workers above cap", valid(func(c *Config) { c.Staging.Workers = MaxWorkers + 1 }), true},
		{"scan interval zero when enabled", valid(func(c *Config) { c.Staging.ScanIntervalSeconds = 0 }), true},
		{"scan interval zero when disabled", valid(func(c *Config) {
			c.Staging.Enabled = false
			c.Staging.ScanIntervalSeconds = 0
		}), false},
		{"negative retention", valid(func(c *Config) { c.Staging.RetentionDays = -1 }), true},
		{"zero retention means never", valid(func(c *Config) { c.Staging.RetentionDays = 0 }), false},
		{"empty root when enabled", valid(func(c *Config) { c.Staging.Root = "" }), true},
		{"inference enabled without model", valid(func(c *Config) {
			c.LocalInference.Enabled = true
			c.LocalInference.Model = ""
		}), true},
		{"inference enabled with bad url", valid(func(c *Config) {
			c.LocalInference.Enabled = true
			c.LocalInference.BaseURL = "localhost"
		}), true},
		{"inference disabled ignores url", valid(func(c *Config) { c.LocalInference.BaseURL = "" }), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_WorkerCapHasHint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Staging.Workers = 20
	err := cfg.Validate()
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestStagingDurations(t *testing.T) {
	s := StagingConfig{ScanIntervalSeconds: 2, StageTimeoutSeconds: 9, MaxBackoffSeconds: 4}
	assert.Equal(t, 2*time.Second, s.ScanInterval())
	assert.Equal(t, 9*time.Second, s.StageTimeout())
	assert.Equal(t, 4*time.Second, s.MaxBackoff())

	var zero StagingConfig
	assert.Equal(t, 5*time.Second, zero.ScanInterval())
	assert.Equal(t, 300*time.Second, zero.StageTimeout())
	assert.Equal(t, 60*time.Second, zero.MaxBackoff())

	assert.Equal(t, 1, StagingConfig{Workers: 0}.EffectiveWorkers())
	assert.Equal(t, 3, StagingConfig{Workers: 3}.EffectiveWorkers())
	assert.Equal(t, MaxWorkers, StagingConfig{Workers: 99}.EffectiveWorkers())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[staging]
root = "/srv/staging"
scan_interval_seconds = 2
auto_cleanup = true

[local_inference]
enabled = true
model = "mistral"
`), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/staging", cfg.Staging.Root)
	assert.Equal(t, 2, cfg.Staging.ScanIntervalSeconds)
	assert.True(t, cfg.Staging.AutoCleanup)
	assert.Equal(t, 30, cfg.Staging.RetentionDays, "unset keys keep defaults")
	assert.Equal(t, "mistral", cfg.LocalInference.Model)
	assert.Equal(t, "http://localhost:11434", cfg.LocalInference.BaseURL)
}

func TestMergeConfigFiles_NestedKeysCombine(t *testing.T) {
	dir := t.TempDir()
	user := filepath.Join(dir, "user.toml")
	project := filepath.Join(dir, "project.toml")
	require.NoError(t, os.WriteFile(user, []byte("[staging]\nretention_days = 10\nworkers = 2\n"), DefaultFilePermissions))
	require.NoError(t, os.WriteFile(project, []byte("[staging]\nworkers = 4\n"), DefaultFilePermissions))

	v := viper.New()
	SetDefaults(v)
	merged := mergeConfigFiles(v, []string{filepath.Join(dir, "missing.toml"), user, project})
	assert.Equal(t, []string{user, project}, merged)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Staging.RetentionDays, "user value survives project merge")
	assert.Equal(t, 4, cfg.Staging.Workers, "project overrides user")
}

func TestLoad_EnvironmentOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "am.toml"), []byte("[staging]\nroot = \"from-file\"\n"), DefaultFilePermissions))

	oldWd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(oldWd)
		Reset()
	})
	t.Setenv("HOME", dir)
	t.Setenv("STAGEBUS_STAGING_SCAN_INTERVAL_SECONDS", "11")
	t.Setenv("STAGEBUS_DB", filepath.Join(dir, "env.db"))

	Reset()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Staging.Root)
	assert.Equal(t, 11, cfg.Staging.ScanIntervalSeconds)
	assert.Equal(t, filepath.Join(dir, "env.db"), cfg.Database.Path)
	assert.Contains(t, LoadedFiles(), filepath.Join(dir, "am.toml"))

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "Load caches until Reset")
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "a", "b")
	require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "a", "am.toml"), nil, DefaultFilePermissions))

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	require.NoError(t, os.Chdir(subDir))

	result := FindProjectConfig()
	require.NotEmpty(t, result)
	assert.True(t, filepath.IsAbs(result))
	assert.Equal(t, "am.toml", filepath.Base(result))
}

func TestWriteConfigFile_RoundTripAndBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")

	cfg := DefaultConfig()
	cfg.Staging.Workers = 3
	require.NoError(t, WriteConfigFile(path, cfg))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	for i := 0; i < 4; i++ {
		cfg.Staging.RetentionDays = 40 + i
		require.NoError(t, WriteConfigFile(path, cfg))
	}
	for _, suffix := range []string{".back1", ".back2", ".back3"} {
		_, err := os.Stat(path + suffix)
		assert.NoError(t, err, "backup %s should exist", suffix)
	}
	_, err = os.Stat(path + ".back4")
	assert.True(t, os.IsNotExist(err))

	back1, err := LoadFromFile(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, 42, back1.Staging.RetentionDays)
}

func TestConfigWatcher_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, WriteConfigFile(path, DefaultConfig()))

	w, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond
	w.SetLoader(func() (*Config, error) { return LoadFromFile(path) })

	got := make(chan *Config, 4)
	w.OnReload(func(c *Config) error {
		got <- c
		return nil
	})
	w.Start()
	defer w.Stop()

	cfg := DefaultConfig()
	cfg.Staging.ScanIntervalSeconds = 9
	require.NoError(t, os.WriteFile(path, mustRender(t, cfg), DefaultFilePermissions))

	select {
	case c := <-got:
		assert.Equal(t, 9, c.Staging.ScanIntervalSeconds)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestConfigWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, WriteConfigFile(path, DefaultConfig()))

	w, err := NewConfigWatcher(path, nil)
	require.NoError(t, err)
	defer w.Stop()
	w.SetLoader(func() (*Config, error) { return LoadFromFile(path) })

	called := false
	w.OnReload(func(*Config) error {
		called = true
		return nil
	})

	bad := DefaultConfig()
	bad.Staging.Workers = -3
	require.NoError(t, os.WriteFile(path, mustRender(t, bad), DefaultFilePermissions))

	require.Error(t, w.reload())
	assert.False(t, called)
}

func TestConfigWatcher_OwnWriteSkipped(t *testing.T) {
	w := &ConfigWatcher{}
	assert.False(t, w.checkOwnWrite())
	w.MarkOwnWrite()
	assert.True(t, w.checkOwnWrite())
	assert.False(t, w.checkOwnWrite(), "flag clears after one check")
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/x/am.toml.back1"))
	assert.True(t, isBackupFile("am.toml.back3"))
	assert.False(t, isBackupFile("am.toml"))
}

func mustRender(t *testing.T, cfg *Config) []byte {
	t.Helper()
	data, err := Render(cfg)
	require.NoError(t, err)
	return data
}

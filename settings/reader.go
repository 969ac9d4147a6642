package settings

import (
	"context"
	"encoding/json"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/errors"
)

// Reader is the read-only view the orchestrator consumes
type Reader interface {
	FlagEnabled(ctx context.Context, key string) (bool, error)
	Int(ctx context.Context, key string) (int, error)
	Bool(ctx context.Context, key string) (bool, error)
}

// View reads the store and falls back to configuration for keys nobody set.
// On a storage error the fallback is returned together with the error.
type View struct {
	store  *Store
	config func() *am.Config
}

// NewView returns a Reader over store. config is called on every fallback so
// hot-reloaded configuration is picked up.
func NewView(store *Store, config func() *am.Config) *View {
	return &View{store: store, config: config}
}

var _ Reader = (*View)(nil)

func (v *View) fallback(key string) (interface{}, bool) {
	cfg := v.config()
	if cfg == nil {
		return nil, false
	}
	switch key {
	case FlagRAGIntegration:
		return cfg.Features.RAGIntegrationEnabled, true
	case KeyScanIntervalSeconds:
		return cfg.Staging.ScanIntervalSeconds, true
	case KeyRetentionDays:
		return cfg.Staging.RetentionDays, true
	case KeyFailedRetentionDays:
		return cfg.Staging.FailedRetentionDays, true
	case KeyAutoCleanup:
		return cfg.Staging.AutoCleanup, true
	}
	return nil, false
}

func (v *View) fallbackBool(key string) bool {
	if f, ok := v.fallback(key); ok {
		if b, ok := f.(bool); ok {
			return b
		}
	}
	return false
}

func (v *View) fallbackInt(key string) int {
	if f, ok := v.fallback(key); ok {
		if n, ok := f.(int); ok {
			return n
		}
	}
	return 0
}

// FlagEnabled reports whether a feature flag is on
func (v *View) FlagEnabled(ctx context.Context, key string) (bool, error) {
	st, err := v.store.Get(ctx, key)
	if errors.IsNotFoundError(err) {
		return v.fallbackBool(key), nil
	}
	if err != nil {
		return v.fallbackBool(key), err
	}
	if st.Kind == KindFlag {
		return st.Enabled, nil
	}
	var b bool
	if err := json.Unmarshal(st.Value, &b); err != nil {
		return v.fallbackBool(key), errors.Wrapf(err, "setting %s is not a boolean", key)
	}
	return b, nil
}

// Int returns an integer setting
func (v *View) Int(ctx context.Context, key string) (int, error) {
	st, err := v.store.Get(ctx, key)
	if errors.IsNotFoundError(err) {
		return v.fallbackInt(key), nil
	}
	if err != nil {
		return v.fallbackInt(key), err
	}
	var n int
	if err := json.Unmarshal(st.Value, &n); err != nil {
		return v.fallbackInt(key), errors.Wrapf(err, "setting %s is not an integer", key)
	}
	return n, nil
}

// Bool returns a boolean setting; flags answer with their enabled state
func (v *View) Bool(ctx context.Context, key string) (bool, error) {
	return v.FlagEnabled(ctx, key)
}

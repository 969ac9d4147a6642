package pipeline

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/internal/httpclient"
	"github.com/teranos/stagebus/internal/util"
)

// maxPromptSource bounds how much of a file is sent to the model
const maxPromptSource = 24 << 10

// InferenceReport is the ai_augmentation artifact
type InferenceReport struct {
	Model      string `json:"model"`
	Summary    string `json:"summary"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// InferenceStage asks a local Ollama-compatible server to describe the file.
// Calls are paced by a rate limiter and capped by a semaphore, so a slow
// backend is queued against, never fanned out onto.
type InferenceStage struct {
	client  *httpclient.Client
	baseURL string
	model   string
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *zap.SugaredLogger
}

// NewInferenceStage builds the stage from local_inference config
func NewInferenceStage(cfg am.LocalInferenceConfig, log *zap.SugaredLogger) (*InferenceStage, error) {
	client := httpclient.New(httpclient.Options{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second})
	return newInferenceStage(client, cfg, log)
}

func newInferenceStage(client *httpclient.Client, cfg am.LocalInferenceConfig, log *zap.SugaredLogger) (*InferenceStage, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := client.ValidateURL(base); err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "local_inference.base_url %q", cfg.BaseURL),
			"Ollama listens on http://localhost:11434 by default")
	}
	if cfg.Model == "" {
		return nil, errors.New("local_inference.model is empty")
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	concurrent := int64(cfg.MaxConcurrent)
	if concurrent < 1 {
		concurrent = 1
	}

	return &InferenceStage{
		client:  client,
		baseURL: base,
		model:   cfg.Model,
		limiter: rate.NewLimiter(limit, 1),
		sem:     semaphore.NewWeighted(concurrent),
		logger:  log.Named("inference"),
	}, nil
}

func (s *InferenceStage) Name() string { return StageAIAugmentation }

// Run queues on the semaphore and the rate limiter before calling the model.
// Queueing counts toward the stage timeout: a file that cannot get a slot or
// a token before its deadline fails as stage_timeout.
func (s *InferenceStage) Run(ctx context.Context, in *Input) (*Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, queueFailed(ctx, err, "an inference slot")
	}
	defer s.sem.Release(1)

	// Wait fails early when the next token lands past ctx's deadline
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, queueFailed(ctx, err, "the inference rate limit")
	}

	source, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, &StageError{Stage: StageAIAugmentation, Err: errors.Wrap(err, "read staged file")}
	}
	text := util.Truncate(string(source), maxPromptSource)

	start := time.Now()
	var resp generateResponse
	err = s.client.PostJSON(ctx, s.baseURL+"/api/generate", &generateRequest{
		Model:  s.model,
		Prompt: buildPrompt(in, text),
		Stream: false,
	}, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StageError{Stage: StageAIAugmentation, Err: errors.Wrapf(err, "inference at %s", s.baseURL)}
	}
	if resp.Error != "" {
		return nil, Failf(StageAIAugmentation, "model %s: %s", s.model, resp.Error)
	}

	elapsed := time.Since(start)
	s.logger.Debugw("Inference complete", "scan_id", in.ScanID, "model", s.model, "duration_ms", elapsed.Milliseconds())

	return &Result{
		Summary: util.Truncate(strings.TrimSpace(resp.Response), 200),
		Artifact: &InferenceReport{
			Model:      s.model,
			Summary:    strings.TrimSpace(resp.Response),
			Truncated:  len(source) > maxPromptSource,
			DurationMS: elapsed.Milliseconds(),
		},
	}, nil
}

func queueFailed(ctx context.Context, err error, what string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &StageError{Stage: StageAIAugmentation, Timeout: true, Err: errors.Wrapf(err, "waiting for %s", what)}
}

func buildPrompt(in *Input, source string) string {
	var b strings.Builder
	b.WriteString("Summarize what this ")
	lang := "source"
	if r, ok := in.Results[StageScan]; ok {
		if report, ok := r.Artifact.(*ScanReport); ok && report.Language != "unknown" {
			lang = report.Language
		}
	}
	b.WriteString(lang)
	b.WriteString(" file does, list its main components, and note anything risky.\n\nFile: ")
	b.WriteString(in.Filename)
	b.WriteString("\n\n")
	b.WriteString(source)
	return b.String()
}

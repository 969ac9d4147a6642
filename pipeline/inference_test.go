package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagebus/am"
	"github.com/teranos/stagebus/errors"
	"github.com/teranos/stagebus/internal/httpclient"
)

func inferenceConfig(baseURL string) am.LocalInferenceConfig {
	return am.LocalInferenceConfig{
		Enabled:        true,
		BaseURL:        baseURL,
		Model:          "qwen2.5-coder:7b",
		TimeoutSeconds: 5,
		MaxConcurrent:  1,
	}
}

func newTestInferenceStage(t *testing.T, server *httptest.Server, cfg am.LocalInferenceConfig) *InferenceStage {
	t.Helper()
	stage, err := newInferenceStage(httpclient.Wrap(server.Client()), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return stage
}

func TestInferenceStage(t *testing.T) {
	var got generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(generateResponse{Response: "  Prints a number.  ", Done: true})
	}))
	defer server.Close()

	stage := newTestInferenceStage(t, server, inferenceConfig(server.URL+"/"))
	in := stagedFile(t, "a.py", "print(1)\n")
	in.Results[StageScan] = &Result{Artifact: &ScanReport{Language: "python"}}

	res, err := stage.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "qwen2.5-coder:7b", got.Model)
	assert.False(t, got.Stream)
	assert.Contains(t, got.Prompt, "python file")
	assert.Contains(t, got.Prompt, "print(1)")

	report := res.Artifact.(*InferenceReport)
	assert.Equal(t, "Prints a number.", report.Summary)
	assert.False(t, report.Truncated)
	assert.Equal(t, "Prints a number.", res.Summary)
}

func TestInferenceStage_BackendErrors(t *testing.T) {
	t.Run("http status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := newTestInferenceStage(t, server, inferenceConfig(server.URL)).Run(context.Background(), stagedFile(t, "a.py", "x"))
		se := AsStageError(err)
		require.NotNil(t, se)
		assert.Equal(t, StageAIAugmentation, se.Stage)
		assert.Contains(t, err.Error(), "overloaded")
	})

	t.Run("model error in body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(generateResponse{Error: "model not loaded"})
		}))
		defer server.Close()

		_, err := newTestInferenceStage(t, server, inferenceConfig(server.URL)).Run(context.Background(), stagedFile(t, "a.py", "x"))
		assert.True(t, errors.Is(err, errors.ErrStageFailure))
		assert.Contains(t, err.Error(), "model not loaded")
	})

	t.Run("unreachable backend", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		client := server.Client()
		server.Close()

		stage, err := newInferenceStage(httpclient.Wrap(client), inferenceConfig(url), zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		_, err = stage.Run(context.Background(), stagedFile(t, "a.py", "x"))
		assert.True(t, errors.Is(err, errors.ErrStageFailure))
	})

	t.Run("hung backend times out", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		stage := newTestInferenceStage(t, server, inferenceConfig(server.URL))
		_, err := RunStage(context.Background(), stage, stagedFile(t, "a.py", "x"), 100*time.Millisecond)
		assert.True(t, errors.Is(err, errors.ErrTimeout))
	})
}

func TestInferenceStage_ConcurrencyCap(t *testing.T) {
	var inFlight, peak int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		json.NewEncoder(w).Encode(generateResponse{Response: "ok", Done: true})
	}))
	defer server.Close()

	cfg := inferenceConfig(server.URL)
	cfg.MaxConcurrent = 2
	stage := newTestInferenceStage(t, server, cfg)

	in := stagedFile(t, "a.py", "x")
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stage.Run(context.Background(), in)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestInferenceStage_QueueingCountsTowardTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "ok", Done: true})
	}))
	defer server.Close()

	in := stagedFile(t, "a.py", "x")

	t.Run("rate limit past the deadline", func(t *testing.T) {
		cfg := inferenceConfig(server.URL)
		cfg.RequestsPerMinute = 1
		stage := newTestInferenceStage(t, server, cfg)

		_, err := RunStage(context.Background(), stage, in, time.Second)
		require.NoError(t, err, "first call spends the burst token")

		start := time.Now()
		_, err = RunStage(context.Background(), stage, in, 200*time.Millisecond)
		assert.Less(t, time.Since(start), time.Second)
		require.True(t, errors.Is(err, errors.ErrTimeout))
		assert.Equal(t, StageAIAugmentation, AsStageError(err).Stage)
	})

	t.Run("semaphore held past the deadline", func(t *testing.T) {
		stage := newTestInferenceStage(t, server, inferenceConfig(server.URL))
		require.NoError(t, stage.sem.Acquire(context.Background(), 1))
		defer stage.sem.Release(1)

		_, err := RunStage(context.Background(), stage, in, 100*time.Millisecond)
		require.True(t, errors.Is(err, errors.ErrTimeout))
	})

	t.Run("shutdown while queued is not a timeout", func(t *testing.T) {
		stage := newTestInferenceStage(t, server, inferenceConfig(server.URL))
		require.NoError(t, stage.sem.Acquire(context.Background(), 1))
		defer stage.sem.Release(1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := stage.Run(ctx, in)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, AsStageError(err))
	})
}

func TestNewInferenceStage_Validation(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	_, err := NewInferenceStage(am.LocalInferenceConfig{BaseURL: "ftp://localhost", Model: "m"}, log)
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = NewInferenceStage(am.LocalInferenceConfig{BaseURL: "http://localhost:11434"}, log)
	assert.Error(t, err)
}

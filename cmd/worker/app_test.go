package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/config"
	"github.com/phrazzld/nvcf-orchestrator/internal/platform/logger"
	"github.com/phrazzld/nvcf-orchestrator/internal/queue"
	"github.com/phrazzld/nvcf-orchestrator/internal/task"
	"github.com/phrazzld/nvcf-orchestrator/internal/testutils/fakenvcf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanTransport delivers jobs from a channel and collects published results.
type chanTransport struct {
	jobs    chan []byte
	results chan task.Result

	mu     sync.Mutex
	closed bool
}

func newChanTransport() *chanTransport {
	return &chanTransport{
		jobs:    make(chan []byte, 10),
		results: make(chan task.Result, 10),
	}
}

func (c *chanTransport) Receive(ctx context.Context) ([]queue.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case body := <-c.jobs:
		return []queue.Message{{Body: body}}, nil
	}
}

func (c *chanTransport) Publish(_ context.Context, result task.Result) error {
	c.results <- result
	return nil
}

func (c *chanTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *chanTransport) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testConfig(t *testing.T, fake *fakenvcf.Server) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			LogLevel:          "debug",
			MetricsAddr:       "127.0.0.1:0",
			WorkerCount:       2,
			QueueSize:         4,
			JobTimeoutSeconds: 30,
		},
		NVCF: config.NVCFConfig{
			BaseURL:                   fake.URL,
			AuthURL:                   fake.AuthURL(),
			Username:                  fakenvcf.Username,
			Secret:                    fakenvcf.Secret,
			TokenRefreshBufferSeconds: 20,
			MaxPollAttempts:           5,
			Dialect:                   "request-id",
			HTTPTimeoutSeconds:        10,
			Functions: config.FunctionsConfig{
				Upscaler:    "fn-upscaler",
				TextToImage: map[string]string{"sd15": "fn-sd15"},
			},
		},
		Storage: config.StorageConfig{
			Backend:      "fs",
			FSRoot:       t.TempDir(),
			OutputPrefix: "outputs",
		},
		Queue: config.QueueConfig{Backend: "redis"},
		Defaults: config.DefaultsConfig{
			StyleModel:        "sd15",
			Guidance:          7,
			TextToImageSteps:  30,
			ImageToImageSteps: 50,
			SDXLBaseSteps:     20,
			InstructSteps:     50,
			FaceswapSteps:     30,
		},
	}
}

func startApp(t *testing.T, cfg *config.Config, transport queue.Transport) (*application, context.CancelFunc, <-chan error) {
	t.Helper()
	app, err := newApplication(context.Background(), cfg, logger.Discard(), transport, prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	return app, cancel, done
}

func awaitResult(t *testing.T, transport *chanTransport) task.Result {
	t.Helper()
	select {
	case result := <-transport.results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a published result")
		return task.Result{}
	}
}

func stopApp(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not shut down")
	}
}

func TestApplicationProcessesTextToImageJob(t *testing.T) {
	fake := fakenvcf.New(t)
	fake.Script(fakenvcf.Fulfilled("req-1", []byte("generated-image")))
	transport := newChanTransport()

	app, cancel, done := startApp(t, testConfig(t, fake), transport)

	job, err := json.Marshal(map[string]any{
		"kind": "txt2img",
		"request": map[string]any{
			"task_id": "task-1",
			"model":   "sd15",
			"prompt":  "a lighthouse at dusk",
			"width":   1024,
			"height":  768,
		},
	})
	require.NoError(t, err)
	transport.jobs <- job

	result := awaitResult(t, transport)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, "txt2img", result.Kind)
	assert.Empty(t, result.Error)
	assert.True(t, strings.HasSuffix(result.Output, "outputs/task-1.jpeg"), result.Output)
	assert.Equal(t, []string{"fn-sd15", "fn-upscaler"}, fake.FunctionsCalled())

	data, err := app.store.Get(context.Background(), result.Output)
	require.NoError(t, err)
	assert.Equal(t, []byte("generated-image"), data)

	rec := httptest.NewRecorder()
	app.setupRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `nvcf_successful_tasks_total{model="sd15",task="txt2img"} 1`)

	stopApp(t, cancel, done)
	assert.True(t, transport.isClosed())
}

func TestApplicationPublishesFailures(t *testing.T) {
	fake := fakenvcf.New(t)
	fake.Script(fakenvcf.Failed(http.StatusInternalServerError, "torch.cuda.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB"))
	transport := newChanTransport()

	_, cancel, done := startApp(t, testConfig(t, fake), transport)

	transport.jobs <- []byte(`{"kind":"txt2vid","request":{"task_id":"task-2"}}`)
	result := awaitResult(t, transport)
	assert.Equal(t, "task-2", result.TaskID)
	assert.Equal(t, task.ErrorKindInvalidRequest, result.ErrorKind)

	transport.jobs <- []byte(`{"kind":"txt2img","request":{"task_id":"task-3","model":"sd15","prompt":"x","width":64,"height":64}}`)
	result = awaitResult(t, transport)
	assert.Equal(t, "task-3", result.TaskID)
	assert.Equal(t, "remote_oom", result.ErrorKind)
	assert.Empty(t, result.Output)

	stopApp(t, cancel, done)
}

func TestNewApplicationRejectsUnknownDialect(t *testing.T) {
	fake := fakenvcf.New(t)
	cfg := testConfig(t, fake)
	cfg.NVCF.Dialect = "websocket"

	_, err := newApplication(context.Background(), cfg, logger.Discard(), newChanTransport(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	app := &application{logger: logger.Discard(), registry: prometheus.NewRegistry()}

	rec := httptest.NewRecorder()
	app.setupRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	app.setupRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

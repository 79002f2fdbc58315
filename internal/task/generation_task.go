package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
	"github.com/phrazzld/nvcf-orchestrator/internal/redact"
	"github.com/phrazzld/nvcf-orchestrator/internal/service"
)

// publishTimeout bounds delivery of a result once the job itself has ended.
const publishTimeout = 30 * time.Second

// ErrorKindInvalidRequest labels results of requests rejected before submission.
const ErrorKindInvalidRequest = "invalid_request"

// Common errors
var (
	ErrNilDispatcher = errors.New("dispatcher cannot be nil")
	ErrNilPublisher  = errors.New("publisher cannot be nil")
	ErrNilLogger     = errors.New("logger cannot be nil")
	ErrInvalidJob    = errors.New("invalid job")
)

// Job is an inbound generation request as read from a queue.
type Job struct {
	Kind    string          `json:"kind"`
	Request json.RawMessage `json:"request"`
}

// DecodeJob parses a queue message body into a Job.
func DecodeJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.Kind == "" {
		return Job{}, fmt.Errorf("%w: missing kind", ErrInvalidJob)
	}
	if len(job.Request) == 0 {
		return Job{}, fmt.Errorf("%w: missing request", ErrInvalidJob)
	}
	return job, nil
}

// Result is published once per job, whether it succeeded or failed.
type Result struct {
	TaskID    string         `json:"task_id"`
	Kind      string         `json:"kind"`
	Output    string         `json:"output,omitempty"`
	Profile   map[string]any `json:"profile,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Dispatcher runs a decoded request of the given kind.
// *service.GenerationService satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, payload json.RawMessage) (*service.Output, error)
}

// ResultPublisher delivers job results to whoever submitted the job.
type ResultPublisher interface {
	Publish(ctx context.Context, result Result) error
}

// AckFunc acknowledges the source message once its result is published.
type AckFunc func(ctx context.Context) error

// GenerationTask implements the Task interface for one image generation job
type GenerationTask struct {
	id         uuid.UUID
	job        Job
	taskID     string
	dispatcher Dispatcher
	publisher  ResultPublisher
	ack        AckFunc
	logger     *slog.Logger

	mu     sync.Mutex
	status TaskStatus
	result *Result
}

// NewGenerationTask creates a task for job. ack may be nil.
func NewGenerationTask(
	job Job,
	dispatcher Dispatcher,
	publisher ResultPublisher,
	ack AckFunc,
	logger *slog.Logger,
) (*GenerationTask, error) {
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if logger == nil {
		return nil, ErrNilLogger
	}

	var base struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(job.Request, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if base.TaskID == "" {
		return nil, fmt.Errorf("%w: missing task_id", ErrInvalidJob)
	}

	return &GenerationTask{
		id:         uuid.New(),
		job:        job,
		taskID:     base.TaskID,
		dispatcher: dispatcher,
		publisher:  publisher,
		ack:        ack,
		logger:     logger.With("task_type", job.Kind, "task_id", base.TaskID),
		status:     TaskStatusPending,
	}, nil
}

// ID returns the task's unique identifier
func (t *GenerationTask) ID() uuid.UUID {
	return t.id
}

// Type returns the job kind
func (t *GenerationTask) Type() string {
	return t.job.Kind
}

// TaskID returns the client-supplied task id the result is published under
func (t *GenerationTask) TaskID() string {
	return t.taskID
}

// Payload returns the job as JSON
func (t *GenerationTask) Payload() []byte {
	data, err := json.Marshal(t.job)
	if err != nil {
		t.logger.Error("failed to marshal task payload", "error", err)
		return []byte{}
	}
	return data
}

// Status returns the current task status
func (t *GenerationTask) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the published result, or nil before Execute finishes.
func (t *GenerationTask) Result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *GenerationTask) setStatus(s TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Execute runs the job, publishes its result and acknowledges the source
// message. A failed job still publishes a result; the job error is returned
// after publishing.
func (t *GenerationTask) Execute(ctx context.Context) error {
	t.setStatus(TaskStatusProcessing)
	t.logger.Info("starting generation task")

	out, jobErr := t.dispatcher.Dispatch(ctx, t.job.Kind, t.job.Request)
	result := t.buildResult(out, jobErr)

	// The job context may already be cancelled or expired.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := t.publisher.Publish(pctx, result); err != nil {
		t.setStatus(TaskStatusFailed)
		t.logger.Error("failed to publish result", "error", err)
		return fmt.Errorf("failed to publish result: %w", err)
	}

	if t.ack != nil {
		if err := t.ack(pctx); err != nil {
			t.logger.Warn("failed to acknowledge message", "error", err)
		}
	}

	t.mu.Lock()
	t.result = &result
	t.mu.Unlock()

	if jobErr != nil {
		t.setStatus(TaskStatusFailed)
		t.logger.Error("generation task failed", "error_kind", result.ErrorKind, "reason", result.Error)
		return jobErr
	}

	t.setStatus(TaskStatusCompleted)
	t.logger.Info("generation task completed", "output", result.Output)
	return nil
}

func (t *GenerationTask) buildResult(out *service.Output, err error) Result {
	result := Result{TaskID: t.taskID, Kind: t.job.Kind}
	if err != nil {
		result.Error = redact.Error(err)
		result.ErrorKind = errorKind(err)
		result.RequestID = nvcf.RequestIDOf(err)
		return result
	}
	result.Output = out.Locator
	result.Profile = out.Profile
	return result
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrUnknownJobKind),
		errors.Is(err, service.ErrUnknownModel):
		return ErrorKindInvalidRequest
	default:
		return nvcf.KindOf(err).String()
	}
}

// GenerationTaskFactory creates GenerationTask instances
type GenerationTaskFactory struct {
	dispatcher Dispatcher
	publisher  ResultPublisher
	logger     *slog.Logger
}

// NewGenerationTaskFactory creates a new factory for GenerationTasks
func NewGenerationTaskFactory(dispatcher Dispatcher, publisher ResultPublisher, logger *slog.Logger) *GenerationTaskFactory {
	return &GenerationTaskFactory{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger.With("component", "generation_task_factory"),
	}
}

// CreateTask creates a GenerationTask for job
func (f *GenerationTaskFactory) CreateTask(job Job, ack AckFunc) (Task, error) {
	task, err := NewGenerationTask(job, f.dispatcher, f.publisher, ack, f.logger)
	if err != nil {
		return nil, err
	}
	return task, nil
}

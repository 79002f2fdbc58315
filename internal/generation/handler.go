package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/metrics"
	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
	"github.com/phrazzld/nvcf-orchestrator/internal/redact"
)

// Generator runs one job against the remote service.
// *nvcf.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, spec *nvcf.JobSpec, taskID string) (*nvcf.Result, error)
}

// Handler times jobs, records metrics and normalizes failures.
type Handler struct {
	generator Generator
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler creates a Handler. A nil recorder disables metrics.
func NewHandler(generator Generator, recorder metrics.Recorder, logger *slog.Logger) (*Handler, error) {
	if generator == nil {
		return nil, fmt.Errorf("%w: generator cannot be nil", ErrInvalidConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Handler{
		generator: generator,
		recorder:  recorder,
		logger:    logger.With("component", "generation_handler"),
		now:       time.Now,
	}, nil
}

// Handle runs spec as task taskID. Metrics are recorded only when attrs is
// non-nil. Every error returned is a *TaskError.
func (h *Handler) Handle(ctx context.Context, spec *nvcf.JobSpec, taskID string, attrs *metrics.Attributes) (*nvcf.Result, error) {
	log := h.logger.With("task_id", taskID, "function_id", spec.FunctionID())

	start := h.now()
	res, err := h.generator.Generate(ctx, spec, taskID)
	elapsed := h.now().Sub(start)

	if attrs != nil {
		h.recorder.TaskDuration(*attrs, elapsed)
	}

	if err == nil && (res == nil || len(res.Primary) == 0) {
		err = ErrEmptyResult
	}

	if err != nil {
		if attrs != nil {
			h.recorder.TaskFailed(*attrs)
		}
		taskErr := &TaskError{
			TaskID:     taskID,
			FunctionID: spec.FunctionID(),
			Kind:       nvcf.KindOf(err),
			Reason:     redact.Error(err),
			Err:        err,
		}
		log.Error("task failed",
			"duration", elapsed,
			"kind", taskErr.Kind.String(),
			"req_id", nvcf.RequestIDOf(err),
			"reason", taskErr.Reason)
		return nil, taskErr
	}

	if attrs != nil {
		h.recorder.TaskSucceeded(*attrs)
	}
	log.Info("task completed", "duration", elapsed, "req_id", res.RequestID, "polls", res.Polls)
	return res, nil
}

package generation

import (
	"errors"
	"fmt"

	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
)

// Common errors returned by the generation package
var (
	// ErrGenerationFailed is matched by every TaskError.
	ErrGenerationFailed = errors.New("image generation failed")

	// ErrEmptyResult is returned when the generator reports success without an image
	ErrEmptyResult = errors.New("generator returned no image")

	// ErrInvalidConfig is returned when the handler configuration is invalid
	ErrInvalidConfig = errors.New("invalid generation handler configuration")
)

// TaskError is the user-facing failure of one task.
type TaskError struct {
	TaskID     string
	FunctionID string
	// Kind is the remote failure category, or nvcf.KindUnknown.
	Kind nvcf.Kind
	// Reason is the cause's message with credentials and signed URLs removed.
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed due to %s", e.TaskID, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is makes every TaskError match ErrGenerationFailed.
func (e *TaskError) Is(target error) bool {
	return target == ErrGenerationFailed
}

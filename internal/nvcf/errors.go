package nvcf

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a failure of a remote generation job.
type Kind int

// Failure kinds. KindUnknown is never produced by this package.
const (
	KindUnknown Kind = iota
	KindAuthFailure
	KindAssetCreationFailure
	KindAssetUploadFailure
	KindAssetDeleteFailure
	KindRemoteInvocationFailure
	KindPollFailure
	KindPollTimeout
	KindRemoteOOM
	KindNSFWRejection
	KindNSFWRejectionFaceswap
	KindNSFWRejectionFlagship
	KindFunctionNotFound
	KindResponseDecodeFailure
	KindInvalidProtocolState
)

var kindNames = map[Kind]string{
	KindAuthFailure:             "auth_failure",
	KindAssetCreationFailure:    "asset_creation_failure",
	KindAssetUploadFailure:      "asset_upload_failure",
	KindAssetDeleteFailure:      "asset_delete_failure",
	KindRemoteInvocationFailure: "remote_invocation_failure",
	KindPollFailure:             "poll_failure",
	KindPollTimeout:             "poll_timeout",
	KindRemoteOOM:               "remote_oom",
	KindNSFWRejection:           "nsfw_rejection",
	KindNSFWRejectionFaceswap:   "nsfw_rejection_faceswap",
	KindNSFWRejectionFlagship:   "nsfw_rejection_flagship",
	KindFunctionNotFound:        "function_not_found",
	KindResponseDecodeFailure:   "response_decode_failure",
	KindInvalidProtocolState:    "invalid_protocol_state",
}

// String returns the snake_case name of the kind, suitable for metric labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Sentinel errors, one per Kind. Match them with errors.Is.
var (
	ErrAuthFailure             = errors.New("authentication with the remote service failed")
	ErrAssetCreationFailure    = errors.New("failed to create remote asset")
	ErrAssetUploadFailure      = errors.New("failed to upload remote asset")
	ErrAssetDeleteFailure      = errors.New("failed to delete remote asset")
	ErrRemoteInvocationFailure = errors.New("remote function invocation failed")
	ErrPollFailure             = errors.New("polling remote request failed")
	ErrPollTimeout             = errors.New("remote request did not complete within the polling limit")
	ErrRemoteOOM               = errors.New("remote function ran out of memory")
	ErrFunctionNotFound        = errors.New("remote function not found")
	ErrResponseDecodeFailure   = errors.New("failed to decode remote response")
	ErrInvalidProtocolState    = errors.New("invalid remote protocol state")

	// ErrNSFWRejection is matched by every NSFW variant.
	ErrNSFWRejection         = errors.New("remote function rejected content as NSFW")
	ErrNSFWRejectionFaceswap = fmt.Errorf("%w: faceswap", ErrNSFWRejection)
	ErrNSFWRejectionFlagship = fmt.Errorf("%w: flagship diffusion", ErrNSFWRejection)
)

var sentinels = map[Kind]error{
	KindAuthFailure:             ErrAuthFailure,
	KindAssetCreationFailure:    ErrAssetCreationFailure,
	KindAssetUploadFailure:      ErrAssetUploadFailure,
	KindAssetDeleteFailure:      ErrAssetDeleteFailure,
	KindRemoteInvocationFailure: ErrRemoteInvocationFailure,
	KindPollFailure:             ErrPollFailure,
	KindPollTimeout:             ErrPollTimeout,
	KindRemoteOOM:               ErrRemoteOOM,
	KindNSFWRejection:           ErrNSFWRejection,
	KindNSFWRejectionFaceswap:   ErrNSFWRejectionFaceswap,
	KindNSFWRejectionFlagship:   ErrNSFWRejectionFlagship,
	KindFunctionNotFound:        ErrFunctionNotFound,
	KindResponseDecodeFailure:   ErrResponseDecodeFailure,
	KindInvalidProtocolState:    ErrInvalidProtocolState,
}

// Sentinel returns the sentinel error for k, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	return sentinels[k]
}

// Error is the single error type returned by this package. Kind selects the
// failure category; the remaining fields carry whatever context was known at
// the point of failure and are left zero otherwise.
type Error struct {
	Kind       Kind
	FunctionID string
	TaskID     string
	RequestID  string
	URL        string
	Status     int
	Body       string
	AssetID    string
	Field      string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if s := e.Kind.Sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString("remote service error")
	}

	var ctx []string
	if e.TaskID != "" {
		ctx = append(ctx, "task="+e.TaskID)
	}
	if e.FunctionID != "" {
		ctx = append(ctx, "function="+e.FunctionID)
	}
	if e.RequestID != "" {
		ctx = append(ctx, "request="+e.RequestID)
	}
	if e.AssetID != "" {
		ctx = append(ctx, "asset="+e.AssetID)
	}
	if e.Field != "" {
		ctx = append(ctx, "field="+e.Field)
	}
	if e.Status != 0 {
		ctx = append(ctx, fmt.Sprintf("status=%d", e.Status))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body, maxBodyInMessage))
	}
	return b.String()
}

// maxBodyInMessage bounds how much of a response body Error() repeats.
// The full body stays available in the Body field.
const maxBodyInMessage = 1024

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e.Kind, or one the sentinel wraps.
func (e *Error) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && errors.Is(s, target)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RequestIDOf returns the remote request id carried by err, if any.
func RequestIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RequestID
	}
	return ""
}

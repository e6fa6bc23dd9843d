package core

import "errors"

// Error kinds surfaced to callers.
var (
	// ErrValidation indicates a malformed request.
	ErrValidation = errors.New("validation error")
	// ErrSynthesisUnavailable indicates the TTS engine was unreachable or rejected the request.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")
	// ErrAlignmentFailure indicates the aligner could not produce timestamps.
	ErrAlignmentFailure = errors.New("alignment failure")
	// ErrAudioParameterMismatch indicates segments with differing WAV parameters.
	ErrAudioParameterMismatch = errors.New("audio parameter mismatch")
	// ErrStorageFailure indicates an upload or presign failure.
	ErrStorageFailure = errors.New("storage failure")
	// ErrJobInProgress indicates another run currently holds the job id.
	ErrJobInProgress = errors.New("job already in progress")
)

// Kind is the machine-readable classification of a pipeline error.
type Kind string

// Error kinds.
const (
	KindValidation             Kind = "validation"
	KindSynthesisUnavailable   Kind = "synthesis_unavailable"
	KindAlignmentFailure       Kind = "alignment_failure"
	KindAudioParameterMismatch Kind = "audio_parameter_mismatch"
	KindStorageFailure         Kind = "storage_failure"
	KindJobInProgress          Kind = "job_in_progress"
	KindInternal               Kind = "internal"
)

var kindsBySentinel = []struct {
	sentinel error
	kind     Kind
}{
	{ErrValidation, KindValidation},
	{ErrSynthesisUnavailable, KindSynthesisUnavailable},
	{ErrAlignmentFailure, KindAlignmentFailure},
	{ErrAudioParameterMismatch, KindAudioParameterMismatch},
	{ErrStorageFailure, KindStorageFailure},
	{ErrJobInProgress, KindJobInProgress},
}

// KindOf classifies err by the first sentinel it wraps.
func KindOf(err error) Kind {
	for _, entry := range kindsBySentinel {
		if errors.Is(err, entry.sentinel) {
			return entry.kind
		}
	}

	return KindInternal
}

// ErrorBody is the structured error payload returned by the HTTP API and the NATS worker.
type ErrorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// NewErrorBody builds the wire representation of err.
func NewErrorBody(err error) *ErrorBody {
	return &ErrorBody{Kind: KindOf(err), Message: err.Error()}
}

package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Engine error taxonomy. The first group blocks an operation and is reported
// to the caller as actionable guidance; generation failures carry a request
// id for correlation and a transport/upstream/shape classification.
var (
	ErrUnknownAccelerator   = errors.New("unknown accelerator")
	ErrUnknownTemplate      = errors.New("unknown generation template")
	ErrPrerequisiteNotMet   = errors.New("prerequisite accelerators not completed")
	ErrValidationFailed     = errors.New("current step is incomplete")
	ErrGenerationInFlight   = errors.New("a generation task is already running for this session")
	ErrConfirmationRequired = errors.New("regeneration discards existing content and requires confirmation")
	ErrRefinementExhausted  = errors.New("the one allowed manual refinement was already used")
	ErrSessionClosed        = errors.New("session runtime is closed")
)

type GenerationErrorKind string

const (
	GenerationNetwork      GenerationErrorKind = "network"
	GenerationUpstream     GenerationErrorKind = "upstream"
	GenerationInvalidShape GenerationErrorKind = "invalid_shape"
)

// GenerationError is the retained, retryable outcome of a failed generation
// call. Session data is guaranteed untouched whenever one of these is
// returned.
type GenerationError struct {
	RequestID uuid.UUID
	Kind      GenerationErrorKind
	Message   string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s, request_id=%s): %s", e.Kind, e.RequestID, e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Err }

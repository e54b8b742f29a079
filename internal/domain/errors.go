package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownMarket       = errors.New("no filing source registered for market")
	ErrFilingNotFound      = errors.New("filing not found")
	ErrEmptyAccession      = errors.New("accession must not be empty")
	ErrNonPositiveInterval = errors.New("interval must be positive")
)

// Failure types recorded in the ledger. SweepStaleClaims writes
// FailureStaleClaim; the polling engine classifies everything else.
const (
	FailureSourceFetch = "source_fetch"
	FailureTextFetch   = "text_fetch"
	FailureExtraction  = "extraction"
	FailureArtifact    = "artifact"
	FailureEmptyText   = "empty_text"
	FailureStaleClaim  = "stale_claim"
	FailureProcessing  = "processing"
)

// PipelineError tags an error with the pipeline stage it came from so the
// failure ledger records a stable error_type.
type PipelineError struct {
	Type string
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with a stage type.
func NewPipelineError(errType string, err error) error {
	return &PipelineError{Type: errType, Err: err}
}

// FailureType extracts the stage type from err, or FailureProcessing when
// the error carries no tag.
func FailureType(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return FailureProcessing
}

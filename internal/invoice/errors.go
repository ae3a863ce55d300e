package invoice

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a file or invoice id is unknown
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a record id or source file is already stored
	ErrDuplicate = errors.New("duplicate record")
)

// IngestionError rejects a document at enqueue time
type IngestionError struct {
	Name   string
	Reason string
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("rejecting %q: %s", e.Name, e.Reason)
}

// InvalidStateError reports an operation attempted in the wrong lifecycle state
type InvalidStateError struct {
	ID     string
	Status Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s file %s in state %s", e.Op, e.ID, e.Status)
}

// ExtractionError wraps a failure of the extraction service for one file
type ExtractionError struct {
	FileID string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting file %s: %v", e.FileID, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the extraction ran out of time
func (e *ExtractionError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// EmptyExportError is returned when there are no processed records to export
type EmptyExportError struct{}

func (e *EmptyExportError) Error() string {
	return "No data to export"
}

package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by RecordStore implementations.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record not in required state")
)

// RenderFailure reports that rendering a page exhausted its retry budget or
// hit a transport-level failure on the final attempt.
type RenderFailure struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RenderFailure) Error() string {
	return fmt.Sprintf("render %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RenderFailure) Unwrap() error { return e.Err }

// DownloadFailure reports a non-2xx or transport error fetching asset bytes.
// It is terminal for that asset; the recognition service is never invoked.
type DownloadFailure struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadFailure) Unwrap() error { return e.Err }

// RecognitionError wraps a recognition-service failure. Transient errors are
// retried per the OCR retry policy; anything else is terminal for the asset.
type RecognitionError struct {
	Transient bool
	Err       error
}

func (e *RecognitionError) Error() string {
	if e.Transient {
		return fmt.Sprintf("recognition service (transient): %v", e.Err)
	}
	return fmt.Sprintf("recognition service: %v", e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// IsTransientRecognition reports whether err is a retryable recognition
// failure.
func IsTransientRecognition(err error) bool {
	var recErr *RecognitionError
	return errors.As(err, &recErr) && recErr.Transient
}

// StagingFailure reports an object-store error while staging input bytes or
// reading job outputs. Upload failures are terminal for the asset; cleanup
// failures are logged only.
type StagingFailure struct {
	Op  string
	Key string
	Err error
}

func (e *StagingFailure) Error() string {
	return fmt.Sprintf("object store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StagingFailure) Unwrap() error { return e.Err }

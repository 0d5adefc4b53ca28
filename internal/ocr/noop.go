package ocr

import (
	"context"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// NoopRecognizer is a recognizer that recognizes nothing. It is used in
// dry-run mode when the recognition service is disabled; assets still move
// through the full status state machine.
type NoopRecognizer struct{}

// DetectText returns an empty result with zero confidence.
func (NoopRecognizer) DetectText(_ context.Context, _ []byte) (pipeline.TextResult, error) {
	return pipeline.TextResult{}, nil
}

// SubmitBatch returns an operation that is already complete.
func (NoopRecognizer) SubmitBatch(_ context.Context, _, _ string) (pipeline.BatchOperation, error) {
	return noopOperation{}, nil
}

type noopOperation struct{}

func (noopOperation) Wait(_ context.Context) error { return nil }

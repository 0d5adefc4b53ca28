// Package vision implements the Recognizer capability on Cloud Vision.
package vision

import (
	"context"
	"fmt"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// Recognizer wraps a Vision ImageAnnotatorClient.
type Recognizer struct {
	client *vision.ImageAnnotatorClient
}

// New creates a Recognizer from an initialized client.
func New(client *vision.ImageAnnotatorClient) (*Recognizer, error) {
	if client == nil {
		return nil, fmt.Errorf("vision client is required")
	}
	return &Recognizer{client: client}, nil
}

// Close releases the underlying client.
func (r *Recognizer) Close() error {
	return r.client.Close()
}

// DetectText runs synchronous full-document text detection on image bytes.
// A response without text yields an empty result with confidence 0.0.
func (r *Recognizer) DetectText(ctx context.Context, image []byte) (pipeline.TextResult, error) {
	resp, err := r.client.AnnotateImage(ctx, &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: image},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
		},
	})
	if err != nil {
		return pipeline.TextResult{}, &pipeline.RecognitionError{Transient: transient(err), Err: err}
	}
	if respErr := resp.GetError(); respErr != nil && respErr.GetMessage() != "" {
		return pipeline.TextResult{}, &pipeline.RecognitionError{
			Transient: false,
			Err:       fmt.Errorf("annotate image: %s", respErr.GetMessage()),
		}
	}

	result := pipeline.TextResult{}
	if annotation := resp.GetFullTextAnnotation(); annotation != nil {
		result.Text = annotation.GetText()
	}
	if annotations := resp.GetTextAnnotations(); len(annotations) > 0 {
		result.Confidence = float64(annotations[0].GetConfidence())
	}
	return result, nil
}

// SubmitBatch starts an asynchronous file annotation job reading a staged
// document and writing JSON output objects under outputURI.
func (r *Recognizer) SubmitBatch(ctx context.Context, inputURI, outputURI string) (pipeline.BatchOperation, error) {
	req := &visionpb.AsyncBatchAnnotateFilesRequest{
		Requests: []*visionpb.AsyncAnnotateFileRequest{{
			InputConfig: &visionpb.InputConfig{
				GcsSource: &visionpb.GcsSource{Uri: inputURI},
				MimeType:  "application/pdf",
			},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
			},
			OutputConfig: &visionpb.OutputConfig{
				GcsDestination: &visionpb.GcsDestination{Uri: outputURI},
				BatchSize:      100,
			},
		}},
	}
	op, err := r.client.AsyncBatchAnnotateFiles(ctx, req)
	if err != nil {
		return nil, &pipeline.RecognitionError{Transient: transient(err), Err: err}
	}
	return &batchOperation{op: op}, nil
}

type batchOperation struct {
	op *vision.AsyncBatchAnnotateFilesOperation
}

// Wait blocks until the job finishes or ctx expires. A wait that runs out of
// time is terminal, not transient: the job keeps running server-side and
// retrying a submit would double the spend.
func (b *batchOperation) Wait(ctx context.Context) error {
	if _, err := b.op.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return &pipeline.RecognitionError{Transient: false, Err: err}
		}
		return &pipeline.RecognitionError{Transient: transient(err), Err: err}
	}
	return nil
}

// transient reports whether a service error is worth retrying.
func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

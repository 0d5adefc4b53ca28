// Package ocr routes assets through the external text-recognition service.
package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// Config controls pipeline behavior.
type Config struct {
	// StagingPrefix is the object-store prefix for uploaded document bytes.
	StagingPrefix string
	// OutputPrefix is the object-store prefix for batch job outputs.
	OutputPrefix string
	// BatchWait is the fixed ceiling on waiting for a batch job.
	BatchWait time.Duration
	// Topic, when set with a publisher, receives an event per terminal asset.
	Topic string
}

// Pipeline submits assets for recognition and persists results. Images run
// synchronously; documents go through the staged asynchronous batch path.
type Pipeline struct {
	store      pipeline.RecordStore
	objects    pipeline.ObjectStore
	recognizer pipeline.Recognizer
	downloader pipeline.Downloader
	publisher  pipeline.Publisher
	retry      RetryPolicy
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Pipeline. publisher may be nil.
func New(
	store pipeline.RecordStore,
	objects pipeline.ObjectStore,
	recognizer pipeline.Recognizer,
	downloader pipeline.Downloader,
	publisher pipeline.Publisher,
	retry RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.StagingPrefix == "" {
		cfg.StagingPrefix = "pdfs"
	}
	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = "ocr_results"
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 180 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:      store,
		objects:    objects,
		recognizer: recognizer,
		downloader: downloader,
		publisher:  publisher,
		retry:      retry,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProcessImage downloads an image and runs synchronous text detection,
// persisting one OCRResult on success. The asset status moves
// pending→processing→{processed,failed}.
func (p *Pipeline) ProcessImage(ctx context.Context, url, assetID string) error {
	p.setAssetStatus(ctx, assetID, pipeline.AssetStatusProcessing)

	data, err := p.downloader.Download(ctx, url)
	if err != nil {
		p.logger.Error("image download failed", zap.String("url", url), zap.Error(err))
		return p.fail(ctx, assetID, err)
	}

	var result pipeline.TextResult
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		detected, detectErr := p.recognizer.DetectText(ctx, data)
		if detectErr != nil {
			return detectErr
		}
		result = detected
		return nil
	})
	if err != nil {
		p.logger.Error("image recognition failed", zap.String("asset_id", assetID), zap.Error(err))
		return p.fail(ctx, assetID, err)
	}

	if _, err := p.store.InsertOCRResult(ctx, assetID, result.Text, result.Confidence); err != nil {
		p.logger.Error("persist ocr result failed", zap.String("asset_id", assetID), zap.Error(err))
		return p.fail(ctx, assetID, err)
	}

	p.setAssetStatus(ctx, assetID, pipeline.AssetStatusProcessed)
	p.publishOutcome(ctx, assetID, pipeline.AssetStatusProcessed)
	return nil
}

// ProcessDocument stages document bytes in the object store, runs an
// asynchronous batch annotation job, and concatenates the job's output
// fragments into one OCRResult with fixed confidence 1.0 (the service does
// not report per-document confidence). Staged input and outputs are removed
// best-effort afterwards.
func (p *Pipeline) ProcessDocument(ctx context.Context, url, assetID string) error {
	p.setAssetStatus(ctx, assetID, pipeline.AssetStatusProcessing)

	data, err := p.downloader.Download(ctx, url)
	if err != nil {
		p.logger.Error("document download failed", zap.String("url", url), zap.Error(err))
		return p.fail(ctx, assetID, err)
	}

	stagedKey := fmt.Sprintf("%s/%s.pdf", p.cfg.StagingPrefix, assetID)
	outputPrefix := fmt.Sprintf("%s/%s/", p.cfg.OutputPrefix, assetID)

	if err := p.objects.Put(ctx, stagedKey, "application/pdf", data); err != nil {
		stagingErr := &pipeline.StagingFailure{Op: "put", Key: stagedKey, Err: err}
		p.logger.Error("stage document failed", zap.String("asset_id", assetID), zap.Error(stagingErr))
		return p.fail(ctx, assetID, stagingErr)
	}

	err = p.retry.Do(ctx, func(ctx context.Context) error {
		op, submitErr := p.recognizer.SubmitBatch(ctx, p.objects.URI(stagedKey), p.objects.URI(outputPrefix))
		if submitErr != nil {
			return submitErr
		}
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchWait)
		defer cancel()
		return op.Wait(waitCtx)
	})
	if err != nil {
		p.logger.Error("batch recognition failed", zap.String("asset_id", assetID), zap.Error(err))
		p.cleanup(ctx, stagedKey, outputPrefix)
		return p.fail(ctx, assetID, err)
	}

	text, err := p.collectOutputs(ctx, outputPrefix)
	if err != nil {
		p.logger.Error("collect batch outputs failed", zap.String("asset_id", assetID), zap.Error(err))
		p.cleanup(ctx, stagedKey, outputPrefix)
		return p.fail(ctx, assetID, err)
	}

	if _, err := p.store.InsertOCRResult(ctx, assetID, text, 1.0); err != nil {
		p.logger.Error("persist ocr result failed", zap.String("asset_id", assetID), zap.Error(err))
		p.cleanup(ctx, stagedKey, outputPrefix)
		return p.fail(ctx, assetID, err)
	}

	p.cleanup(ctx, stagedKey, outputPrefix)
	p.setAssetStatus(ctx, assetID, pipeline.AssetStatusProcessed)
	p.publishOutcome(ctx, assetID, pipeline.AssetStatusProcessed)
	return nil
}

// collectOutputs reads every output object under the prefix in listing order
// and joins the recognized fragments with newlines.
func (p *Pipeline) collectOutputs(ctx context.Context, outputPrefix string) (string, error) {
	keys, err := p.objects.ListByPrefix(ctx, outputPrefix)
	if err != nil {
		return "", &pipeline.StagingFailure{Op: "list", Key: outputPrefix, Err: err}
	}
	fragments := make([]string, 0, len(keys))
	for _, key := range keys {
		data, err := p.objects.Get(ctx, key)
		if err != nil {
			return "", &pipeline.StagingFailure{Op: "get", Key: key, Err: err}
		}
		fragments = append(fragments, parseOutput(data))
	}
	return strings.Join(fragments, "\n"), nil
}

// parseOutput decodes one batch output object as an AnnotateFileResponse and
// extracts its recognized text, falling back to the raw bytes when the object
// does not parse.
func parseOutput(data []byte) string {
	var response visionpb.AnnotateFileResponse
	opts := protojson.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, &response); err != nil {
		return string(data)
	}
	var parts []string
	for _, page := range response.GetResponses() {
		if annotation := page.GetFullTextAnnotation(); annotation != nil {
			parts = append(parts, annotation.GetText())
		}
	}
	if len(parts) == 0 {
		return string(data)
	}
	return strings.Join(parts, "\n")
}

// cleanup removes the staged input and every output object. Failures are
// logged only; they never mask the pipeline outcome.
func (p *Pipeline) cleanup(ctx context.Context, stagedKey, outputPrefix string) {
	if err := p.objects.Delete(ctx, stagedKey); err != nil {
		p.logger.Warn("delete staged document failed", zap.String("key", stagedKey), zap.Error(err))
	}
	keys, err := p.objects.ListByPrefix(ctx, outputPrefix)
	if err != nil {
		p.logger.Warn("list batch outputs for cleanup failed", zap.String("prefix", outputPrefix), zap.Error(err))
		return
	}
	for _, key := range keys {
		if err := p.objects.Delete(ctx, key); err != nil {
			p.logger.Warn("delete batch output failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (p *Pipeline) fail(ctx context.Context, assetID string, cause error) error {
	p.setAssetStatus(ctx, assetID, pipeline.AssetStatusFailed)
	p.publishOutcome(ctx, assetID, pipeline.AssetStatusFailed)
	return cause
}

// setAssetStatus updates the asset state machine. Update failures are logged
// and swallowed so they never mask the OCR outcome.
func (p *Pipeline) setAssetStatus(ctx context.Context, assetID string, status pipeline.AssetStatus) {
	if err := p.store.UpdateAssetStatus(ctx, assetID, status); err != nil {
		p.logger.Warn("asset status update failed",
			zap.String("asset_id", assetID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) publishOutcome(ctx context.Context, assetID string, status pipeline.AssetStatus) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"asset_id": assetID,
		"status":   string(status),
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		p.logger.Warn("publish asset outcome failed", zap.String("asset_id", assetID), zap.Error(err))
	}
}

// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pagesift/pagesift/internal/extract"
	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/pipeline"
)

// OCRProcessor routes one asset through the recognition service. Errors are
// already reflected in the asset's terminal status; the worker only logs them.
type OCRProcessor interface {
	ProcessImage(ctx context.Context, url, assetID string) error
	ProcessDocument(ctx context.Context, url, assetID string) error
}

// Config controls Worker behavior.
type Config struct {
	// Topic, when set with a publisher, receives an event per completed page.
	Topic string
}

// Worker drives claimed pages through render → extract → store → OCR. Pages
// are processed sequentially; a failure on one page never aborts the rest.
type Worker struct {
	store     pipeline.RecordStore
	renderer  pipeline.Renderer
	ocr       OCRProcessor
	publisher pipeline.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil.
func New(
	store pipeline.RecordStore,
	renderer pipeline.Renderer,
	ocr OCRProcessor,
	publisher pipeline.Publisher,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		renderer:  renderer,
		ocr:       ocr,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// ProcessClaimed runs every claimed page to a terminal status, in claim order.
func (w *Worker) ProcessClaimed(ctx context.Context, pages []pipeline.PageRecord) {
	for _, page := range pages {
		if ctx.Err() != nil {
			w.logger.Warn("run interrupted by shutdown", zap.String("page_id", page.ID))
			return
		}
		w.processPage(ctx, page)
	}
}

func (w *Worker) processPage(ctx context.Context, page pipeline.PageRecord) {
	html, err := w.renderer.Render(ctx, page.URL)
	if err != nil {
		var renderErr *pipeline.RenderFailure
		if errors.As(err, &renderErr) {
			w.metrics.RenderFailures.Inc()
		}
		w.logger.Error("render failed", zap.String("page_id", page.ID), zap.String("url", page.URL), zap.Error(err))
		w.finishPage(ctx, page, pipeline.PageStatusFailed)
		return
	}

	refs, err := extract.Extract(html, page.URL)
	if err != nil {
		w.logger.Error("extract failed", zap.String("page_id", page.ID), zap.Error(err))
		w.finishPage(ctx, page, pipeline.PageStatusFailed)
		return
	}

	for _, ref := range refs {
		assetID, err := w.store.InsertAsset(ctx, page.ID, ref.URL, ref.Type)
		if err != nil {
			// One lost asset must not abort the remaining extraction.
			w.logger.Warn("insert asset failed",
				zap.String("page_id", page.ID),
				zap.String("url", ref.URL),
				zap.Error(err),
			)
			continue
		}
		w.metrics.AssetsDiscovered.WithLabelValues(string(ref.Type)).Inc()

		var ocrErr error
		switch ref.Type {
		case pipeline.AssetTypePDF:
			ocrErr = w.ocr.ProcessDocument(ctx, ref.URL, assetID)
		default:
			ocrErr = w.ocr.ProcessImage(ctx, ref.URL, assetID)
		}
		outcome := "processed"
		if ocrErr != nil {
			outcome = "failed"
			w.logger.Warn("ocr failed",
				zap.String("asset_id", assetID),
				zap.String("url", ref.URL),
				zap.Error(ocrErr),
			)
		}
		w.metrics.OCROutcomes.WithLabelValues(string(ref.Type), outcome).Inc()
	}

	w.finishPage(ctx, page, pipeline.PageStatusCompleted)
}

func (w *Worker) finishPage(ctx context.Context, page pipeline.PageRecord, status pipeline.PageStatus) {
	if err := w.store.UpdatePageStatus(ctx, page.ID, status); err != nil {
		w.logger.Error("page status update failed",
			zap.String("page_id", page.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	w.metrics.PagesProcessed.WithLabelValues(string(status)).Inc()
	w.publishPage(ctx, page, status)
}

func (w *Worker) publishPage(ctx context.Context, page pipeline.PageRecord, status pipeline.PageStatus) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"page_id": page.ID,
		"url":     page.URL,
		"status":  string(status),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish page outcome failed", zap.String("page_id", page.ID), zap.Error(err))
	}
}

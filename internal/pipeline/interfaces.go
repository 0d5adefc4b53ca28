package pipeline

import (
	"context"
	"time"
)

// RecordStore persists pages, assets and OCR results. Implementations must
// provide durable, single-row atomic writes.
type RecordStore interface {
	// CreatePage registers a URL with status pending.
	CreatePage(ctx context.Context, url string) (PageRecord, error)

	// GetPage returns a page by ID, or ErrNotFound.
	GetPage(ctx context.Context, id string) (PageRecord, error)

	// ClaimPending atomically selects every pending page and flips it to
	// processing, so a concurrent claim cannot select the same pages.
	// Results are ordered by creation time.
	ClaimPending(ctx context.Context) ([]PageRecord, error)

	// UpdatePageStatus sets the terminal status of a claimed page.
	UpdatePageStatus(ctx context.Context, id string, status PageStatus) error

	// RequeuePage flips a failed page back to pending. Returns ErrConflict
	// if the page is not in the failed state.
	RequeuePage(ctx context.Context, id string) error

	// InsertAsset records one discovered reference and returns its ID.
	// Each call is an independent, immediately durable write.
	InsertAsset(ctx context.Context, pageID, url string, typ AssetType) (string, error)

	// UpdateAssetStatus advances the asset state machine.
	UpdateAssetStatus(ctx context.Context, id string, status AssetStatus) error

	// InsertOCRResult appends one recognized-text row for an asset.
	InsertOCRResult(ctx context.Context, assetID, text string, confidence float64) (string, error)

	// ListAssetsByPage returns a page's assets in discovery order.
	ListAssetsByPage(ctx context.Context, pageID string) ([]Asset, error)

	// ListResultsByAsset returns OCR results ordered by completion time.
	ListResultsByAsset(ctx context.Context, assetID string) ([]OCRResult, error)
}

// Renderer fully renders a URL, JavaScript included, into final HTML.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Downloader fetches raw asset bytes over HTTP.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// ObjectStore stages bytes for asynchronous recognition jobs and reads the
// job outputs back.
type ObjectStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) error
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// URI returns the externally addressable location for a key, suitable
	// for handing to the recognition service.
	URI(key string) string
}

// Recognizer is the external text-recognition capability.
type Recognizer interface {
	// DetectText runs synchronous full-document text detection on image bytes.
	DetectText(ctx context.Context, image []byte) (TextResult, error)

	// SubmitBatch starts an asynchronous annotation job reading from
	// inputURI and writing structured output objects under outputURI.
	SubmitBatch(ctx context.Context, inputURI, outputURI string) (BatchOperation, error)
}

// BatchOperation is a handle to an in-flight asynchronous recognition job.
type BatchOperation interface {
	// Wait blocks until the job completes or the context deadline expires.
	Wait(ctx context.Context) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

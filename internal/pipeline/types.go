// Package pipeline defines core types shared across subsystems.
package pipeline

import "time"

// PageStatus represents the crawl lifecycle state of a registered page.
type PageStatus string

// Page status values persisted in the record store.
const (
	PageStatusPending    PageStatus = "pending"
	PageStatusProcessing PageStatus = "processing"
	PageStatusCompleted  PageStatus = "completed"
	PageStatusFailed     PageStatus = "failed"
)

// AssetStatus represents the OCR lifecycle state of a discovered asset.
type AssetStatus string

// Asset status values persisted in the record store.
const (
	AssetStatusPending    AssetStatus = "pending"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusProcessed  AssetStatus = "processed"
	AssetStatusFailed     AssetStatus = "failed"
)

// AssetType classifies a discovered media reference.
type AssetType string

// Supported asset types.
const (
	AssetTypeImage AssetType = "image"
	AssetTypePDF   AssetType = "pdf"
)

// PageRecord is one user-submitted URL and its crawl lifecycle status.
type PageRecord struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Status    PageStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Asset is one media reference discovered on a page. One row is created per
// DOM occurrence, in discovery order; duplicates are not merged.
type Asset struct {
	ID        string      `json:"id"`
	PageID    string      `json:"page_id"`
	URL       string      `json:"url"`
	Type      AssetType   `json:"type"`
	Status    AssetStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// OCRResult holds recognized text and confidence produced for one asset.
// A failed OCR attempt produces no row.
type OCRResult struct {
	ID         string    `json:"id"`
	AssetID    string    `json:"asset_id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// AssetRef is a candidate media reference produced by the extractor, already
// resolved to an absolute URL and classified.
type AssetRef struct {
	URL  string
	Type AssetType
}

// TextResult is the outcome of a synchronous text detection call.
type TextResult struct {
	Text       string
	Confidence float64
}

// Package memory provides an in-memory record store for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// RecordStore implements pipeline.RecordStore with maps guarded by a mutex.
// Semantics match the Postgres store, including the atomic pending claim.
type RecordStore struct {
	mu      sync.Mutex
	idGen   pipeline.IDGenerator
	clock   pipeline.Clock
	pages   map[string]*pipeline.PageRecord
	pageIDs []string
	assets  map[string]*pipeline.Asset
	// assetsByPage preserves discovery order per page.
	assetsByPage map[string][]string
	results      map[string][]pipeline.OCRResult
}

// NewRecordStore creates an empty store.
func NewRecordStore(idGen pipeline.IDGenerator, clock pipeline.Clock) *RecordStore {
	return &RecordStore{
		idGen:        idGen,
		clock:        clock,
		pages:        make(map[string]*pipeline.PageRecord),
		assets:       make(map[string]*pipeline.Asset),
		assetsByPage: make(map[string][]string),
		results:      make(map[string][]pipeline.OCRResult),
	}
}

// CreatePage registers a URL with status pending.
func (s *RecordStore) CreatePage(_ context.Context, url string) (pipeline.PageRecord, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return pipeline.PageRecord{}, err
	}
	now := s.clock.Now()
	page := pipeline.PageRecord{
		ID:        id,
		URL:       url,
		Status:    pipeline.PageStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[id] = &page
	s.pageIDs = append(s.pageIDs, id)
	return page, nil
}

// GetPage returns a page by ID.
func (s *RecordStore) GetPage(_ context.Context, id string) (pipeline.PageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return pipeline.PageRecord{}, pipeline.ErrNotFound
	}
	return *page, nil
}

// ClaimPending flips every pending page to processing under one lock, so two
// concurrent claims return disjoint sets.
func (s *RecordStore) ClaimPending(_ context.Context) ([]pipeline.PageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []pipeline.PageRecord
	for _, id := range s.pageIDs {
		page := s.pages[id]
		if page.Status != pipeline.PageStatusPending {
			continue
		}
		page.Status = pipeline.PageStatusProcessing
		page.UpdatedAt = s.clock.Now()
		claimed = append(claimed, *page)
	}
	return claimed, nil
}

// UpdatePageStatus sets the status of a page.
func (s *RecordStore) UpdatePageStatus(_ context.Context, id string, status pipeline.PageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	page.Status = status
	page.UpdatedAt = s.clock.Now()
	return nil
}

// RequeuePage flips a failed page back to pending.
func (s *RecordStore) RequeuePage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	if page.Status != pipeline.PageStatusFailed {
		return pipeline.ErrConflict
	}
	page.Status = pipeline.PageStatusPending
	page.UpdatedAt = s.clock.Now()
	return nil
}

// InsertAsset records one discovered reference.
func (s *RecordStore) InsertAsset(_ context.Context, pageID, url string, typ pipeline.AssetType) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[pageID]; !ok {
		return "", pipeline.ErrNotFound
	}
	asset := pipeline.Asset{
		ID:        id,
		PageID:    pageID,
		URL:       url,
		Type:      typ,
		Status:    pipeline.AssetStatusPending,
		CreatedAt: s.clock.Now(),
	}
	s.assets[id] = &asset
	s.assetsByPage[pageID] = append(s.assetsByPage[pageID], id)
	return id, nil
}

// UpdateAssetStatus advances the asset state machine.
func (s *RecordStore) UpdateAssetStatus(_ context.Context, id string, status pipeline.AssetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	asset.Status = status
	return nil
}

// InsertOCRResult appends one recognized-text row for an asset.
func (s *RecordStore) InsertOCRResult(_ context.Context, assetID, text string, confidence float64) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[assetID]; !ok {
		return "", pipeline.ErrNotFound
	}
	s.results[assetID] = append(s.results[assetID], pipeline.OCRResult{
		ID:         id,
		AssetID:    assetID,
		Text:       text,
		Confidence: confidence,
		CreatedAt:  s.clock.Now(),
	})
	return id, nil
}

// ListAssetsByPage returns a page's assets in discovery order.
func (s *RecordStore) ListAssetsByPage(_ context.Context, pageID string) ([]pipeline.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.assetsByPage[pageID]
	assets := make([]pipeline.Asset, 0, len(ids))
	for _, id := range ids {
		assets = append(assets, *s.assets[id])
	}
	return assets, nil
}

// ListResultsByAsset returns OCR results in completion order.
func (s *RecordStore) ListResultsByAsset(_ context.Context, assetID string) ([]pipeline.OCRResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.OCRResult(nil), s.results[assetID]...), nil
}

// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagesift/pagesift/internal/pipeline"
)

// Expected schema:
//
//	CREATE TABLE pages (
//		id UUID PRIMARY KEY,
//		url TEXT NOT NULL,
//		status TEXT NOT NULL DEFAULT 'pending',
//		created_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE assets (
//		id UUID PRIMARY KEY,
//		page_id UUID NOT NULL REFERENCES pages (id),
//		url TEXT NOT NULL,
//		asset_type TEXT NOT NULL,
//		status TEXT NOT NULL DEFAULT 'pending',
//		created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE ocr_results (
//		id UUID PRIMARY KEY,
//		asset_id UUID NOT NULL REFERENCES assets (id),
//		text_content TEXT NOT NULL,
//		confidence DOUBLE PRECISION NOT NULL,
//		created_at TIMESTAMPTZ NOT NULL
//	);
//
// Asset IDs are UUIDv7, so ordering by id reproduces insertion (discovery)
// order.

// RecordStoreConfig controls the Postgres connection pool.
type RecordStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RecordStore implements pipeline.RecordStore on a pgx pool.
type RecordStore struct {
	pool  querier
	idGen pipeline.IDGenerator
	clock pipeline.Clock
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig, idGen pipeline.IDGenerator, clock pipeline.Clock) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: pool, idGen: idGen, clock: clock}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool querier, idGen pipeline.IDGenerator, clock pipeline.Clock) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool, idGen: idGen, clock: clock}, nil
}

// Ping verifies database connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreatePage registers a URL with status pending.
func (s *RecordStore) CreatePage(ctx context.Context, url string) (pipeline.PageRecord, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return pipeline.PageRecord{}, fmt.Errorf("generate page id: %w", err)
	}
	now := s.clock.Now()
	page := pipeline.PageRecord{
		ID:        id,
		URL:       url,
		Status:    pipeline.PageStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	const query = `INSERT INTO pages (id, url, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, page.ID, page.URL, string(page.Status), page.CreatedAt, page.UpdatedAt); err != nil {
		return pipeline.PageRecord{}, fmt.Errorf("insert page: %w", err)
	}
	return page, nil
}

// GetPage returns a page by ID.
func (s *RecordStore) GetPage(ctx context.Context, id string) (pipeline.PageRecord, error) {
	const query = `SELECT id, url, status, created_at, updated_at FROM pages WHERE id = $1`
	var page pipeline.PageRecord
	var status string
	err := s.pool.QueryRow(ctx, query, id).Scan(&page.ID, &page.URL, &status, &page.CreatedAt, &page.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.PageRecord{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.PageRecord{}, fmt.Errorf("select page: %w", err)
	}
	page.Status = pipeline.PageStatus(status)
	return page, nil
}

// ClaimPending selects every pending page and flips it to processing in one
// statement, so a concurrent claim cannot re-select the same rows.
func (s *RecordStore) ClaimPending(ctx context.Context) ([]pipeline.PageRecord, error) {
	const query = `
UPDATE pages SET status = $1, updated_at = $2
WHERE id IN (
	SELECT id FROM pages WHERE status = $3 FOR UPDATE SKIP LOCKED
)
RETURNING id, url, status, created_at, updated_at`
	rows, err := s.pool.Query(ctx, query,
		string(pipeline.PageStatusProcessing),
		s.clock.Now(),
		string(pipeline.PageStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending pages: %w", err)
	}
	defer rows.Close()

	var pages []pipeline.PageRecord
	for rows.Next() {
		var page pipeline.PageRecord
		var status string
		if err := rows.Scan(&page.ID, &page.URL, &status, &page.CreatedAt, &page.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed page: %w", err)
		}
		page.Status = pipeline.PageStatus(status)
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed pages: %w", err)
	}

	// RETURNING order is unspecified; restore submission order.
	sort.Slice(pages, func(i, j int) bool {
		if !pages[i].CreatedAt.Equal(pages[j].CreatedAt) {
			return pages[i].CreatedAt.Before(pages[j].CreatedAt)
		}
		return pages[i].ID < pages[j].ID
	})
	return pages, nil
}

// UpdatePageStatus sets the status of a page.
func (s *RecordStore) UpdatePageStatus(ctx context.Context, id string, status pipeline.PageStatus) error {
	const query = `UPDATE pages SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), s.clock.Now())
	if err != nil {
		return fmt.Errorf("update page status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// RequeuePage flips a failed page back to pending.
func (s *RecordStore) RequeuePage(ctx context.Context, id string) error {
	const query = `UPDATE pages SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`
	tag, err := s.pool.Exec(ctx, query, id,
		string(pipeline.PageStatusPending),
		s.clock.Now(),
		string(pipeline.PageStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("requeue page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetPage(ctx, id); getErr != nil {
			return getErr
		}
		return pipeline.ErrConflict
	}
	return nil
}

// InsertAsset records one discovered reference. Each call commits on its own
// so later stages can use the ID without waiting for the page to finish.
func (s *RecordStore) InsertAsset(ctx context.Context, pageID, url string, typ pipeline.AssetType) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate asset id: %w", err)
	}
	const query = `INSERT INTO assets (id, page_id, url, asset_type, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query, id, pageID, url, string(typ),
		string(pipeline.AssetStatusPending), s.clock.Now()); err != nil {
		return "", fmt.Errorf("insert asset: %w", err)
	}
	return id, nil
}

// UpdateAssetStatus advances the asset state machine.
func (s *RecordStore) UpdateAssetStatus(ctx context.Context, id string, status pipeline.AssetStatus) error {
	const query = `UPDATE assets SET status = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("update asset status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// InsertOCRResult appends one recognized-text row for an asset.
func (s *RecordStore) InsertOCRResult(ctx context.Context, assetID, text string, confidence float64) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate result id: %w", err)
	}
	const query = `INSERT INTO ocr_results (id, asset_id, text_content, confidence, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, id, assetID, text, confidence, s.clock.Now()); err != nil {
		return "", fmt.Errorf("insert ocr result: %w", err)
	}
	return id, nil
}

// ListAssetsByPage returns a page's assets in discovery order.
func (s *RecordStore) ListAssetsByPage(ctx context.Context, pageID string) ([]pipeline.Asset, error) {
	const query = `SELECT id, page_id, url, asset_type, status, created_at FROM assets WHERE page_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, pageID)
	if err != nil {
		return nil, fmt.Errorf("select assets: %w", err)
	}
	defer rows.Close()

	var assets []pipeline.Asset
	for rows.Next() {
		var asset pipeline.Asset
		var typ, status string
		if err := rows.Scan(&asset.ID, &asset.PageID, &asset.URL, &typ, &status, &asset.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		asset.Type = pipeline.AssetType(typ)
		asset.Status = pipeline.AssetStatus(status)
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return assets, nil
}

// ListResultsByAsset returns OCR results ordered by completion time.
func (s *RecordStore) ListResultsByAsset(ctx context.Context, assetID string) ([]pipeline.OCRResult, error) {
	const query = `SELECT id, asset_id, text_content, confidence, created_at FROM ocr_results WHERE asset_id = $1 ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, assetID)
	if err != nil {
		return nil, fmt.Errorf("select ocr results: %w", err)
	}
	defer rows.Close()

	var results []pipeline.OCRResult
	for rows.Next() {
		var result pipeline.OCRResult
		if err := rows.Scan(&result.ID, &result.AssetID, &result.Text, &result.Confidence, &result.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ocr result: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ocr results: %w", err)
	}
	return results, nil
}

// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for asset documents.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Asset documents, one row per uploaded file
		CREATE TABLE IF NOT EXISTS media_assets (
		    id TEXT NOT NULL,                        -- ULID document identifier
		    collection TEXT NOT NULL,                -- Owning collection slug
		    filename TEXT NOT NULL,                  -- Original filename
		    mime_type TEXT NOT NULL DEFAULT '',      -- MIME type reported by the uploader
		    public_id TEXT NOT NULL,                 -- Remote public identifier
		    url TEXT NOT NULL,                       -- Secure delivery URL
		    thumbnail_url TEXT NOT NULL DEFAULT '',  -- Admin thumbnail URL
		    resource_type TEXT NOT NULL,             -- image, video, raw
		    format TEXT NOT NULL DEFAULT '',         -- Remote file extension
		    version BIGINT NOT NULL DEFAULT 0,       -- Remote version stamp
		    filesize BIGINT NOT NULL DEFAULT 0,      -- Bytes stored remotely
		    width INTEGER NOT NULL DEFAULT 0,
		    height INTEGER NOT NULL DEFAULT 0,
		    folder TEXT NOT NULL DEFAULT '',         -- Remote folder
		    is_private BOOLEAN NOT NULL DEFAULT FALSE,
		    requires_signed_url BOOLEAN NOT NULL DEFAULT FALSE,
		    transformation_preset TEXT NOT NULL DEFAULT '',
		    fields JSONB NOT NULL DEFAULT '{}',      -- Free-form document fields
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (collection, id)
		);

		CREATE INDEX IF NOT EXISTS idx_media_assets_collection_created_at ON media_assets(collection, created_at DESC, id);
		CREATE INDEX IF NOT EXISTS idx_media_assets_public_id ON media_assets(public_id);

		-- Idempotency table for storing idempotency keys
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT,                           -- Hash of the idempotency key
		    request_hash TEXT NOT NULL,              -- Hash of the request payload for conflict detection
		    response_body BYTEA NOT NULL,            -- Cached response body
		    response_status INTEGER NOT NULL,        -- HTTP status code
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    PRIMARY KEY (key_hash, request_hash)
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

const assetColumns = `id, collection, filename, mime_type, public_id, url, thumbnail_url, resource_type,
	format, version, filesize, width, height, folder, is_private, requires_signed_url,
	transformation_preset, fields, created_at, updated_at`

// scanAsset reads one row selected with assetColumns.
func scanAsset(row pgx.Row) (*model.Asset, error) {
	var asset model.Asset
	var fieldsJSON []byte
	err := row.Scan(
		&asset.ID,
		&asset.Collection,
		&asset.Filename,
		&asset.MimeType,
		&asset.PublicID,
		&asset.URL,
		&asset.ThumbnailURL,
		&asset.ResourceType,
		&asset.Format,
		&asset.Version,
		&asset.Filesize,
		&asset.Width,
		&asset.Height,
		&asset.Folder,
		&asset.IsPrivate,
		&asset.RequiresSignedURL,
		&asset.TransformationPreset,
		&fieldsJSON,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &asset.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal asset fields: %w", err)
		}
	}
	return &asset, nil
}

func marshalFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal asset fields: %w", err)
	}
	return b, nil
}

// CreateAsset creates a new asset document in the database
func (p *postgres) CreateAsset(ctx context.Context, asset model.Asset) error {
	fieldsJSON, err := marshalFields(asset.Fields)
	if err != nil {
		return err
	}

	query := `INSERT INTO media_assets (` + assetColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = p.db.Exec(ctx, query,
		asset.ID,
		asset.Collection,
		asset.Filename,
		asset.MimeType,
		asset.PublicID,
		asset.URL,
		asset.ThumbnailURL,
		asset.ResourceType,
		asset.Format,
		asset.Version,
		asset.Filesize,
		asset.Width,
		asset.Height,
		asset.Folder,
		asset.IsPrivate,
		asset.RequiresSignedURL,
		asset.TransformationPreset,
		fieldsJSON,
		asset.CreatedAt,
		asset.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

// GetAsset retrieves an asset document by collection and id
func (p *postgres) GetAsset(ctx context.Context, collection, id string) (*model.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_assets WHERE collection = $1 AND id = $2`

	asset, err := scanAsset(p.db.QueryRow(ctx, query, collection, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

// FindAssets retrieves the documents that exist among ids, preserving ids order
func (p *postgres) FindAssets(ctx context.Context, collection string, ids []string) ([]model.Asset, error) {
	if len(ids) == 0 {
		return []model.Asset{}, nil
	}
	query := `SELECT ` + assetColumns + ` FROM media_assets WHERE collection = $1 AND id = ANY($2)`

	rows, err := p.db.Query(ctx, query, collection, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find assets: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Asset, len(ids))
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		byID[asset.ID] = *asset
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to find assets: %w", err)
	}

	out := make([]model.Asset, 0, len(byID))
	for _, id := range ids {
		if asset, ok := byID[id]; ok {
			out = append(out, asset)
		}
	}
	return out, nil
}

// cursorData represents the data encoded in a pagination cursor
type cursorData struct {
	LastCreatedAt time.Time // Creation time of the last document
	LastID        string    // ID of the last document
}

// encodeCursor encodes cursor data into a base64 string
func encodeCursor(lastCreatedAt time.Time, lastID string) string {
	b, _ := json.Marshal(cursorData{LastCreatedAt: lastCreatedAt, LastID: lastID})
	return base64.URLEncoding.EncodeToString(b)
}

// decodeCursor decodes a base64 cursor string into cursor data
func decodeCursor(cursor string) (*cursorData, error) {
	b, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var data cursorData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, ErrInvalidCursor
	}
	return &data, nil
}

// ListAssets pages through a collection, newest first
func (p *postgres) ListAssets(ctx context.Context, query model.ListAssetsQuery) (*model.ListAssetsResult, error) {
	limit := clampLimit(query.Limit)

	sql := `SELECT ` + assetColumns + ` FROM media_assets WHERE collection = $1`
	args := []any{query.Collection}

	if query.Folder != "" {
		args = append(args, query.Folder)
		sql += fmt.Sprintf(" AND folder = $%d", len(args))
	}
	if query.Cursor != "" {
		cursor, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		args = append(args, cursor.LastCreatedAt, cursor.LastID)
		sql += fmt.Sprintf(" AND (created_at < $%d OR (created_at = $%d AND id > $%d))", len(args)-1, len(args)-1, len(args))
	}
	// Fetch one extra row to know whether another page exists
	args = append(args, limit+1)
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets := make([]model.Asset, 0, limit)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	result := &model.ListAssetsResult{Assets: assets}
	if len(assets) > limit {
		result.Assets = assets[:limit]
		last := result.Assets[limit-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

// UpdateAsset replaces an existing asset document
func (p *postgres) UpdateAsset(ctx context.Context, asset model.Asset) error {
	fieldsJSON, err := marshalFields(asset.Fields)
	if err != nil {
		return err
	}

	query := `UPDATE media_assets SET filename = $3, mime_type = $4, public_id = $5, url = $6,
	          thumbnail_url = $7, resource_type = $8, format = $9, version = $10, filesize = $11,
	          width = $12, height = $13, folder = $14, is_private = $15, requires_signed_url = $16,
	          transformation_preset = $17, fields = $18, updated_at = $19
	          WHERE collection = $1 AND id = $2`

	result, err := p.db.Exec(ctx, query,
		asset.Collection,
		asset.ID,
		asset.Filename,
		asset.MimeType,
		asset.PublicID,
		asset.URL,
		asset.ThumbnailURL,
		asset.ResourceType,
		asset.Format,
		asset.Version,
		asset.Filesize,
		asset.Width,
		asset.Height,
		asset.Folder,
		asset.IsPrivate,
		asset.RequiresSignedURL,
		asset.TransformationPreset,
		fieldsJSON,
		asset.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAsset removes an asset document
func (p *postgres) DeleteAsset(ctx context.Context, collection, id string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM media_assets WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StoreIdempotentResponse stores an idempotent response in the database
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	// An unexpired entry with the same key but a different payload is a conflict
	var existingRequestHash string
	query := `SELECT request_hash FROM idempotency WHERE key_hash = $1 AND request_hash != $2 AND expires_at > $3 LIMIT 1`

	err := p.db.QueryRow(ctx, query, keyHash, requestHash, time.Now().UTC()).Scan(&existingRequestHash)
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check for idempotency conflicts: %w", err)
	}

	query = `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (key_hash, request_hash) DO UPDATE
	          SET response_body = $3, response_status = $4, created_at = $5, expires_at = $6`

	_, err = p.db.Exec(ctx, query, keyHash, requestHash, responseBody, statusCode, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	query := `SELECT response_body, response_status FROM idempotency
	          WHERE key_hash = $1 AND expires_at > $2 ORDER BY created_at DESC LIMIT 1`

	var responseBody []byte
	var statusCode int

	err := p.db.QueryRow(ctx, query, keyHash, time.Now().UTC()).Scan(&responseBody, &statusCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	return responseBody, statusCode, nil
}

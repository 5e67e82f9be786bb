// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a document is not found
	ErrConflict = errors.New("conflict")  // Returned when a document already exists

	ErrInvalidCursor = errors.New("invalid cursor") // Returned when a list cursor cannot be decoded
)

// Default limits for list operations
const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

// Store interface defines the document operations the media service needs.
// It plays the part of the host CMS: every asset document lives here.
type Store interface {
	// Asset document operations
	CreateAsset(ctx context.Context, asset model.Asset) error
	GetAsset(ctx context.Context, collection, id string) (*model.Asset, error)
	// FindAssets returns the documents that exist among ids, in ids order
	FindAssets(ctx context.Context, collection string, ids []string) ([]model.Asset, error)
	ListAssets(ctx context.Context, query model.ListAssetsQuery) (*model.ListAssetsResult, error)
	UpdateAsset(ctx context.Context, asset model.Asset) error
	DeleteAsset(ctx context.Context, collection, id string) error

	// Idempotency operations
	StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error
	GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	RequestHash  string    // Hash of the request that produced the response
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu          sync.RWMutex                   // Protects concurrent access to maps
	assets      map[string]*model.Asset        // Map of collection/id to document
	idempotency map[string]*IdempotentResponse // Map of key hash to idempotent responses
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		assets:      make(map[string]*model.Asset),
		idempotency: make(map[string]*IdempotentResponse),
	}
}

func assetKey(collection, id string) string {
	return collection + "/" + id
}

// copyAsset detaches the free-form fields so callers cannot mutate stored state.
func copyAsset(a *model.Asset) model.Asset {
	out := *a
	if a.Fields != nil {
		out.Fields = maps.Clone(a.Fields)
	}
	return out
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) CreateAsset(ctx context.Context, asset model.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assetKey(asset.Collection, asset.ID)
	if _, exists := m.assets[key]; exists {
		return ErrConflict
	}
	stored := copyAsset(&asset)
	m.assets[key] = &stored
	return nil
}

func (m *memory) GetAsset(ctx context.Context, collection, id string) (*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	asset, exists := m.assets[assetKey(collection, id)]
	if !exists {
		return nil, ErrNotFound
	}
	out := copyAsset(asset)
	return &out, nil
}

func (m *memory) FindAssets(ctx context.Context, collection string, ids []string) ([]model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Asset, 0, len(ids))
	for _, id := range ids {
		if asset, exists := m.assets[assetKey(collection, id)]; exists {
			out = append(out, copyAsset(asset))
		}
	}
	return out, nil
}

// encodeMemoryCursor encodes cursor data into a base64 string for memory storage
func encodeMemoryCursor(lastCreatedAt time.Time, lastID string) string {
	data := map[string]interface{}{
		"lastCreatedAt": lastCreatedAt.UnixNano(),
		"lastId":        lastID,
	}
	jsonBytes, _ := json.Marshal(data)
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeMemoryCursor decodes a base64 cursor string into cursor data for memory storage
func decodeMemoryCursor(cursor string) (time.Time, string, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}

	var data struct {
		LastCreatedAt int64  `json:"lastCreatedAt"`
		LastID        string `json:"lastId"`
	}
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, data.LastCreatedAt), data.LastID, nil
}

func (m *memory) ListAssets(ctx context.Context, query model.ListAssetsQuery) (*model.ListAssetsResult, error) {
	var afterCreated time.Time
	var afterID string
	if query.Cursor != "" {
		var err error
		afterCreated, afterID, err = decodeMemoryCursor(query.Cursor)
		if err != nil {
			return nil, ErrInvalidCursor
		}
	}

	m.mu.RLock()
	filtered := make([]*model.Asset, 0)
	for _, asset := range m.assets {
		if asset.Collection != query.Collection {
			continue
		}
		if query.Folder != "" && asset.Folder != query.Folder {
			continue
		}
		filtered = append(filtered, asset)
	}
	m.mu.RUnlock()

	// Sort by createdAt descending, then by ID ascending for stable ordering
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	// Skip everything up to and including the cursor position
	startIndex := 0
	if query.Cursor != "" {
		startIndex = len(filtered)
		for i, asset := range filtered {
			if asset.CreatedAt.Before(afterCreated) ||
				(asset.CreatedAt.Equal(afterCreated) && asset.ID > afterID) {
				startIndex = i
				break
			}
		}
	}

	limit := clampLimit(query.Limit)
	endIndex := min(startIndex+limit, len(filtered))

	page := make([]model.Asset, 0, endIndex-startIndex)
	for _, asset := range filtered[startIndex:endIndex] {
		page = append(page, copyAsset(asset))
	}

	result := &model.ListAssetsResult{Assets: page}
	if endIndex < len(filtered) && len(page) > 0 {
		last := page[len(page)-1]
		result.NextCursor = encodeMemoryCursor(last.CreatedAt, last.ID)
	}
	return result, nil
}

func (m *memory) UpdateAsset(ctx context.Context, asset model.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assetKey(asset.Collection, asset.ID)
	if _, exists := m.assets[key]; !exists {
		return ErrNotFound
	}
	stored := copyAsset(&asset)
	m.assets[key] = &stored
	return nil
}

func (m *memory) DeleteAsset(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assetKey(collection, id)
	if _, exists := m.assets[key]; !exists {
		return ErrNotFound
	}
	delete(m.assets, key)
	return nil
}

// StoreIdempotentResponse stores an idempotent response in memory. A live
// entry for the same key but a different request is a conflict.
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.idempotency[keyHash]; ok && existing.RequestHash != requestHash && time.Now().UTC().Before(existing.ExpiresAt) {
		return ErrConflict
	}

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		RequestHash:  requestHash,
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, 0, ErrNotFound
	}

	// Check if the response has expired
	if time.Now().UTC().After(response.ExpiresAt) {
		delete(m.idempotency, keyHash)
		return nil, 0, ErrNotFound
	}

	responseCopy := make([]byte, len(response.ResponseBody))
	copy(responseCopy, response.ResponseBody)

	return responseCopy, response.StatusCode, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

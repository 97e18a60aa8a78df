// Package cache materializes aggregation results. Each distinct query is
// fingerprinted; the serialized result lives as a compressed blob in the
// object store while a database row indexes it by fingerprint and status.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"studybroker/internal/model"
	"studybroker/internal/objstore"
	"studybroker/internal/store"
)

// Result is the payload a cache blob holds: channel name to reshaped output.
type Result map[string]any

// Rows is the database index over cache blobs.
type Rows interface {
	InsertCacheEntry(ctx context.Context, entry *model.CacheEntry) error
	LatestCacheEntry(ctx context.Context, studyID, keyHash string) (*model.CacheEntry, error)
	MarkStudyCacheOutdated(ctx context.Context, studyID string) (int64, error)
}

// Service serves and stores materialized aggregation results.
type Service struct {
	rows    Rows
	objects objstore.ObjectStore
}

func New(rows Rows, objects objstore.ObjectStore) *Service {
	return &Service{rows: rows, objects: objects}
}

// Fingerprint hashes a query-key document into a stable hex digest. Map keys
// are sorted during JSON encoding, so equal documents always collide.
func Fingerprint(keys map[string]any) (string, error) {
	canonical, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode cache keys: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Fetch returns the cached result for the given query keys, computing and
// storing it on miss. forceUpdate recomputes and appends a fresh entry even
// when a usable one exists; older rows and blobs are kept.
func (s *Service) Fetch(ctx context.Context, studyID string, keys map[string]any, forceUpdate bool, compute func(context.Context) (Result, error)) (Result, error) {
	hash, err := Fingerprint(keys)
	if err != nil {
		return nil, err
	}

	if !forceUpdate {
		entry, err := s.rows.LatestCacheEntry(ctx, studyID, hash)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if entry != nil && entry.Status == model.CacheInUse {
			result, err := s.load(ctx, entry.URI)
			if err == nil {
				return result, nil
			}
			if !errors.Is(err, objstore.ErrObjectNotFound) {
				return nil, err
			}
			// Blob vanished under the index row; fall through and recompute.
		}
	}

	result, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.storeResult(ctx, studyID, hash, keys, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Invalidate flips every in-use cache row of a study to OUTDATED. Called
// when the data under the cached results moves.
func (s *Service) Invalidate(ctx context.Context, studyID string) error {
	_, err := s.rows.MarkStudyCacheOutdated(ctx, studyID)
	return err
}

func (s *Service) storeResult(ctx context.Context, studyID, hash string, keys map[string]any, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	compressed := snappy.Encode(nil, payload)

	uri := fmt.Sprintf("cache/%s/%s-%s.snappy", studyID, hash, uuid.NewString())
	if err := s.objects.Put(ctx, uri, compressed); err != nil {
		return err
	}

	entry := &model.CacheEntry{
		ID:      uuid.NewString(),
		StudyID: studyID,
		KeyHash: hash,
		URI:     uri,
		Status:  model.CacheInUse,
		Keys:    keys,
		Life:    model.NewLife("system"),
	}
	return s.rows.InsertCacheEntry(ctx, entry)
}

func (s *Service) load(ctx context.Context, uri string) (Result, error) {
	compressed, err := s.objects.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress cache payload: %w", err)
	}
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode cache payload: %w", err)
	}
	return result, nil
}

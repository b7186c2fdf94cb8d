package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voiceorder/internal/cache"
)

func (s *Store) GetEntry(ctx context.Context, hash string) (*cache.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT audio_hash, transcription, items, confidence, created_at, last_used, use_count, metadata
		FROM transcription_cache
		WHERE audio_hash = ?`), hash)

	var (
		e        cache.Entry
		items    string
		metadata string
	)
	err := row.Scan(&e.AudioHash, &e.Transcription, &items, &e.Confidence, &e.CreatedAt, &e.LastUsed, &e.UseCount, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &e.Items); err != nil {
		return nil, fmt.Errorf("decode cache items: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.LastUsed = e.LastUsed.UTC()
	return &e, nil
}

// UpsertEntry inserts the entry unless the hash is already stored. Existing
// content is never overwritten.
func (s *Store) UpsertEntry(ctx context.Context, e cache.Entry) error {
	items := e.Items
	if items == nil {
		items = []string{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO transcription_cache
			(audio_hash, transcription, items, confidence, created_at, last_used, use_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (audio_hash) DO NOTHING`),
		e.AudioHash, e.Transcription, string(itemsJSON), e.Confidence,
		e.CreatedAt.UTC(), e.LastUsed.UTC(), e.UseCount, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *Store) TouchEntry(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE transcription_cache
		SET last_used = ?, use_count = use_count + 1
		WHERE audio_hash = ?`), at.UTC(), hash)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

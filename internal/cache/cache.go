package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/semaphore"

	"voiceorder/internal/apperr"
	"voiceorder/internal/fingerprint"
)

const (
	SchemaVersion = 1
	// MinConfidence is the floor below which results are never cached.
	MinConfidence = 0.7

	DefaultMaxEntries         = 1000
	DefaultWriteQueue         = 256
	DefaultSimilarScan        = 50
	DefaultSimilarConcurrency = 4

	storeWriteTimeout = 5 * time.Second
)

type Tier string

const (
	TierMemory     Tier = "memory"
	TierPersistent Tier = "persistent"
	TierSimilar    Tier = "similar"
)

type EntryMetadata struct {
	SchemaVersion   int     `json:"schema_version"`
	OriginalSize    int     `json:"original_size"`
	OptimizedSize   int     `json:"optimized_size"`
	Format          string  `json:"format"`
	DurationSeconds float64 `json:"duration_seconds"`
	HeadDigest      string  `json:"head_digest"`
	TailDigest      string  `json:"tail_digest,omitempty"`
	Model           string  `json:"model,omitempty"`
}

type Entry struct {
	AudioHash     string
	Transcription string
	Items         []string
	Confidence    float64
	CreatedAt     time.Time
	LastUsed      time.Time
	UseCount      int64
	Metadata      EntryMetadata
}

// Store is the persistent tier. GetEntry returns (nil, nil) when the hash is
// unknown. UpsertEntry must not overwrite the content of an existing row.
type Store interface {
	GetEntry(ctx context.Context, hash string) (*Entry, error)
	UpsertEntry(ctx context.Context, entry Entry) error
	TouchEntry(ctx context.Context, hash string, at time.Time) error
}

type Observer interface {
	ObserveCacheLookup(result string)
	ObserveCacheWrite(outcome string)
}

type Config struct {
	MaxEntries         int
	MinConfidence      float64
	WriteQueue         int
	SimilarScan        int
	SimilarConcurrency int64
	Similarity         SimilarityStrategy
}

type writeKind int

const (
	writeUpsert writeKind = iota
	writeTouch
)

type writeJob struct {
	kind  writeKind
	entry Entry
	hash  string
	at    time.Time
}

type Cache struct {
	cfg      Config
	store    Store
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu  sync.Mutex
	lru *simplelru.LRU[string, Entry]

	similar *semaphore.Weighted

	writeMu sync.RWMutex
	closed  bool
	writes  chan writeJob
	stopped chan struct{}
}

type Option func(*Cache)

func WithObserver(observer Observer) Option {
	return func(c *Cache) {
		c.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New builds the two-tier cache. store may be nil for a memory-only cache.
func New(cfg Config, store Store, logger *slog.Logger, opts ...Option) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MinConfidence < MinConfidence {
		cfg.MinConfidence = MinConfidence
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = DefaultWriteQueue
	}
	if cfg.SimilarScan <= 0 {
		cfg.SimilarScan = DefaultSimilarScan
	}
	if cfg.SimilarConcurrency <= 0 {
		cfg.SimilarConcurrency = DefaultSimilarConcurrency
	}
	if cfg.Similarity == nil {
		cfg.Similarity = EdgesAndSize(0.05)
	}
	if logger == nil {
		logger = slog.Default()
	}

	lru, err := simplelru.NewLRU[string, Entry](cfg.MaxEntries, nil)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("component", "cache"),
		now:     time.Now,
		lru:     lru,
		similar: semaphore.NewWeighted(cfg.SimilarConcurrency),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if store != nil {
		c.writes = make(chan writeJob, cfg.WriteQueue)
		go c.writeLoop()
	} else {
		close(c.stopped)
	}
	return c, nil
}

// Get looks the hash up in memory, then in the persistent tier. Persistent
// hits are promoted into memory. Store failures count as misses.
func (c *Cache) Get(ctx context.Context, hash, userID string) (Entry, Tier, bool) {
	now := c.now().UTC()

	c.mu.Lock()
	entry, ok := c.lru.Get(hash)
	if ok {
		entry = bump(entry, now)
		c.lru.Add(hash, entry)
	}
	c.mu.Unlock()
	if ok {
		c.enqueue(writeJob{kind: writeTouch, hash: hash, at: now})
		c.observeLookup("memory_hit")
		return cloneEntry(entry), TierMemory, true
	}

	if c.store == nil {
		c.observeLookup("miss")
		return Entry{}, "", false
	}

	stored, err := c.store.GetEntry(ctx, hash)
	if err != nil {
		c.logger.Warn("persistent cache read failed", "audio_hash", hash, "user_id", userID, "error", err)
		c.observeLookup("error")
		return Entry{}, "", false
	}
	if stored == nil {
		c.observeLookup("miss")
		return Entry{}, "", false
	}

	entry = bump(*stored, now)
	c.mu.Lock()
	c.lru.Add(hash, entry)
	c.mu.Unlock()
	c.enqueue(writeJob{kind: writeTouch, hash: hash, at: now})
	c.observeLookup("persistent_hit")
	return cloneEntry(entry), TierPersistent, true
}

// FindSimilar scans the most recently used memory entries for one the
// similarity strategy accepts. It returns immediately when too many scans
// are already running.
func (c *Cache) FindSimilar(ctx context.Context, hash string, audio []byte) (Entry, bool) {
	if !c.similar.TryAcquire(1) {
		c.observeLookup("similar_skipped")
		return Entry{}, false
	}
	defer c.similar.Release(1)

	probe := Probe{Hash: hash, Head: fingerprint.Head(audio), Tail: fingerprint.Tail(audio), Size: len(audio)}

	c.mu.Lock()
	keys := c.lru.Keys()
	candidates := make([]Entry, 0, min(len(keys), c.cfg.SimilarScan))
	for i := len(keys) - 1; i >= 0 && len(candidates) < c.cfg.SimilarScan; i-- {
		if e, ok := c.lru.Peek(keys[i]); ok {
			candidates = append(candidates, e)
		}
	}
	c.mu.Unlock()

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return Entry{}, false
		}
		if cand.AudioHash == hash {
			continue
		}
		if !c.cfg.Similarity.Match(probe, cand) {
			continue
		}

		now := c.now().UTC()
		c.mu.Lock()
		if current, ok := c.lru.Get(cand.AudioHash); ok {
			cand = bump(current, now)
			c.lru.Add(cand.AudioHash, cand)
		}
		c.mu.Unlock()
		c.enqueue(writeJob{kind: writeTouch, hash: cand.AudioHash, at: now})
		c.observeLookup("similar_hit")
		return cloneEntry(cand), true
	}
	c.observeLookup("similar_miss")
	return Entry{}, false
}

// Set stores a result. Entries below the confidence floor are ignored and
// Set reports false. The persistent write happens in the background.
func (c *Cache) Set(ctx context.Context, entry Entry) bool {
	if entry.AudioHash == "" || entry.Confidence < c.cfg.MinConfidence {
		return false
	}

	now := c.now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.LastUsed = now
	entry.Metadata.SchemaVersion = SchemaVersion
	entry = cloneEntry(entry)

	c.mu.Lock()
	c.lru.Add(entry.AudioHash, entry)
	c.mu.Unlock()

	c.enqueue(writeJob{kind: writeUpsert, entry: entry})
	return true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Close stops accepting persistent writes and waits for queued ones.
func (c *Cache) Close(ctx context.Context) error {
	c.writeMu.Lock()
	if !c.closed {
		c.closed = true
		if c.writes != nil {
			close(c.writes)
		}
	}
	c.writeMu.Unlock()

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) enqueue(job writeJob) {
	if c.store == nil {
		return
	}
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.writes <- job:
	default:
		c.logger.Warn("cache write queue full, dropping write", "audio_hash", job.key(), "code", apperr.CodeCacheWriteFailed)
		c.observeWrite("dropped")
	}
}

func (c *Cache) writeLoop() {
	defer close(c.stopped)
	for job := range c.writes {
		c.apply(job)
	}
}

func (c *Cache) apply(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	var err error
	switch job.kind {
	case writeUpsert:
		err = c.store.UpsertEntry(ctx, job.entry)
	case writeTouch:
		err = c.store.TouchEntry(ctx, job.hash, job.at)
	default:
		err = errors.New("unknown cache write")
	}
	if err != nil {
		c.logger.Warn("persistent cache write failed", "audio_hash", job.key(), "code", apperr.CodeCacheWriteFailed, "error", err)
		c.observeWrite("error")
		return
	}
	c.observeWrite("ok")
}

func (j writeJob) key() string {
	if j.kind == writeUpsert {
		return j.entry.AudioHash
	}
	return j.hash
}

func (c *Cache) observeLookup(result string) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(result)
	}
}

func (c *Cache) observeWrite(outcome string) {
	if c.observer != nil {
		c.observer.ObserveCacheWrite(outcome)
	}
}

func bump(e Entry, at time.Time) Entry {
	e.LastUsed = at
	e.UseCount++
	return e
}

func cloneEntry(e Entry) Entry {
	if e.Items != nil {
		e.Items = append([]string(nil), e.Items...)
	}
	return e
}

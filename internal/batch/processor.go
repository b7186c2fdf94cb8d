package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultSize          = 10
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxRetries    = 3
)

var ErrClosed = errors.New("batch: processor closed")

// WriteFunc performs one bulk write. It must be safe to call again with the
// same items after a failure.
type WriteFunc[T any] func(ctx context.Context, items []T) error

type Observer interface {
	ObserveBatchFlush(outcome string, items int)
}

type Config struct {
	Size          int
	FlushInterval time.Duration
	// MaxRetries bounds how many failed flushes an item survives before it is dropped.
	MaxRetries int
	Name       string
}

type queued[T any] struct {
	item     T
	failures int
}

// Processor coalesces items into bounded bulk writes. Flush is serialized and
// idempotent; a failed write requeues its items at the front of the queue.
type Processor[T any] struct {
	cfg      Config
	write    WriteFunc[T]
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	pending  []queued[T]
	inflight []queued[T]
	closed   bool

	// commitMu is held for writing while a chunk is written and removed from
	// inflight, so readers never see a chunk both committed and pending.
	commitMu sync.RWMutex

	flushMu sync.Mutex
	running atomic.Bool
	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type Option[T any] func(*Processor[T])

func WithObserver[T any](observer Observer) Option[T] {
	return func(p *Processor[T]) {
		p.observer = observer
	}
}

func New[T any](cfg Config, write WriteFunc[T], logger *slog.Logger, opts ...Option[T]) *Processor[T] {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Name == "" {
		cfg.Name = "batch"
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor[T]{
		cfg:     cfg,
		write:   write,
		logger:  logger.With("component", "batch.Processor", "batch", cfg.Name),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Add queues an item and wakes the flush loop once a full batch is pending.
func (p *Processor[T]) Add(item T) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending = append(p.pending, queued[T]{item: item})
	full := len(p.pending) >= p.cfg.Size
	p.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns a snapshot of the items not yet known to be written,
// including those of a flush in progress.
func (p *Processor[T]) Pending() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, 0, len(p.inflight)+len(p.pending))
	for _, q := range p.inflight {
		out = append(out, q.item)
	}
	for _, q := range p.pending {
		out = append(out, q.item)
	}
	return out
}

func (p *Processor[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush writes everything pending in chunks of at most Size items. On a failed
// chunk, it and everything after it stay queued for the next flush.
func (p *Processor[T]) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	work := p.pending
	p.pending = nil
	p.inflight = work
	p.mu.Unlock()

	for len(work) > 0 {
		n := min(len(work), p.cfg.Size)
		chunk := work[:n]

		items := make([]T, n)
		for i, q := range chunk {
			items[i] = q.item
		}

		p.commitMu.Lock()
		if err := p.write(ctx, items); err != nil {
			p.requeue(work, err)
			p.commitMu.Unlock()
			return err
		}
		work = work[n:]
		p.mu.Lock()
		p.inflight = work
		p.mu.Unlock()
		p.commitMu.Unlock()

		p.observe("ok", n)
	}
	return nil
}

// ReadConsistent calls fn with the pending items while no chunk is being
// committed. A read of the written store inside fn sees each item exactly
// once, either there or in pending.
func (p *Processor[T]) ReadConsistent(fn func(pending []T) error) error {
	p.commitMu.RLock()
	defer p.commitMu.RUnlock()
	return fn(p.Pending())
}

// requeue charges a failure to every item the flush held, so a backlog built
// up during an outage drains within MaxRetries+1 failed flushes.
func (p *Processor[T]) requeue(held []queued[T], err error) {
	kept := make([]queued[T], 0, len(held))
	dropped := 0
	for _, q := range held {
		q.failures++
		if q.failures > p.cfg.MaxRetries {
			dropped++
			continue
		}
		kept = append(kept, q)
	}

	p.mu.Lock()
	p.pending = append(kept, p.pending...)
	p.inflight = nil
	p.mu.Unlock()

	p.observe("error", len(held))
	if dropped > 0 {
		p.observe("dropped", dropped)
		p.logger.Error("batch write failed, dropping records after max retries",
			"dropped", dropped,
			"requeued", len(kept),
			"max_retries", p.cfg.MaxRetries,
			"error", err,
		)
		return
	}
	p.logger.Warn("batch write failed, records requeued", "requeued", len(kept), "error", err)
}

// Run flushes on every interval tick and whenever a full batch is pending,
// until Close is called or ctx is done.
func (p *Processor[T]) Run(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.loop(ctx)
}

// Start launches the flush loop in a goroutine.
func (p *Processor[T]) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx)
}

func (p *Processor[T]) loop(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if err := p.Flush(ctx); err != nil {
			p.logger.Debug("periodic flush failed", "error", err)
		}
	}
}

// Close stops accepting items, stops the loop if it is running, and makes a
// final flush attempt.
func (p *Processor[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.once.Do(func() { close(p.done) })
	if p.running.Load() {
		select {
		case <-p.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.Flush(ctx)
}

func (p *Processor[T]) observe(outcome string, items int) {
	if p.observer != nil {
		p.observer.ObserveBatchFlush(outcome, items)
	}
}

// Package cache persists synthesized audio keyed by request fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	// ErrStorage wraps failures reported by the underlying engine.
	ErrStorage = errors.New("cache storage failure")
	// ErrClosed is returned once the actor has been asked to exit.
	ErrClosed = errors.New("cache store closed")
	// ErrShutdownTimeout is returned when the worker does not finish within the shutdown bound.
	ErrShutdownTimeout = errors.New("cache store did not exit in time")

	errStillRunning = errors.New("cache worker still running")
)

// Lookup classifies a probe result.
type Lookup int

const (
	// Miss means the key was never written.
	Miss Lookup = iota
	// Empty means the key holds a known-empty result.
	Empty
	// Hit means the key holds audio bytes.
	Hit
)

func (l Lookup) String() string {
	switch l {
	case Hit:
		return "hit"
	case Empty:
		return "empty"
	default:
		return "miss"
	}
}

// Options configures a Store.
type Options struct {
	Path            string
	LRUEntries      int
	Mailbox         int
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	Logger          *slog.Logger
}

type opKind int

const (
	opSet opKind = iota
	opProbe
	opDelete
)

type request struct {
	op    opKind
	key   uint64
	value []byte
	reply chan response
}

type response struct {
	value  []byte
	lookup Lookup
	stored bool
	err    error
}

// mailbox is shared by every Handle cloned from one Store.
type mailbox struct {
	requests chan request
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Handle is a cheap, copyable reference to a running Store.
type Handle struct {
	mb *mailbox
}

// Store owns the embedded engine on a dedicated worker.
type Store struct {
	mb      *mailbox
	opts    Options
	log     *slog.Logger
	err     error
	lookups metric.Int64Counter
	writes  metric.Int64Counter
}

// Start opens the engine on a dedicated worker and returns once it is ready
// to serve requests.
func Start(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("cache path not configured")
	}
	if opts.Mailbox <= 0 {
		opts.Mailbox = 2048
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		mb: &mailbox{
			requests: make(chan request, opts.Mailbox),
			quit:     make(chan struct{}),
			done:     make(chan struct{}),
		},
		opts: opts,
		log:  logger.With(slog.String("component", "cache-store")),
	}
	s.initMetrics()

	ready := make(chan error, 1)
	go s.run(ready)

	select {
	case err := <-ready:
		if err != nil {
			<-s.mb.done
			return nil, err
		}
	case <-ctx.Done():
		s.Handle().Exit()
		return nil, ctx.Err()
	}
	return s, nil
}

func (s *Store) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/cache")
	lookups, err := meter.Int64Counter("loqa.voice.cache.lookups", metric.WithDescription("Cache probes by result"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		lookups = noop.Int64Counter{}
	}
	writes, err := meter.Int64Counter("loqa.voice.cache.writes", metric.WithDescription("Cache writes by result"))
	if err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
		writes = noop.Int64Counter{}
	}
	s.lookups = lookups
	s.writes = writes
}

func (s *Store) run(ready chan<- error) {
	// The engine's blocking calls stay on one OS thread for the lifetime of the worker.
	runtime.LockOSThread()
	defer close(s.mb.done)

	ctx := context.Background()
	eng, err := openEngine(ctx, s.opts.Path)
	if err != nil {
		s.err = fmt.Errorf("%w: %w", ErrStorage, err)
		ready <- s.err
		return
	}
	ready <- nil

	var memo *lru.Cache[uint64, []byte]
	if s.opts.LRUEntries > 0 {
		memo, err = lru.New[uint64, []byte](s.opts.LRUEntries)
		if err != nil {
			s.log.Warn("lru disabled", slogError(err))
			memo = nil
		}
	}

	s.log.Info("cache store opened", slog.String("path", s.opts.Path))
	for {
		select {
		case <-s.mb.quit:
			s.rejectPending()
			if err := eng.close(); err != nil {
				s.err = fmt.Errorf("%w: close: %w", ErrStorage, err)
				s.log.Error("cache store close failed", slogError(err))
			}
			s.log.Info("cache store closed")
			return
		case req := <-s.mb.requests:
			req.reply <- s.serve(ctx, eng, memo, req)
		}
	}
}

func (s *Store) serve(ctx context.Context, eng *engine, memo *lru.Cache[uint64, []byte], req request) response {
	switch req.op {
	case opSet:
		stored, err := eng.put(ctx, req.key, req.value)
		if err != nil {
			s.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
			s.log.Error("cache write failed", slog.Uint64("key", req.key), slogError(err))
			return response{err: fmt.Errorf("%w: %w", ErrStorage, err)}
		}
		result := "stored"
		if !stored {
			result = "exists"
		}
		s.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		return response{stored: true}
	case opProbe:
		if memo != nil {
			if value, ok := memo.Get(req.key); ok {
				s.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "hit")))
				return response{value: value, lookup: Hit}
			}
		}
		value, found, err := eng.get(ctx, req.key)
		if err != nil {
			s.log.Error("cache read failed", slog.Uint64("key", req.key), slogError(err))
			return response{err: fmt.Errorf("%w: %w", ErrStorage, err)}
		}
		lookup := Miss
		switch {
		case found && len(value) > 0:
			lookup = Hit
			if memo != nil {
				memo.Add(req.key, value)
			}
		case found:
			lookup = Empty
		}
		s.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", lookup.String())))
		return response{value: value, lookup: lookup}
	case opDelete:
		if memo != nil {
			memo.Remove(req.key)
		}
		if err := eng.delete(ctx, req.key); err != nil {
			s.log.Error("cache delete failed", slog.Uint64("key", req.key), slogError(err))
			return response{err: fmt.Errorf("%w: %w", ErrStorage, err)}
		}
		return response{}
	default:
		return response{err: fmt.Errorf("unknown cache op %d", req.op)}
	}
}

func (s *Store) rejectPending() {
	for {
		select {
		case req := <-s.mb.requests:
			req.reply <- response{err: ErrClosed}
		default:
			return
		}
	}
}

// Handle returns a new reference to the store's mailbox.
func (s *Store) Handle() Handle {
	return Handle{mb: s.mb}
}

// Done is closed when the worker has returned.
func (s *Store) Done() <-chan struct{} {
	return s.mb.done
}

// Err reports the worker's terminal error. Only meaningful after Done is closed.
func (s *Store) Err() error {
	select {
	case <-s.mb.done:
		return s.err
	default:
		return nil
	}
}

// Shutdown asks the worker to exit and polls for completion within the
// configured bound.
func (s *Store) Shutdown(ctx context.Context) error {
	s.Handle().Exit()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case <-s.mb.done:
			return struct{}{}, nil
		default:
			return struct{}{}, errStillRunning
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.PollInterval)),
		backoff.WithMaxElapsedTime(s.opts.ShutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("%w: not finished after %s", ErrShutdownTimeout, s.opts.ShutdownTimeout)
	}
	return s.err
}

// Set stores value under key. It reports false without touching storage when
// value is empty. An existing record is never overwritten.
func (h Handle) Set(ctx context.Context, key uint64, value []byte) (bool, error) {
	if len(value) == 0 {
		return false, nil
	}
	resp, err := h.call(ctx, request{op: opSet, key: key, value: value})
	if err != nil {
		return false, err
	}
	return resp.stored, resp.err
}

// Get returns the stored bytes for key. Absent keys and empty records both
// report false.
func (h Handle) Get(ctx context.Context, key uint64) ([]byte, bool) {
	lookup, value, err := h.Probe(ctx, key)
	if err != nil || lookup != Hit {
		return nil, false
	}
	return value, true
}

// Probe distinguishes a hit, a known-empty record and a miss.
func (h Handle) Probe(ctx context.Context, key uint64) (Lookup, []byte, error) {
	resp, err := h.call(ctx, request{op: opProbe, key: key})
	if err != nil {
		return Miss, nil, err
	}
	if resp.err != nil {
		return Miss, nil, resp.err
	}
	return resp.lookup, resp.value, nil
}

// Delete removes key if present.
func (h Handle) Delete(ctx context.Context, key uint64) error {
	resp, err := h.call(ctx, request{op: opDelete, key: key})
	if err != nil {
		return err
	}
	return resp.err
}

// Exit requests termination of the worker. Safe to call repeatedly and from
// any clone of the handle.
func (h Handle) Exit() {
	h.mb.once.Do(func() { close(h.mb.quit) })
}

func (h Handle) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case <-h.mb.quit:
		return response{}, ErrClosed
	default:
	}
	select {
	case h.mb.requests <- req:
	case <-h.mb.quit:
		return response{}, ErrClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-h.mb.done:
		// The worker may have answered just before exiting.
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return response{}, ErrClosed
		}
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

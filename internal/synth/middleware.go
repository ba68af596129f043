package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/stream"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrStopped is returned for requests made after Exit.
	ErrStopped = errors.New("synthesis middleware stopped")

	errTaskAborted = errors.New("synthesis task aborted")
)

const (
	StatusHit   = "Hit cache"
	StatusEmpty = "Cache is empty"
)

// Cache is the subset of the cache store the middleware needs.
type Cache interface {
	Probe(ctx context.Context, key uint64) (cache.Lookup, []byte, error)
	Set(ctx context.Context, key uint64, value []byte) (bool, error)
}

// Provider performs the network half of a synthesis.
type Provider interface {
	Do(ctx context.Context, voice Voice, text string) (*http.Response, error)
}

// Player accepts audio for playback.
type Player interface {
	Enqueue(ctx context.Context, item audio.Item) error
}

// Band is a half-open byte length range excluded from caching. The zero
// value excludes nothing.
type Band struct {
	Min int
	Max int
}

func (b Band) excludes(n int) bool {
	return b.Max > b.Min && n >= b.Min && n < b.Max
}

// MiddlewareOptions configures a Middleware.
type MiddlewareOptions struct {
	GracePeriod time.Duration
	Exclude     Band
	MaxInflight int
	Logger      *slog.Logger
}

type job struct {
	ctx   context.Context
	req   Request
	reply chan reply
}

type reply struct {
	status string
	err    error
}

// Middleware deduplicates synthesis against the cache and hands audio to the
// player as early as possible.
type Middleware struct {
	cache    Cache
	provider Provider
	player   Player
	opts     MiddlewareOptions
	logger   *slog.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter

	jobs     chan job
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	err      error
}

func NewMiddleware(c Cache, provider Provider, player Player, opts MiddlewareOptions) *Middleware {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 500 * time.Millisecond
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{
		cache:    c,
		provider: provider,
		player:   player,
		opts:     opts,
		logger:   logger.With(slog.String("component", "synth-middleware")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voice/synth"),
		jobs:     make(chan job),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.initMetrics()
	return m
}

func (m *Middleware) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/synth")
	requests, err := meter.Int64Counter("loqa.voice.synth.requests", metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		m.logger.Warn("failed to initialize metrics", slogError(err))
		requests = noop.Int64Counter{}
	}
	m.requests = requests
}

// Run dispatches jobs until Exit, then waits for every in-flight task. A task
// that panicked is reported as the returned error.
func (m *Middleware) Run() error {
	defer close(m.done)

	var tasks conc.WaitGroup
	slots := make(chan struct{}, m.opts.MaxInflight)
loop:
	for {
		select {
		case <-m.quit:
			break loop
		case j := <-m.jobs:
			slots <- struct{}{}
			tasks.Go(func() {
				defer func() { <-slots }()
				m.serve(j)
			})
		}
	}

	m.logger.Info("draining synthesis tasks")
	if recovered := tasks.WaitAndRecover(); recovered != nil {
		m.err = fmt.Errorf("synthesis task panicked: %w", recovered.AsError())
		m.logger.Error("synthesis task panicked", slogError(m.err))
	}
	return m.err
}

// Exit stops accepting requests. Safe to call more than once.
func (m *Middleware) Exit() {
	m.quitOnce.Do(func() { close(m.quit) })
}

// Done is closed once Run has drained every task.
func (m *Middleware) Done() <-chan struct{} {
	return m.done
}

// Err reports the terminal error after Done is closed.
func (m *Middleware) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Speak runs req through the cache and the provider. It returns once audio
// has been handed to the player, with the status line for the caller.
func (m *Middleware) Speak(ctx context.Context, req Request) (string, error) {
	select {
	case <-m.quit:
		return "", ErrStopped
	default:
	}
	j := job{ctx: ctx, req: req, reply: make(chan reply, 1)}
	select {
	case m.jobs <- j:
	case <-m.quit:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-j.reply:
		return r.status, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Middleware) serve(j job) {
	replied := false
	respond := func(status string, err error) {
		replied = true
		j.reply <- reply{status: status, err: err}
	}
	defer func() {
		if !replied {
			j.reply <- reply{err: errTaskAborted}
		}
	}()

	// The task outlives the caller: the download and cache write continue
	// after the reply.
	ctx, span := m.tracer.Start(context.WithoutCancel(j.ctx), "synth.request", trace.WithAttributes(
		attribute.String("request_id", j.req.ID),
		attribute.String("fingerprint", fmt.Sprintf("%016x", j.req.Fingerprint)),
		attribute.Int("text_length", j.req.Length),
	))
	defer span.End()
	log := m.logger.With(slog.String("request_id", j.req.ID), slog.Uint64("fingerprint", j.req.Fingerprint))

	outcome := "miss"
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome))
		m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	lookup, cached, err := m.cache.Probe(ctx, j.req.Fingerprint)
	if err != nil {
		log.Warn("cache probe failed; synthesizing", slogError(err))
		lookup = cache.Miss
	}
	switch lookup {
	case cache.Hit:
		outcome = "hit"
		item := audio.Item{RequestID: j.req.ID, Fingerprint: j.req.Fingerprint, Source: audio.FromCache(cached)}
		if err := m.player.Enqueue(ctx, item); err != nil {
			outcome = "error"
			respond("", fmt.Errorf("queue playback: %w", err))
			return
		}
		respond(StatusHit, nil)
		return
	case cache.Empty:
		outcome = "empty"
		respond(StatusEmpty, nil)
		return
	}

	resp, err := m.provider.Do(ctx, j.req.Voice, j.req.Text)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("synthesis failed", slogError(err))
		respond("", err)
		return
	}

	w := stream.New()
	view := w.View()
	go func() {
		defer resp.Body.Close()
		_, err := io.Copy(w, resp.Body)
		w.CloseWithError(err)
	}()

	grace := time.NewTimer(m.opts.GracePeriod)
	select {
	case <-view.Done():
	case <-grace.C:
	}
	grace.Stop()

	item := audio.Item{RequestID: j.req.ID, Fingerprint: j.req.Fingerprint, Source: audio.FromStream(view)}
	if err := m.player.Enqueue(ctx, item); err != nil {
		outcome = "error"
		respond("", fmt.Errorf("queue playback: %w", err))
	} else {
		respond(resp.Status, nil)
	}

	<-view.Done()
	if err := view.Err(); err != nil {
		log.Warn("download failed; not caching", slogError(err))
		return
	}
	data, _ := view.Bytes()
	switch {
	case len(data) == 0:
		log.Debug("empty synthesis result; not caching")
		return
	case m.opts.Exclude.excludes(len(data)):
		log.Info("synthesis result in exclusion band; not caching", slog.Int("bytes", len(data)))
		return
	}
	if _, err := m.cache.Set(ctx, j.req.Fingerprint, data); err != nil {
		log.Error("cache write failed", slogError(err))
		return
	}
	log.Debug("synthesis cached", slog.Int("bytes", len(data)))
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrStopped is returned by Enqueue once the delivery loop has returned.
var ErrStopped = errors.New("audio delivery stopped")

// Item is one unit of playback.
type Item struct {
	RequestID   string
	Fingerprint uint64
	Source      Source
}

// Result summarizes how an item played.
type Result struct {
	Frames int
	Failed int
	Err    error
}

// Transport is the voice connection frames are written to.
type Transport interface {
	SendFrame(ctx context.Context, payload []byte) error
	SetMuted(ctx context.Context, muted bool) error
}

// Notifier is told once per item when playback ends, successfully or not.
type Notifier interface {
	PlaybackDone(item Item, result Result)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Item, Result)

func (f NotifierFunc) PlaybackDone(item Item, result Result) { f(item, result) }

// State is the delivery loop's current phase.
type State int32

const (
	StateIdle State = iota
	StateDecoding
	StateStreaming
	StateMuting
)

func (s State) String() string {
	switch s {
	case StateDecoding:
		return "decoding"
	case StateStreaming:
		return "streaming"
	case StateMuting:
		return "muting"
	default:
		return "idle"
	}
}

// DeliveryOptions configures a Delivery.
type DeliveryOptions struct {
	Mailbox       int
	FrameDuration time.Duration
	Notifier      Notifier
	Logger        *slog.Logger
}

type envelope struct {
	item Item
	exit bool
}

// Delivery plays items strictly one at a time in arrival order.
type Delivery struct {
	mailbox   chan envelope
	stopped   chan struct{}
	transport Transport
	notifier  Notifier
	frameDur  time.Duration
	state     atomic.Int32
	logger    *slog.Logger
	frames    metric.Int64Counter
}

func NewDelivery(transport Transport, opts DeliveryOptions) *Delivery {
	if opts.Mailbox <= 0 {
		opts.Mailbox = 16
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Item, Result) {})
	}
	d := &Delivery{
		mailbox:   make(chan envelope, opts.Mailbox),
		stopped:   make(chan struct{}),
		transport: transport,
		notifier:  notifier,
		frameDur:  opts.FrameDuration,
		logger:    logger.With(slog.String("component", "audio-delivery")),
	}
	d.initMetrics()
	return d
}

func (d *Delivery) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/audio")
	frames, err := meter.Int64Counter("loqa.voice.frames.sent", metric.WithDescription("Opus frames handed to the voice transport"))
	if err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
		frames = noop.Int64Counter{}
	}
	d.frames = frames
}

// State reports the current phase.
func (d *Delivery) State() State {
	return State(d.state.Load())
}

// Enqueue queues item behind everything already queued.
func (d *Delivery) Enqueue(ctx context.Context, item Item) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}
	select {
	case d.mailbox <- envelope{item: item}:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit queues a stop marker; items ahead of it still play.
func (d *Delivery) Exit(ctx context.Context) error {
	select {
	case d.mailbox <- envelope{exit: true}:
		return nil
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (d *Delivery) Done() <-chan struct{} {
	return d.stopped
}

// Run consumes the mailbox until an exit marker arrives or ctx ends.
func (d *Delivery) Run(ctx context.Context) error {
	defer close(d.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-d.mailbox:
			if env.exit {
				d.logger.Info("audio delivery exiting")
				return nil
			}
			d.play(ctx, env.item)
		}
	}
}

func (d *Delivery) play(ctx context.Context, item Item) {
	log := d.logger.With(slog.String("request_id", item.RequestID), slog.String("source", item.Source.Kind().String()))
	d.state.Store(int32(StateDecoding))
	defer d.state.Store(int32(StateIdle))

	reader, err := NewFrameReader(item.Source)
	if err != nil {
		log.Warn("failed to open audio", slogError(err))
		d.mute(ctx, log)
		d.notifier.PlaybackDone(item, Result{Err: err})
		return
	}

	if err := d.transport.SetMuted(ctx, false); err != nil {
		log.Warn("failed to unmute", slogError(err))
	}
	d.state.Store(int32(StateStreaming))

	var result Result
	ticker := time.NewTicker(d.frameDur)
	defer ticker.Stop()
	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("audio decode failed", slog.Int("frame", result.Frames+result.Failed), slogError(err))
			result.Err = err
			break
		}
		if err := d.transport.SendFrame(ctx, frame.Payload); err != nil {
			log.Warn("failed to send frame", slog.Int("frame", frame.Index), slogError(err))
			result.Failed++
		} else {
			result.Frames++
		}
		// Frames go out on a fixed grid anchored at the first send, so a slow
		// SendFrame shortens the following wait instead of adding drift.
		if result.Frames+result.Failed == 1 {
			ticker.Reset(d.frameDur)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			result.Err = fmt.Errorf("playback interrupted: %w", ctx.Err())
		}
		if result.Err != nil {
			break
		}
	}
	d.frames.Add(ctx, int64(result.Frames), metric.WithAttributes(attribute.String("source", item.Source.Kind().String())))

	d.state.Store(int32(StateMuting))
	d.mute(ctx, log)
	log.Debug("playback finished", slog.Int("frames", result.Frames), slog.Int("failed", result.Failed))
	d.notifier.PlaybackDone(item, result)
}

func (d *Delivery) mute(ctx context.Context, log *slog.Logger) {
	if err := d.transport.SetMuted(context.WithoutCancel(ctx), true); err != nil {
		log.Warn("failed to mute", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

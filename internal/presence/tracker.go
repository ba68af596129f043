// Package presence keeps the bot in the same voice channel as a followed
// participant and spots when the bot itself is kicked.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrServerKick is returned by Run when the bot is removed from the server.
var ErrServerKick = errors.New("removed from server")

// Session is the voice session the tracker observes and steers.
type Session interface {
	SelfIdentity() string
	Roster(ctx context.Context) (Roster, error)
	MoveSelf(ctx context.Context, channel string) error
}

// Options configures a Tracker.
type Options struct {
	// Target is the persistent identity to follow. Empty leaves the tracker
	// untracked; it still reports kicks.
	Target         string
	ResyncInterval time.Duration
	OnKick         func(Kick, Event)
	Logger         *slog.Logger
}

// Tracker owns the presence state. All of its methods run on the goroutine
// calling Run.
type Tracker struct {
	session Session
	opts    Options
	logger  *slog.Logger

	lastID  string
	channel string

	moves metric.Int64Counter
	kicks metric.Int64Counter
}

func NewTracker(session Session, opts Options) *Tracker {
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = time.Minute
	}
	if opts.OnKick == nil {
		opts.OnKick = func(Kick, Event) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		session: session,
		opts:    opts,
		logger:  logger.With(slog.String("component", "presence-tracker")),
	}
	t.initMetrics()
	return t
}

func (t *Tracker) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/presence")
	moves, err := meter.Int64Counter("loqa.voice.presence.moves", metric.WithDescription("Channel moves issued to follow the target"))
	if err != nil {
		t.logger.Warn("failed to initialize metrics", slogError(err))
		moves = noop.Int64Counter{}
	}
	kicks, err := meter.Int64Counter("loqa.voice.presence.kicks", metric.WithDescription("Kicks observed by kind"))
	if err != nil {
		t.logger.Warn("failed to initialize metrics", slogError(err))
		kicks = noop.Int64Counter{}
	}
	t.moves = moves
	t.kicks = kicks
}

// Tracking reports whether a follow target is configured.
func (t *Tracker) Tracking() bool {
	return t.opts.Target != ""
}

// Run reacts to events and periodic resyncs until ctx ends, events closes or
// the bot is kicked from the server.
func (t *Tracker) Run(ctx context.Context, events <-chan Event) error {
	ticker := time.NewTicker(t.opts.ResyncInterval)
	defer ticker.Stop()

	t.Evaluate(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.channel = ""
			t.Evaluate(ctx)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := t.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (t *Tracker) handle(ctx context.Context, ev Event) error {
	self := t.session.SelfIdentity()
	kick := Classify(self, ev)
	if kick != KickNone {
		t.kicks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kick.String())))
		t.opts.OnKick(kick, ev)
	}
	switch kick {
	case KickServer:
		t.logger.Error("removed from server", slog.String("invoker", ev.Invoker))
		return ErrServerKick
	case KickChannel:
		t.logger.Warn("kicked from channel", slog.String("invoker", ev.Invoker))
		t.channel = ""
		t.Evaluate(ctx)
	default:
		if ev.Kind == EventPropertyChanged && ev.Subject == self && ev.Property == PropertyChannel {
			t.channel = ""
		}
		if ev.Kind != EventOther {
			t.Evaluate(ctx)
		}
	}
	return nil
}

// Evaluate moves the bot to the target's channel if they differ. A missing
// roster or target leaves everything as is until the next trigger.
func (t *Tracker) Evaluate(ctx context.Context) {
	if !t.Tracking() {
		return
	}
	roster, err := t.session.Roster(ctx)
	if err != nil {
		t.logger.Debug("roster unavailable", slogError(err))
		return
	}
	if t.channel == "" {
		t.channel = roster.Self.Channel
	}

	target, found := Participant{}, false
	if t.lastID != "" {
		target, found = roster.byID(t.lastID)
	}
	if !found {
		target, found = roster.byIdentity(t.opts.Target)
		if !found {
			return
		}
		if target.ID != t.lastID {
			t.logger.Debug("target acquired", slog.String("id", target.ID))
			t.lastID = target.ID
		}
	}
	if target.Channel == "" || target.Channel == t.channel {
		return
	}

	if err := t.session.MoveSelf(ctx, target.Channel); err != nil {
		t.logger.Warn("failed to follow target", slog.String("channel", target.Channel), slogError(err))
		t.channel = ""
		return
	}
	t.moves.Add(ctx, 1)
	t.logger.Info("followed target", slog.String("from", t.channel), slog.String("to", target.Channel))
	t.channel = target.Channel
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/credential"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"golang.org/x/sync/errgroup"
)

// ErrShutdownTimeout reports a stage that did not drain within the
// configured bound. The process should exit without waiting further.
var ErrShutdownTimeout = errors.New("stage did not drain in time")

const eventRetention = 24 * time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every stage, serves until ctx ends or a stage fails, then shuts
// the stages down in dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	cfg := r.cfg

	shutdownTelemetry, metricsHandler, err := setupTelemetry(cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		telemetryCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := shutdownTelemetry(telemetryCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	embedded, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	if embedded != nil {
		cfg.Bus.Servers = []string{embedded.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer busClient.Close()
	if err := busClient.EnsureStream(protocol.StreamEvents, eventRetention, protocol.SubjectPlaybackDone, protocol.SubjectPresenceKick); err != nil {
		r.logger.Warn("event history disabled", slogError(err))
	}
	notify := newNotifier(busClient, r.logger)

	store, err := cache.Start(ctx, cache.Options{
		Path:            cfg.Cache.Path,
		LRUEntries:      cfg.Cache.LRUEntries,
		ShutdownTimeout: cfg.Cache.ShutdownTimeout(),
		Logger:          r.logger,
	})
	if err != nil {
		return err
	}

	var (
		transport audio.Transport = silentTransport{logger: r.logger}
		discord   *voice.Discord
	)
	if cfg.Voice.Enabled {
		discord, err = voice.Open(ctx, voice.Options{
			Token:       cfg.Voice.Token,
			GuildID:     cfg.Voice.GuildID,
			ChannelID:   cfg.Voice.ChannelID,
			EventBuffer: cfg.Voice.EventBufferSize,
			Logger:      r.logger,
		})
		if err != nil {
			_ = store.Shutdown(context.Background())
			return err
		}
		transport = discord
	}

	delivery := audio.NewDelivery(transport, audio.DeliveryOptions{
		Mailbox:       cfg.Voice.DeliveryMailbox,
		FrameDuration: cfg.Voice.FrameDuration(),
		Notifier:      notify,
		Logger:        r.logger,
	})
	requester := synth.NewRequester(credential.NewPool(cfg.TTS.SubscriptionKeys), synth.RequesterOptions{
		Endpoint:          cfg.TTS.Endpoint,
		OutputFormat:      cfg.TTS.OutputFormat,
		UserAgent:         cfg.TTS.UserAgent,
		Timeout:           cfg.TTS.Timeout(),
		RequestsPerSecond: cfg.TTS.RequestsPerSecond,
		Logger:            r.logger,
	})
	middleware := synth.NewMiddleware(store.Handle(), requester, delivery, synth.MiddlewareOptions{
		GracePeriod: cfg.TTS.GracePeriod(),
		Exclude:     synth.Band{Min: cfg.Cache.ExcludeMinBytes, Max: cfg.Cache.ExcludeMaxBytes},
		MaxInflight: cfg.TTS.MaxInflight,
		Logger:      r.logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	// Playback outlives the group context so queued audio can finish during
	// shutdown; it is only cancelled when draining times out.
	playCtx, cancelPlay := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPlay()
	group.Go(func() error {
		if err := delivery.Run(playCtx); err != nil {
			return fmt.Errorf("audio delivery: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := middleware.Run(); err != nil {
			return fmt.Errorf("synthesis middleware: %w", err)
		}
		return nil
	})
	if discord != nil {
		tracker := presence.NewTracker(discord, presence.Options{
			Target:         cfg.Voice.Follow,
			ResyncInterval: cfg.Voice.ResyncInterval(),
			OnKick:         notify.Kicked,
			Logger:         r.logger,
		})
		group.Go(func() error { return tracker.Run(groupCtx, discord.Events()) })
	}

	speechSvc := speech.NewService(groupCtx, busClient, middleware, cfg.TTS.Timeout(), r.logger)
	if err := speechSvc.Start(); err != nil {
		r.logger.Error("speech intake unavailable", slogError(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newMux(middleware, r.ready.Load, metricsHandler, r.logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-groupCtx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	stages := []stage{
		{name: "http", stop: httpServer.Shutdown},
		{name: "speech", stop: speechSvc.Close},
		{name: "synthesis", stop: func(ctx context.Context) error {
			middleware.Exit()
			return waitDone(ctx, middleware.Done())
		}},
		{name: "delivery", stop: func(ctx context.Context) error {
			if err := delivery.Exit(ctx); err != nil {
				return err
			}
			return waitDone(ctx, delivery.Done())
		}},
	}
	stages = append(stages, stage{name: "cache", stop: store.Shutdown})
	if discord != nil {
		stages = append(stages, stage{name: "voice", stop: func(context.Context) error { return discord.Close() }})
	}

	if err := r.stopAll(stages); err != nil {
		cancelPlay()
		return err
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type stage struct {
	name string
	stop func(ctx context.Context) error
}

// stopAll stops stages in order, giving each its own bounded window. Stages
// that overrun are reported but do not block later ones.
func (r *Runtime) stopAll(stages []stage) error {
	var errs []error
	for _, s := range stages {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout())
		err := s.stop(ctx)
		cancel()
		switch {
		case err == nil:
			r.logger.Debug("stage stopped", slog.String("stage", s.name))
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, cache.ErrShutdownTimeout):
			r.logger.Error("stage did not drain", slog.String("stage", s.name), slogError(err))
			errs = append(errs, fmt.Errorf("%w: %s", ErrShutdownTimeout, s.name))
		default:
			r.logger.Error("stage stop failed", slog.String("stage", s.name), slogError(err))
		}
	}
	return errors.Join(errs...)
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// silentTransport stands in for the voice connection when voice is disabled.
type silentTransport struct {
	logger *slog.Logger
}

func (t silentTransport) SendFrame(context.Context, []byte) error { return nil }

func (t silentTransport) SetMuted(_ context.Context, muted bool) error {
	t.logger.Debug("voice disabled; dropping playback", slog.Bool("muted", muted))
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Package speech accepts speak requests from the bus and answers each with
// the synthesis status.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/nats-io/nats.go"
)

// ErrEmptyContent rejects requests with nothing to say.
var ErrEmptyContent = errors.New("speak request has no content")

// ErrStopping is returned to requests that arrive after Close has begun.
var ErrStopping = errors.New("speech service is stopping")

const queueGroup = "loqa-voice"

// Speaker runs a synthesis request to the point of playback.
type Speaker interface {
	Speak(ctx context.Context, req synth.Request) (string, error)
}

// ToRequest validates a wire request and turns it into a synthesis job.
func ToRequest(p protocol.SpeakRequest) (synth.Request, error) {
	if strings.TrimSpace(p.Content) == "" {
		return synth.Request{}, ErrEmptyContent
	}
	voice := synth.Voice{Code: p.Code, Sex: p.Sex, Name: p.Variant}
	return synth.NewRequest(voice, p.Content), nil
}

// Handle runs one request and always produces a reply.
func Handle(ctx context.Context, speaker Speaker, p protocol.SpeakRequest) protocol.SpeakReply {
	req, err := ToRequest(p)
	if err != nil {
		return protocol.SpeakReply{Error: err.Error()}
	}
	status, err := speaker.Speak(ctx, req)
	if err != nil {
		return protocol.SpeakReply{RequestID: req.ID, Error: err.Error()}
	}
	return protocol.SpeakReply{RequestID: req.ID, Status: status}
}

type Service struct {
	bus     *bus.Client
	speaker Speaker
	timeout time.Duration
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
	logger  *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, speaker Speaker, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Service{
		bus:     busClient,
		speaker: speaker,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "speech-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSpeakRequest, queueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for speak requests", slog.String("subject", protocol.SubjectSpeakRequest))
	return nil
}

// Close stops intake, cancels requests in progress and waits for their
// replies until ctx expires.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.respond(msg, protocol.SpeakReply{Error: "invalid request: " + err.Error()})
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.respond(msg, protocol.SpeakReply{Error: ErrStopping.Error()})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		reply := Handle(ctx, s.speaker, req)
		if reply.Error != "" {
			s.logger.Warn("speak request failed", slog.String("request_id", reply.RequestID), slog.String("error", reply.Error))
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.SpeakReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal speak reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send speak reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

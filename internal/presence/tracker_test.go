package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSession struct {
	mu      sync.Mutex
	self    string
	roster  Roster
	err     error
	moves   []string
	moveErr error
}

func (s *fakeSession) SelfIdentity() string { return s.self }

func (s *fakeSession) Roster(context.Context) (Roster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster, s.err
}

func (s *fakeSession) MoveSelf(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moveErr != nil {
		return s.moveErr
	}
	s.moves = append(s.moves, channel)
	s.roster.Self.Channel = channel
	return nil
}

func (s *fakeSession) setRoster(r Roster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roster = r
}

func (s *fakeSession) moveLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.moves...)
}

func roster(selfChannel string, others ...Participant) Roster {
	return Roster{
		Self:         Participant{ID: "bot-session", Identity: "bot", Channel: selfChannel},
		Participants: others,
	}
}

func TestEvaluateFollowsTarget(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby", Participant{ID: "v1", Identity: "alice", Channel: "games"})}
	tr := NewTracker(session, Options{Target: "alice", Logger: newLogger()})

	tr.Evaluate(context.Background())
	if got := session.moveLog(); len(got) != 1 || got[0] != "games" {
		t.Fatalf("expected move to games, got %v", got)
	}
	if tr.lastID != "v1" || tr.channel != "games" {
		t.Fatalf("unexpected state id=%q channel=%q", tr.lastID, tr.channel)
	}

	// Already together: nothing to do.
	tr.Evaluate(context.Background())
	if got := session.moveLog(); len(got) != 1 {
		t.Fatalf("expected no extra move, got %v", got)
	}
}

func TestEvaluateReacquiresChangedVolatileID(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby", Participant{ID: "v1", Identity: "alice", Channel: "games"})}
	tr := NewTracker(session, Options{Target: "alice", Logger: newLogger()})
	tr.Evaluate(context.Background())

	// Alice reconnects into another channel with a new session id.
	session.setRoster(roster("games", Participant{ID: "v2", Identity: "alice", Channel: "music"}))
	tr.Evaluate(context.Background())

	if got := session.moveLog(); len(got) != 2 || got[1] != "music" {
		t.Fatalf("expected follow to music, got %v", got)
	}
	if tr.lastID != "v2" {
		t.Fatalf("expected cached id v2, got %q", tr.lastID)
	}
}

func TestEvaluateWithoutTargetDoesNothing(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby", Participant{ID: "v9", Identity: "bob", Channel: "games"})}
	tr := NewTracker(session, Options{Target: "alice", Logger: newLogger()})
	tr.Evaluate(context.Background())
	if got := session.moveLog(); len(got) != 0 {
		t.Fatalf("expected no move, got %v", got)
	}

	session.err = errors.New("not connected")
	tr.Evaluate(context.Background())
	if got := session.moveLog(); len(got) != 0 {
		t.Fatalf("expected no move on roster error, got %v", got)
	}
}

func TestEvaluateRetriesAfterFailedMove(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby", Participant{ID: "v1", Identity: "alice", Channel: "games"})}
	session.moveErr = errors.New("missing permissions")
	tr := NewTracker(session, Options{Target: "alice", Logger: newLogger()})

	tr.Evaluate(context.Background())
	if tr.channel != "" {
		t.Fatalf("expected cached channel cleared, got %q", tr.channel)
	}
	session.moveErr = nil
	tr.Evaluate(context.Background())
	if got := session.moveLog(); len(got) != 1 || got[0] != "games" {
		t.Fatalf("expected retry to succeed, got %v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want Kick
	}{
		{"bot removed", Event{Kind: EventParticipantRemoved, Subject: "bot", Invoker: "mod"}, KickServer},
		{"other removed", Event{Kind: EventParticipantRemoved, Subject: "alice"}, KickNone},
		{"bot moved by mod", Event{Kind: EventPropertyChanged, Subject: "bot", Property: PropertyChannel, Invoker: "mod"}, KickChannel},
		{"bot moved by unknown", Event{Kind: EventPropertyChanged, Subject: "bot", Property: PropertyChannel}, KickNone},
		{"bot moved externally", Event{Kind: EventPropertyChanged, Subject: "bot", Property: PropertyChannel, Invoker: InvokerExternal}, KickChannel},
		{"bot moved itself", Event{Kind: EventPropertyChanged, Subject: "bot", Property: PropertyChannel, Invoker: "bot"}, KickNone},
		{"bot muted", Event{Kind: EventPropertyChanged, Subject: "bot", Property: "mute", Invoker: "mod"}, KickNone},
		{"other moved", Event{Kind: EventPropertyChanged, Subject: "alice", Property: PropertyChannel, Invoker: "mod"}, KickNone},
		{"message", Event{Kind: EventMessage, Subject: "bot"}, KickNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify("bot", tc.ev); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRunServerKickIsFatal(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby")}
	var kicks []Kick
	tr := NewTracker(session, Options{Logger: newLogger(), OnKick: func(k Kick, _ Event) { kicks = append(kicks, k) }})

	events := make(chan Event, 2)
	events <- Event{Kind: EventParticipantRemoved, Subject: "alice"}
	events <- Event{Kind: EventParticipantRemoved, Subject: "bot", Invoker: "mod"}

	errc := make(chan error, 1)
	go func() { errc <- tr.Run(context.Background(), events) }()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrServerKick) {
			t.Fatalf("expected ErrServerKick, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not stop")
	}
	if len(kicks) != 1 || kicks[0] != KickServer {
		t.Fatalf("expected one server kick, got %v", kicks)
	}
}

func TestRunChannelKickRejoinsTarget(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby", Participant{ID: "v1", Identity: "alice", Channel: "games"})}
	tr := NewTracker(session, Options{Target: "alice", Logger: newLogger()})

	events := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- tr.Run(ctx, events) }()

	// A moderator drags the bot away from alice.
	events <- Event{Kind: EventMessage}
	session.mu.Lock()
	session.roster.Self.Channel = "jail"
	session.mu.Unlock()
	events <- Event{Kind: EventPropertyChanged, Subject: "bot", Property: PropertyChannel, Invoker: "mod"}
	close(events)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not stop")
	}
	cancel()
	if got := session.moveLog(); len(got) != 2 || got[0] != "games" || got[1] != "games" {
		t.Fatalf("expected follow then rejoin, got %v", got)
	}
}

func TestRunUnknownInvokerResyncsWithoutKick(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby", Participant{ID: "v1", Identity: "alice", Channel: "games"})}
	var kicks []Kick
	tr := NewTracker(session, Options{Target: "alice", Logger: newLogger(), OnKick: func(k Kick, _ Event) { kicks = append(kicks, k) }})

	events := make(chan Event)
	errc := make(chan error, 1)
	go func() { errc <- tr.Run(context.Background(), events) }()

	events <- Event{Kind: EventMessage}
	session.mu.Lock()
	session.roster.Self.Channel = "jail"
	session.mu.Unlock()
	events <- Event{Kind: EventPropertyChanged, Subject: "bot", Property: PropertyChannel}
	close(events)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not stop")
	}
	if len(kicks) != 0 {
		t.Fatalf("unknown invoker must not count as a kick, got %v", kicks)
	}
	if got := session.moveLog(); len(got) != 2 || got[1] != "games" {
		t.Fatalf("expected the bot back with its target, got %v", got)
	}
}

func TestRunResyncTick(t *testing.T) {
	session := &fakeSession{self: "bot", roster: roster("lobby", Participant{ID: "v1", Identity: "alice", Channel: "games"})}
	tr := NewTracker(session, Options{Target: "alice", ResyncInterval: 5 * time.Millisecond, Logger: newLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx, nil) }()

	deadline := time.After(5 * time.Second)
	for len(session.moveLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no move issued")
		case <-time.After(time.Millisecond):
		}
	}
	// Someone else moves the bot without an event; the resync notices.
	session.mu.Lock()
	session.roster.Self.Channel = "elsewhere"
	session.mu.Unlock()
	for len(session.moveLog()) < 2 {
		select {
		case <-deadline:
			t.Fatal("resync did not correct the drift")
		case <-time.After(time.Millisecond):
		}
	}
}

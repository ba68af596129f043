package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/credential"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubSpeaker struct {
	status string
	err    error
	got    synth.Request
}

func (s *stubSpeaker) Speak(_ context.Context, req synth.Request) (string, error) {
	s.got = req
	return s.status, s.err
}

func post(t *testing.T, mux http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return rec
}

func TestSpeakHandlerReturnsStatus(t *testing.T) {
	speaker := &stubSpeaker{status: synth.StatusHit}
	mux := newMux(speaker, func() bool { return true }, nil, newLogger())

	rec := post(t, mux, `{"content":" hello ","code":"en-US","sex":"Female","variant":"JennyNeural"}`)
	if rec.Code != http.StatusOK || rec.Body.String() != "Hit cache" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if speaker.got.Text != "hello" || rec.Header().Get("X-Request-ID") != speaker.got.ID {
		t.Fatalf("unexpected request %+v", speaker.got)
	}
}

func TestSpeakHandlerErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"blank", `{"content":"  "}`, nil, http.StatusBadRequest},
		{"pool empty", `{"content":"hi"}`, fmt.Errorf("tts: %w", credential.ErrPoolEmpty), http.StatusServiceUnavailable},
		{"stopped", `{"content":"hi"}`, synth.ErrStopped, http.StatusServiceUnavailable},
		{"provider", `{"content":"hi"}`, fmt.Errorf("%w: 500 Internal Server Error", synth.ErrProviderStatus), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newMux(&stubSpeaker{err: tc.err}, func() bool { return true }, nil, newLogger())
			rec := post(t, mux, tc.body)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d (%s)", tc.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestProbes(t *testing.T) {
	ready := false
	mux := newMux(&stubSpeaker{}, func() bool { return ready }, http.NotFoundHandler(), newLogger())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: %d", rec.Code)
	}
	ready = true
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after start: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected GET / rejected, got %d", rec.Code)
	}
}

func TestStopAllReportsOverrun(t *testing.T) {
	cfg := config.Default()
	cfg.ShutdownTimeoutMS = 20
	r := New(cfg, newLogger())

	var order []string
	stages := []stage{
		{name: "fast", stop: func(context.Context) error { order = append(order, "fast"); return nil }},
		{name: "stuck", stop: func(ctx context.Context) error {
			order = append(order, "stuck")
			<-ctx.Done()
			return ctx.Err()
		}},
		{name: "broken", stop: func(context.Context) error { order = append(order, "broken"); return errors.New("boom") }},
	}
	err := r.stopAll(stages)
	if !errors.Is(err, ErrShutdownTimeout) || !strings.Contains(err.Error(), "stuck") {
		t.Fatalf("expected shutdown timeout for stuck stage, got %v", err)
	}
	if strings.Join(order, ",") != "fast,stuck,broken" {
		t.Fatalf("stages ran out of order: %v", order)
	}
}

func TestNotifierPublishes(t *testing.T) {
	busCfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	ns, err := natsserver.Start(busCfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	busCfg.Servers = []string{ns.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	done, err := client.Conn().SubscribeSync(protocol.SubjectPlaybackDone)
	if err != nil {
		t.Fatal(err)
	}
	kicks, err := client.Conn().SubscribeSync(protocol.SubjectPresenceKick)
	if err != nil {
		t.Fatal(err)
	}

	n := newNotifier(client, newLogger())
	n.PlaybackDone(audio.Item{RequestID: "r1", Fingerprint: 0xabc, Source: audio.FromCache(nil)}, audio.Result{Err: audio.ErrDecode})
	n.Kicked(presence.KickServer, presence.Event{Subject: "bot", Invoker: "mod"})

	msg, err := done.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("playback notification: %v", err)
	}
	var playback protocol.PlaybackDone
	if err := json.Unmarshal(msg.Data, &playback); err != nil {
		t.Fatal(err)
	}
	if playback.RequestID != "r1" || playback.Fingerprint != "0000000000000abc" || playback.Source != "cached" || playback.Error == "" {
		t.Fatalf("unexpected playback notification %+v", playback)
	}

	msg, err = kicks.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("kick notification: %v", err)
	}
	var kick protocol.PresenceKick
	if err := json.Unmarshal(msg.Data, &kick); err != nil {
		t.Fatal(err)
	}
	if kick.Kind != "server" || kick.Invoker != "mod" {
		t.Fatalf("unexpected kick notification %+v", kick)
	}
}

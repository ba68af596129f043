package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/credential"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speech"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

const maxSpeakBody = 64 << 10

func newMux(speaker speech.Speaker, ready func() bool, metrics http.Handler, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /{$}", &speakHandler{speaker: speaker, logger: logger.With(slog.String("component", "http"))})
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

type speakHandler struct {
	speaker speech.Speaker
	logger  *slog.Logger
}

func (h *speakHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body protocol.SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpeakBody)).Decode(&body); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	req, err := speech.ToRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := h.speaker.Speak(r.Context(), req)
	if err != nil {
		h.logger.Warn("speak failed", slog.String("request_id", req.ID), slogError(err))
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Request-ID", req.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(status))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, synth.ErrStopped), errors.Is(err, credential.ErrPoolEmpty):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

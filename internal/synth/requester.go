package synth

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/credential"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"
)

// ErrProviderStatus is returned for a provider response that is neither a
// success nor an authorization failure.
var ErrProviderStatus = errors.New("tts provider error status")

// RequesterOptions configures a Requester.
type RequesterOptions struct {
	Endpoint          string
	OutputFormat      string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Client            *http.Client
	Logger            *slog.Logger
}

// Requester sends synthesis requests to the provider, retiring credentials
// the provider rejects.
type Requester struct {
	pool     *credential.Pool
	client   *http.Client
	endpoint string
	format   string
	agent    string
	limiter  *rate.Limiter
	logger   *slog.Logger
	retired  metric.Int64Counter
}

func NewRequester(pool *credential.Pool, opts RequesterOptions) *Requester {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = "ogg-48khz-16bit-mono-opus"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Requester{
		pool:     pool,
		client:   client,
		endpoint: opts.Endpoint,
		format:   opts.OutputFormat,
		agent:    opts.UserAgent,
		logger:   logger.With(slog.String("component", "synth-requester")),
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	r.initMetrics()
	return r
}

func (r *Requester) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/synth")
	retired, err := meter.Int64Counter("loqa.voice.credentials.retired", metric.WithDescription("Credentials removed after an authorization failure"))
	if err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
		retired = noop.Int64Counter{}
	}
	r.retired = retired

	_, err = meter.Int64ObservableGauge("loqa.voice.credentials.available",
		metric.WithDescription("Credentials still usable"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.pool.Len()))
			return nil
		}),
	)
	if err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}
}

// Do sends one request and returns the successful response with its body
// unread. The caller closes the body. It fails with credential.ErrPoolEmpty
// once every credential has been rejected.
func (r *Requester) Do(ctx context.Context, voice Voice, text string) (*http.Response, error) {
	body := ssml(voice, text)
	for {
		key, err := r.pool.PickOne()
		if err != nil {
			return nil, err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build tts request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", key)
		req.Header.Set("Content-Type", "application/ssml+xml")
		req.Header.Set("X-Microsoft-OutputFormat", r.format)
		if r.agent != "" {
			req.Header.Set("User-Agent", r.agent)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("tts request: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			r.retire(ctx, key)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrProviderStatus, resp.Status)
		}
		return resp, nil
	}
}

func (r *Requester) retire(ctx context.Context, key string) {
	remaining, err := r.pool.Remove(key)
	if errors.Is(err, credential.ErrPoolEntryNotFound) {
		// A concurrent request already retired it.
		return
	}
	r.retired.Add(ctx, 1)
	if remaining == 0 {
		r.logger.Error("last tts credential rejected; synthesis unavailable")
		return
	}
	r.logger.Warn("tts credential rejected", slog.String("key", redact(key)), slog.Int("remaining", remaining))
}

func ssml(voice Voice, text string) string {
	var b strings.Builder
	code := escape(voice.Code)
	b.WriteString(`<speak version="1.0" xml:lang="`)
	b.WriteString(code)
	b.WriteString(`"><voice xml:lang="`)
	b.WriteString(code)
	b.WriteString(`" xml:gender="`)
	b.WriteString(escape(voice.Sex))
	b.WriteString(`" name="`)
	b.WriteString(escape(voice.Variant()))
	b.WriteString(`">`)
	b.WriteString(escape(text))
	b.WriteString(`</voice></speak>`)
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

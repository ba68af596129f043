package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/credential"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProvider struct {
	mu       sync.Mutex
	good     map[string]bool
	rejected map[string]int
	used     []string
	bodies   []string
	headers  http.Header
	status   int
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Ocp-Apim-Subscription-Key")
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.headers = r.Header.Clone()
	p.bodies = append(p.bodies, string(body))
	if !p.good[key] {
		p.rejected[key]++
		p.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.used = append(p.used, key)
	status := p.status
	p.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	_, _ = w.Write([]byte("audio"))
}

func newProvider(good ...string) *fakeProvider {
	p := &fakeProvider{good: map[string]bool{}, rejected: map[string]int{}}
	for _, k := range good {
		p.good[k] = true
	}
	return p
}

func newRequester(t *testing.T, pool *credential.Pool, handler http.Handler) *Requester {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRequester(pool, RequesterOptions{
		Endpoint:  srv.URL,
		UserAgent: "loqa-voice-test",
		Client:    srv.Client(),
		Logger:    newLogger(),
	})
}

var jenny = Voice{Code: "en-US", Sex: "Female", Name: "JennyNeural"}

func TestRequesterRotatesRejectedCredentials(t *testing.T) {
	keys := []string{"bad-1", "bad-2", "bad-3", "good", "bad-4"}
	pool := credential.NewPool(keys)
	provider := newProvider("good")
	r := newRequester(t, pool, provider)

	resp, err := r.Do(context.Background(), jenny, "hello")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "audio" {
		t.Fatalf("unexpected body %q", body)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.used) != 1 || provider.used[0] != "good" {
		t.Fatalf("expected success with the good key, got %v", provider.used)
	}
	for key, n := range provider.rejected {
		if n != 1 {
			t.Fatalf("key %s rejected %d times; retired keys must not be reused", key, n)
		}
	}
	if got, want := pool.Len(), len(keys)-len(provider.rejected); got != want {
		t.Fatalf("expected %d credentials left, got %d", want, got)
	}
}

func TestRequesterExhaustsPool(t *testing.T) {
	pool := credential.NewPool([]string{"a", "b", "c"})
	r := newRequester(t, pool, newProvider())

	if _, err := r.Do(context.Background(), jenny, "hello"); !errors.Is(err, credential.ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty, got %v", err)
	}
	if pool.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", pool.Len())
	}
	// Later requests fail fast.
	if _, err := r.Do(context.Background(), jenny, "again"); !errors.Is(err, credential.ErrPoolEmpty) {
		t.Fatalf("expected ErrPoolEmpty, got %v", err)
	}
}

func TestRequesterProviderError(t *testing.T) {
	pool := credential.NewPool([]string{"good"})
	provider := newProvider("good")
	provider.status = http.StatusTooManyRequests
	r := newRequester(t, pool, provider)

	_, err := r.Do(context.Background(), jenny, "hello")
	if !errors.Is(err, ErrProviderStatus) {
		t.Fatalf("expected ErrProviderStatus, got %v", err)
	}
	if pool.Len() != 1 {
		t.Fatal("non-auth failures must not retire credentials")
	}
}

func TestRequesterBuildsSSML(t *testing.T) {
	pool := credential.NewPool([]string{"good"})
	provider := newProvider("good")
	r := newRequester(t, pool, provider)

	resp, err := r.Do(context.Background(), Voice{Code: "zh-CN", Sex: "Female", Name: "XiaoxiaoNeural"}, "a < b & c")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	body := provider.bodies[0]
	for _, want := range []string{`xml:lang="zh-CN"`, `xml:gender="Female"`, `name="zh-CN-XiaoxiaoNeural"`, `a &lt; b &amp; c`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}
	if got := provider.headers.Get("Content-Type"); got != "application/ssml+xml" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := provider.headers.Get("X-Microsoft-OutputFormat"); got != "ogg-48khz-16bit-mono-opus" {
		t.Fatalf("unexpected output format %q", got)
	}
	if got := provider.headers.Get("User-Agent"); got != "loqa-voice-test" {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestRequesterConcurrentRotation(t *testing.T) {
	keys := make([]string, 0, 10)
	for i := 0; i < 9; i++ {
		keys = append(keys, fmt.Sprintf("bad-%d", i))
	}
	keys = append(keys, "good")
	pool := credential.NewPool(keys)
	r := newRequester(t, pool, newProvider("good"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.Do(context.Background(), jenny, "hello")
			if err != nil {
				t.Errorf("do: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()
	if pool.Len() < 1 {
		t.Fatal("good credential must survive")
	}
}

package nvcf

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/testutils/fakenvcf"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock only moves when Sleep is called.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// stampingTransport records the clock reading at the start of each job
// request (submit or poll).
type stampingTransport struct {
	next   http.RoundTripper
	now    func() time.Time
	mu     sync.Mutex
	stamps []time.Time
}

func (s *stampingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.Contains(req.URL.Path, "/pexec/") || strings.HasPrefix(req.URL.Path, "/redirect/") {
		s.mu.Lock()
		s.stamps = append(s.stamps, s.now())
		s.mu.Unlock()
	}
	return s.next.RoundTrip(req)
}

func (s *stampingTransport) Stamps() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.stamps...)
}

type testEnv struct {
	srv    *fakenvcf.Server
	client *Client
	tokens *TokenManager
	clock  *fakeClock
	stamps *stampingTransport
}

type envOption func(*ClientConfig)

func withDialect(d Dialect) envOption {
	return func(c *ClientConfig) { c.Dialect = d }
}

func withMaxPolls(n int) envOption {
	return func(c *ClientConfig) { c.MaxPollAttempts = n }
}

func withInterval(d time.Duration) envOption {
	return func(c *ClientConfig) { c.MinPollInterval = d }
}

// newTestEnv wires a Client against a fake server. The client's pacing runs
// on a fake clock so interval assertions are exact.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	srv := fakenvcf.New(t)
	clock := newFakeClock()

	httpClient := NewHTTPClient(10 * time.Second)
	stamps := &stampingTransport{next: httpClient.Transport, now: clock.Now}
	httpClient.Transport = stamps

	logger := discardLogger()
	tokens, err := NewTokenManager(Credential{
		AuthURL:       srv.AuthURL(),
		Username:      fakenvcf.Username,
		Secret:        fakenvcf.Secret,
		RefreshBuffer: 20 * time.Second,
	}, httpClient, logger)
	require.NoError(t, err)

	endpoint := Endpoint(srv.URL)
	stager, err := NewAssetStager(endpoint, httpClient, logger)
	require.NoError(t, err)
	decoder, err := NewDecoder(httpClient, logger)
	require.NoError(t, err)

	cfg := ClientConfig{
		BaseURL:         srv.URL,
		Dialect:         DialectRequestID,
		MaxPollAttempts: 15,
		MinPollInterval: time.Second,
		PollSeconds:     60,
		CleanupTimeout:  5 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}

	client, err := NewClient(cfg, httpClient, tokens, stager, decoder,
		NewClassifier([]string{"fn-faceswap"}, "fn-sdxl"), logger,
		WithClock(clock.Now), WithSleep(clock.Sleep))
	require.NoError(t, err)

	return &testEnv{srv: srv, client: client, tokens: tokens, clock: clock, stamps: stamps}
}

func bytesLoader(data []byte, contentType string) AssetLoader {
	return func(context.Context) (*Asset, error) {
		return &Asset{Data: data, ContentType: contentType, ContentLength: int64(len(data))}, nil
	}
}

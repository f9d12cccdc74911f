package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pioxmdr920415/tilecache/pkg/config"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetchConfig() config.Fetch {
	return config.Fetch{
		Timeout:   5 * time.Second,
		UserAgent: "tilecache-test/1.0",
		Referer:   "https://example.com",
	}
}

func TestFetchReturnsBodyAndSendsHeaders(t *testing.T) {
	var gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	f := NewHTTP(testFetchConfig(), logger.NewNoop())

	data, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, []byte("tile-bytes"), data)
	assert.Equal(t, "tilecache-test/1.0", gotUA)
	assert.Equal(t, "https://example.com", gotReferer)
}

func TestFetchNon200IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTP(testFetchConfig(), logger.NewNoop())

	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFetchHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := NewHTTP(testFetchConfig(), logger.NewNoop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
}

func TestFetchRateLimitSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	cfg.RateLimit = 50
	cfg.RateBurst = 1
	f := NewHTTP(cfg, logger.NewNoop())

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond,
		"second request must wait for the limiter")
}

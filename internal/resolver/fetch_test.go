package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-scorer/internal/ratelimit"
	"github.com/sells-group/lead-scorer/internal/resilience"
)

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		MaxConcurrency: 4,
		BaseBackoff:    2 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		ResetWindow:    time.Minute,
		MaxLevel:       8,
	})
}

func testFetcher(l *ratelimit.Limiter) *Fetcher {
	return NewFetcher(l, 5*time.Second, "lead-scorer-test", resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestFetcher_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "lead-scorer-test", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testFetcher(testLimiter()).Get(context.Background(), srv.URL+"/maps/place/x")
	require.Error(t, err)
	assert.False(t, resilience.IsThrottled(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_ThrottleRetriedAndSignalled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := testLimiter()
	_, err := testFetcher(l).Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, l.State().Level)
}

func TestFetcher_RecoversAfterThrottle(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("<html><title>ok</title></html>"))
	}))
	defer srv.Close()

	l := testLimiter()
	page, err := testFetcher(l).Get(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.Status)
	assert.Equal(t, srv.URL+"/page", page.FinalURL)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 0, l.State().Level)
	assert.True(t, l.NotBefore().IsZero())
}

func TestFetcher_BlockPageCountsAsThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>Our systems have detected unusual traffic from your computer network.</body></html>`))
	}))
	defer srv.Close()

	l := testLimiter()
	_, err := testFetcher(l).Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Greater(t, l.State().Level, 0)
}

func TestFetcher_DecodesCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1252")
		w.Write([]byte("<title>Caf\xe9 Zurich</title>"))
	}))
	defer srv.Close()

	page, err := testFetcher(testLimiter()).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<title>Café Zurich</title>", string(page.Body))
}

func TestFetcher_Redirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/redirect":
			http.Redirect(w, r, "https://maps.example/maps/place/Harbor+Plumbing", http.StatusFound)
		default:
			w.Write([]byte("direct answer"))
		}
	}))
	defer srv.Close()

	f := testFetcher(testLimiter())

	loc, err := f.Redirect(context.Background(), srv.URL+"/redirect?q=harbor")
	require.NoError(t, err)
	assert.Equal(t, "https://maps.example/maps/place/Harbor+Plumbing", loc)

	loc, err = f.Redirect(context.Background(), srv.URL+"/other")
	require.NoError(t, err)
	assert.Empty(t, loc)
}

func TestDetectBlock(t *testing.T) {
	cf := &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{"Cf-Ray": []string{"abc"}}}
	blocked, kind := DetectBlock(cf, nil)
	assert.True(t, blocked)
	assert.Equal(t, BlockCloudflare, kind)

	ok := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	blocked, kind = DetectBlock(ok, []byte(`<div class="g-recaptcha"></div>`))
	assert.True(t, blocked)
	assert.Equal(t, BlockCaptcha, kind)

	blocked, kind = DetectBlock(ok, []byte(`<html><body>Alpine Roofing 4.6 (128)</body></html>`))
	assert.False(t, blocked)
	assert.Equal(t, BlockNone, kind)

	blocked, _ = DetectBlock(nil, nil)
	assert.False(t, blocked)
}

func TestDecodeBody_MetaCharset(t *testing.T) {
	body := []byte("<html><head><meta charset=\"iso-8859-1\"></head><body>Z\xfcrich</body></html>")
	assert.Contains(t, string(decodeBody("text/html", body)), "Zürich")
	assert.Equal(t, "plain", string(decodeBody("text/html; charset=utf-8", []byte("plain"))))
}

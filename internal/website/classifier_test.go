package website

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClassifier() *Classifier {
	c := New(Config{Timeout: 5 * time.Second})
	c.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnalyze_EmptyURL(t *testing.T) {
	assert.Nil(t, testClassifier().Analyze(context.Background(), "  "))
}

func TestAnalyze_ActiveSiteWithBonuses(t *testing.T) {
	body := `<html><head><title>Alpine Roofing</title>
<meta name="description" content="Denver roofing contractor">
<meta name="viewport" content="width=device-width"></head>
<body><h1>Alpine Roofing</h1><p>` + strings.Repeat("roof repair and replacement ", 120) + `</p>
<a href="/pricing">Pricing</a> <a href="https://calendly.com/alpine">Book online</a>
<a href="tel:+13035550142">Call now</a>
<footer>© 2026 Alpine Roofing. All rights reserved.</footer></body></html>`
	srv := serve(t, http.StatusOK, body)

	sig := testClassifier().Analyze(context.Background(), srv.URL)
	require.NotNil(t, sig)

	assert.True(t, sig.Reachable)
	assert.Equal(t, MethodHomepage, sig.Method)
	assert.Equal(t, 7, sig.BaseScore)
	assert.True(t, sig.BonusFlags.Pricing)
	assert.True(t, sig.BonusFlags.Booking)
	assert.True(t, sig.BonusFlags.CTA)
	assert.Equal(t, 10, sig.FinalScore)
}

func TestAnalyze_StaleSite(t *testing.T) {
	srv := serve(t, http.StatusOK, `<html><body>Welcome. Copyright 2015. All rights reserved.</body></html>`)

	sig := testClassifier().Analyze(context.Background(), srv.URL)
	require.NotNil(t, sig)

	assert.True(t, sig.Reachable)
	assert.Equal(t, 2, sig.BaseScore)
	assert.False(t, sig.BonusFlags.Booking)
	assert.False(t, sig.BonusFlags.Pricing)
	assert.False(t, sig.BonusFlags.CTA)
	assert.Equal(t, 2, sig.FinalScore)
}

func TestAnalyze_RecentYearWithinThree(t *testing.T) {
	srv := serve(t, http.StatusOK, `<html><body>Updated 2023</body></html>`)
	sig := testClassifier().Analyze(context.Background(), srv.URL)
	assert.Equal(t, 3, sig.BaseScore)
}

func TestAnalyze_HTTPError(t *testing.T) {
	srv := serve(t, http.StatusNotFound, "missing")
	sig := testClassifier().Analyze(context.Background(), srv.URL)
	require.NotNil(t, sig)
	assert.True(t, sig.Reachable)
	assert.Equal(t, MethodHTTPError, sig.Method)
	assert.Equal(t, 0, sig.FinalScore)
}

func TestAnalyze_Blocked(t *testing.T) {
	srv := serve(t, http.StatusOK, `<html><body><div class="g-recaptcha"></div></body></html>`)
	sig := testClassifier().Analyze(context.Background(), srv.URL)
	assert.Equal(t, MethodBlocked, sig.Method)
	assert.Equal(t, 3, sig.FinalScore)
}

func TestAnalyze_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sig := testClassifier().Analyze(context.Background(), url)
	require.NotNil(t, sig)
	assert.False(t, sig.Reachable)
	assert.Equal(t, MethodUnreachable, sig.Method)
	assert.Equal(t, 0, sig.FinalScore)
}

func TestAnalyze_InvalidURL(t *testing.T) {
	sig := testClassifier().Analyze(context.Background(), "not a website")
	require.NotNil(t, sig)
	assert.Equal(t, MethodInvalidURL, sig.Method)
	assert.False(t, sig.Reachable)
}

func TestAnalyze_ConcurrentSameDomainShareFetch(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		fmt.Fprint(w, `<html><body>Contact us 2026</body></html>`)
	}))
	defer srv.Close()

	c := testClassifier()
	var wg sync.WaitGroup
	sigs := make([]int, 5)
	for i := range sigs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sigs[i] = c.Analyze(context.Background(), srv.URL).FinalScore
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, s := range sigs {
		assert.Equal(t, sigs[0], s)
	}
}

package resolver

import (
	"context"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/lead-scorer/internal/ratelimit"
	"github.com/sells-group/lead-scorer/internal/resilience"
)

const maxPageBytes = 2 << 20

// ErrThrottled marks a fetch the upstream pushed back on.
var ErrThrottled = eris.New("resolver: upstream throttled")

// Page is a fetched upstream response, decoded to UTF-8.
type Page struct {
	URL      string
	FinalURL string
	Status   int
	Body     []byte
}

// Fetcher performs upstream requests through the shared limiter with
// bounded retries on throttle signals.
type Fetcher struct {
	client    *http.Client
	probe     *http.Client
	limiter   *ratelimit.Limiter
	retry     resilience.RetryConfig
	userAgent string
}

// NewFetcher creates a Fetcher. The probe client never follows redirects.
func NewFetcher(limiter *ratelimit.Limiter, timeout time.Duration, userAgent string, retry resilience.RetryConfig) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	retry.ShouldRetry = resilience.IsThrottled
	retry.NotBefore = limiter.NotBefore
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("resolver", "fetch")
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout, Transport: transport},
		probe: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:   limiter,
		retry:     retry,
		userAgent: userAgent,
	}
}

// Get fetches a page. Throttle responses, block pages and transport aborts
// raise the limiter's backoff and are retried; other non-2xx statuses fail
// immediately.
func (f *Fetcher) Get(ctx context.Context, target string) (*Page, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*Page, error) {
		return ratelimit.Schedule(ctx, f.limiter, func(ctx context.Context) (*Page, error) {
			return f.getOnce(ctx, target)
		})
	})
}

func (f *Fetcher) getOnce(ctx context.Context, target string) (*Page, error) {
	resp, err := f.do(ctx, f.client, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		f.limiter.RegisterThrottleSignal("read aborted", zap.String("url", target))
		return nil, resilience.NewTransientError(eris.Wrap(err, "resolver: read body"), 0)
	}

	if blocked, kind := DetectBlock(resp, raw); blocked {
		f.limiter.RegisterThrottleSignal("block page", zap.String("url", target), zap.String("block", string(kind)))
		return nil, resilience.NewTransientError(eris.Wrapf(ErrThrottled, "resolver: blocked (%s)", kind), 0)
	}
	if resilience.IsThrottleStatus(resp.StatusCode) {
		f.limiter.RegisterThrottleSignal("throttle status", zap.String("url", target), zap.Int("status", resp.StatusCode))
		return nil, resilience.NewTransientError(eris.Wrapf(ErrThrottled, "resolver: status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("resolver: status %d for %s", resp.StatusCode, target)
	}

	f.limiter.RegisterSuccess()
	return &Page{
		URL:      target,
		FinalURL: resp.Request.URL.String(),
		Status:   resp.StatusCode,
		Body:     decodeBody(resp.Header.Get("Content-Type"), raw),
	}, nil
}

// Redirect issues a GET without following redirects and returns the
// Location header, or "" when the upstream answered directly.
func (f *Fetcher) Redirect(ctx context.Context, target string) (string, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (string, error) {
		return ratelimit.Schedule(ctx, f.limiter, func(ctx context.Context) (string, error) {
			resp, err := f.do(ctx, f.probe, target)
			if err != nil {
				return "", err
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()

			if resilience.IsThrottleStatus(resp.StatusCode) {
				f.limiter.RegisterThrottleSignal("throttle status", zap.String("url", target), zap.Int("status", resp.StatusCode))
				return "", resilience.NewTransientError(eris.Wrapf(ErrThrottled, "resolver: status %d", resp.StatusCode), resp.StatusCode)
			}
			f.limiter.RegisterSuccess()

			if resp.StatusCode < 300 || resp.StatusCode >= 400 {
				return "", nil
			}
			loc, err := resp.Location()
			if err != nil {
				return "", nil
			}
			return loc.String(), nil
		})
	})
}

func (f *Fetcher) do(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: create request")
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "resolver: fetch")
		}
		f.limiter.RegisterThrottleSignal("transport abort", zap.String("url", target), zap.Error(err))
		return nil, resilience.NewTransientError(eris.Wrap(err, "resolver: fetch"), 0)
	}
	return resp, nil
}

var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([a-zA-Z0-9_\-]+)`)

// decodeBody converts a body to UTF-8 using the Content-Type charset, or a
// meta charset declaration near the top of the document.
func decodeBody(contentType string, body []byte) []byte {
	charset := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		charset = params["charset"]
	}
	if charset == "" {
		head := body
		if len(head) > 1024 {
			head = head[:1024]
		}
		if m := metaCharsetRe.FindSubmatch(head); m != nil {
			charset = string(m[1])
		}
	}
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		zap.L().Debug("resolver: unsupported charset", zap.String("charset", charset))
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

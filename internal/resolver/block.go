package resolver

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-automation page detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockSorry      BlockType = "unusual_traffic"
)

// DetectBlock checks a response for signs that the upstream refused to serve
// real content. A block counts as a throttle signal even with a 200 status.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	if resp.Request != nil && resp.Request.URL != nil && strings.HasPrefix(resp.Request.URL.Path, "/sorry/") {
		return true, BlockSorry
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "unusual traffic from your computer network") {
		return true, BlockSorry
	}
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-challenge") {
		return true, BlockCloudflare
	}
	if strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "h-captcha") ||
		strings.Contains(lower, "captcha-form") {
		return true, BlockCaptcha
	}

	return false, BlockNone
}

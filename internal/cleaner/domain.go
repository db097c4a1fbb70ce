package cleaner

import (
	"net"
	"net/url"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// freemail domains never stand in for a business website.
var freemail = map[string]bool{
	"gmail.com": true, "googlemail.com": true, "yahoo.com": true, "hotmail.com": true,
	"outlook.com": true, "live.com": true, "msn.com": true, "aol.com": true,
	"icloud.com": true, "me.com": true, "comcast.net": true, "att.net": true,
	"sbcglobal.net": true, "verizon.net": true, "protonmail.com": true, "proton.me": true,
}

// NormalizeWebsite canonicalizes a user-supplied website into
// "https://host/path" form and returns it with the registrable domain.
// ok is false when raw does not name a public host.
func NormalizeWebsite(raw string) (website, domain string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " @") {
		return "", "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if !strings.Contains(host, ".") {
		return "", "", false
	}
	if net.ParseIP(host) != nil {
		domain = host
	} else if domain, err = publicsuffix.Domain(host); err != nil {
		return "", "", false
	}

	site := url.URL{Scheme: strings.ToLower(u.Scheme), Host: host, Path: strings.TrimRight(u.Path, "/")}
	if p := u.Port(); p != "" {
		site.Host = host + ":" + p
	}
	return site.String(), domain, true
}

// Domain returns the registrable domain of a website or bare host, or "".
func Domain(raw string) string {
	_, d, _ := NormalizeWebsite(raw)
	return d
}

// websiteFromEmail derives a website from a business email address.
func websiteFromEmail(email string) (string, string, bool) {
	_, host, found := strings.Cut(strings.TrimSpace(email), "@")
	if !found || host == "" {
		return "", "", false
	}
	site, domain, ok := NormalizeWebsite(host)
	if !ok || freemail[domain] {
		return "", "", false
	}
	return site, domain, true
}

package model

import "strings"

const (
	// MethodNotFound is the method recorded when no listing could be resolved.
	MethodNotFound = "not_found"
	// MethodIdentityMismatch is recorded when listings were found but none
	// belonged to the business being looked up.
	MethodIdentityMismatch = "not_found:identity_mismatch"
)

// ReviewSnapshot holds the rating signals resolved for a business listing.
// A nil AverageRating is a valid outcome; Method explains how the value (or
// its absence) was produced.
type ReviewSnapshot struct {
	AverageRating *float64 `json:"average_rating"`
	ReviewCount   *int     `json:"review_count"`
	SourceURL     *string  `json:"source_url"`
	Method        string   `json:"method"`
}

// NotFoundSnapshot returns the sentinel snapshot for an unresolved listing.
func NotFoundSnapshot() ReviewSnapshot {
	return ReviewSnapshot{Method: MethodNotFound}
}

// NotFound reports whether the lookup produced no listing.
func (r ReviewSnapshot) NotFound() bool {
	return strings.HasPrefix(r.Method, MethodNotFound)
}

// HasRating reports whether a rating was resolved.
func (r ReviewSnapshot) HasRating() bool {
	return r.AverageRating != nil
}

// NewReviewSnapshot builds a snapshot from resolved values.
func NewReviewSnapshot(rating float64, count *int, sourceURL, method string) ReviewSnapshot {
	s := ReviewSnapshot{AverageRating: &rating, ReviewCount: count, Method: method}
	if sourceURL != "" {
		s.SourceURL = &sourceURL
	}
	return s
}

// BonusFlags marks conversion features detected on a website.
type BonusFlags struct {
	Pricing bool `json:"pricing"`
	Booking bool `json:"booking"`
	CTA     bool `json:"cta"`
}

// WebsiteSignal is the website classifier's verdict for a lead's site.
type WebsiteSignal struct {
	URL        string     `json:"url"`
	Reachable  bool       `json:"reachable"`
	BaseScore  int        `json:"base_score"`
	BonusFlags BonusFlags `json:"bonus_flags"`
	FinalScore int        `json:"final_score"`
	Method     string     `json:"method"`
}

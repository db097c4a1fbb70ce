// Package cleaner normalizes raw leads before enrichment: website and
// registrable domain, phone, listing URL and years in business, with a
// provenance tag per field. An optional Normalizer revises the result with
// an LLM.
package cleaner

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/model"
)

// Field names used as provenance keys.
const (
	FieldCompany  = "company"
	FieldIndustry = "industry"
	FieldLocation = "location"
	FieldWebsite  = "website"
	FieldMapsURL  = "maps_url"
	FieldPhone    = "phone"
	FieldYears    = "years_in_business"
)

// Revision holds values proposed by a Normalizer. Empty fields are left
// untouched.
type Revision struct {
	Website         string
	Phone           string
	Industry        string
	YearsInBusiness *int
}

// Normalizer proposes revisions to a cleaned lead.
type Normalizer interface {
	Normalize(ctx context.Context, lead *model.CleanedLead) (Revision, model.Usage, error)
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithNormalizer enables LLM-assisted normalization.
func WithNormalizer(n Normalizer) Option {
	return func(c *Cleaner) { c.normalizer = n }
}

// WithClock overrides the clock used to derive years in business.
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

// Cleaner cleans leads. It is safe for concurrent use.
type Cleaner struct {
	normalizer Normalizer
	now        func() time.Time
}

// New creates a Cleaner.
func New(opts ...Option) *Cleaner {
	c := &Cleaner{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Clean normalizes a lead. When useLLM is set and a Normalizer is
// configured, its revisions are applied and tagged derived; a normalizer
// failure is logged and the deterministic result kept.
func (c *Cleaner) Clean(ctx context.Context, lead model.Lead, useLLM bool) (*model.CleanedLead, model.Usage) {
	cl := c.deterministic(lead)

	var usage model.Usage
	if !useLLM || c.normalizer == nil {
		return cl, usage
	}

	rev, u, err := c.normalizer.Normalize(ctx, cl)
	usage.Add(u)
	if err != nil {
		zap.L().Warn("cleaner: llm normalize failed",
			zap.String("lead_id", lead.ID),
			zap.String("company", lead.Company),
			zap.Error(err),
		)
		return cl, usage
	}
	apply(cl, rev)
	return cl, usage
}

func (c *Cleaner) deterministic(lead model.Lead) *model.CleanedLead {
	lead.Company = strings.Join(strings.Fields(lead.Company), " ")
	cl := &model.CleanedLead{Lead: lead}
	cl.Tag(FieldCompany, model.ProvenanceCSV)
	tagPresent(cl, FieldIndustry, lead.Industry)
	tagPresent(cl, FieldLocation, lead.Location)

	// Website: explicit column, raw alias, then a business email domain.
	site := lead.Website
	if site == "" {
		site = rawField(lead.RawFields, "website", "url", "homepage", "web", "domain")
	}
	if w, d, ok := NormalizeWebsite(site); ok {
		cl.Website, cl.Domain = w, d
		cl.Tag(FieldWebsite, model.ProvenanceCSV)
	} else if w, d, ok := websiteFromEmail(rawField(lead.RawFields, "email", "email_address", "contact_email")); ok {
		cl.Website, cl.Domain = w, d
		cl.Tag(FieldWebsite, model.ProvenanceDerived)
	} else {
		cl.Tag(FieldWebsite, model.ProvenanceUnknown)
	}

	cl.MapsURL = rawField(lead.RawFields, "maps_url", "google_maps_url", "gmb_url", "google_maps")
	tagPresent(cl, FieldMapsURL, cl.MapsURL)

	cl.Phone = NormalizePhone(rawField(lead.RawFields, "phone", "phone_number", "telephone", "tel"))
	tagPresent(cl, FieldPhone, cl.Phone)

	current := c.now().Year()
	if n, ok := parseYears(rawField(lead.RawFields, "years_in_business", "years", "years_operating")); ok {
		cl.YearsInBusiness = &n
		cl.Tag(FieldYears, model.ProvenanceCSV)
	} else if y, ok := parseYear(rawField(lead.RawFields, "founded", "year_founded", "founded_year", "established", "year_established"), current); ok {
		n := current - y
		cl.YearsInBusiness = &n
		cl.Tag(FieldYears, model.ProvenanceDerived)
	} else {
		cl.Tag(FieldYears, model.ProvenanceUnknown)
	}
	return cl
}

func tagPresent(cl *model.CleanedLead, field, value string) {
	if strings.TrimSpace(value) != "" {
		cl.Tag(field, model.ProvenanceCSV)
		return
	}
	cl.Tag(field, model.ProvenanceUnknown)
}

// apply merges a revision, re-validating every proposed value.
func apply(cl *model.CleanedLead, rev Revision) {
	if w, d, ok := NormalizeWebsite(rev.Website); ok && w != cl.Website {
		cl.Website, cl.Domain = w, d
		cl.Tag(FieldWebsite, model.ProvenanceDerived)
	}
	if p := NormalizePhone(rev.Phone); p != "" && p != cl.Phone {
		cl.Phone = p
		cl.Tag(FieldPhone, model.ProvenanceDerived)
	}
	if ind := strings.TrimSpace(rev.Industry); ind != "" && !strings.EqualFold(ind, cl.Lead.Industry) {
		cl.Lead.Industry = ind
		cl.Tag(FieldIndustry, model.ProvenanceDerived)
	}
	if y := rev.YearsInBusiness; y != nil && *y >= 0 && *y <= 200 {
		if cl.YearsInBusiness == nil || *cl.YearsInBusiness != *y {
			n := *y
			cl.YearsInBusiness = &n
			cl.Tag(FieldYears, model.ProvenanceDerived)
		}
	}
}

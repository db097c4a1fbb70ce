package model

import "strings"

// ProvenanceTag records where a cleaned field value came from.
type ProvenanceTag string

const (
	ProvenanceCSV     ProvenanceTag = "csv"
	ProvenanceDerived ProvenanceTag = "derived"
	ProvenanceUnknown ProvenanceTag = "unknown"
)

// Lead is a single business row handed to the scorer by the ingestion layer.
// It is treated as immutable once scoring starts.
type Lead struct {
	ID        string            `json:"id"`
	Company   string            `json:"company" validate:"required"`
	Industry  string            `json:"industry,omitempty"`
	Website   string            `json:"website,omitempty"`
	Location  string            `json:"location,omitempty"`
	RawFields map[string]string `json:"raw_fields,omitempty"`
}

// CleanedLead is a Lead with normalized contact fields and per-field provenance.
type CleanedLead struct {
	Lead            Lead                     `json:"lead"`
	Website         string                   `json:"website,omitempty"`
	Domain          string                   `json:"domain,omitempty"`
	MapsURL         string                   `json:"maps_url,omitempty"`
	Phone           string                   `json:"phone,omitempty"`
	YearsInBusiness *int                     `json:"years_in_business,omitempty"`
	Provenance      map[string]ProvenanceTag `json:"provenance"`
}

// Query returns the free-text lookup query for the lead: company name plus
// location when one is known.
func (c *CleanedLead) Query() string {
	q := strings.TrimSpace(c.Lead.Company)
	if loc := strings.TrimSpace(c.Lead.Location); loc != "" {
		q += " " + loc
	}
	return q
}

// Tag sets the provenance tag for a field.
func (c *CleanedLead) Tag(field string, tag ProvenanceTag) {
	if c.Provenance == nil {
		c.Provenance = make(map[string]ProvenanceTag)
	}
	c.Provenance[field] = tag
}

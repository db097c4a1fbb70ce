package model

// Interpretation buckets a final score into a sales-readiness label.
type Interpretation string

const (
	InterpretationHot        Interpretation = "Hot"
	InterpretationQualified  Interpretation = "Qualified"
	InterpretationBorderline Interpretation = "Borderline"
	InterpretationColdDead   Interpretation = "ColdDead"
)

// SubScores are the five component scores, each an integer in [0, 10].
type SubScores struct {
	WebsiteActivity int `json:"website_activity"`
	Reviews         int `json:"reviews"`
	YearsInBusiness int `json:"years_in_business"`
	RevenueProxy    int `json:"revenue_proxy"`
	IndustryFit     int `json:"industry_fit"`
}

// Weights are the per-component weights. They sum to 1.0.
type Weights struct {
	WebsiteActivity float64 `json:"website_activity" yaml:"website_activity"`
	Reviews         float64 `json:"reviews" yaml:"reviews"`
	YearsInBusiness float64 `json:"years_in_business" yaml:"years_in_business"`
	RevenueProxy    float64 `json:"revenue_proxy" yaml:"revenue_proxy"`
	IndustryFit     float64 `json:"industry_fit" yaml:"industry_fit"`
}

// Sum returns the total of all component weights.
func (w Weights) Sum() float64 {
	return w.WebsiteActivity + w.Reviews + w.YearsInBusiness + w.RevenueProxy + w.IndustryFit
}

// ScoreResult is the composite score for one lead. FinalScore is always
// recomputed from SubScores and Weights; it is never taken from the scoring
// collaborator.
type ScoreResult struct {
	SubScores      SubScores      `json:"sub_scores"`
	Weights        Weights        `json:"weights"`
	FinalScore     float64        `json:"final_score"`
	Interpretation Interpretation `json:"interpretation"`
	Reasoning      string         `json:"reasoning"`
}

// LeadResult bundles everything produced for a single lead.
type LeadResult struct {
	Index   int            `json:"index"`
	LeadID  string         `json:"lead_id"`
	Company string         `json:"company"`
	Cleaned *CleanedLead   `json:"cleaned,omitempty"`
	Reviews ReviewSnapshot `json:"reviews"`
	Website *WebsiteSignal `json:"website,omitempty"`
	Score   ScoreResult    `json:"score"`
	Error   string         `json:"error,omitempty"`
	Usage   Usage          `json:"usage"`
}

package scoring

import (
	"math"

	"github.com/sells-group/lead-scorer/internal/model"
)

// Interpretation thresholds on the 0-10 final score.
const (
	HotThreshold        = 8.0
	QualifiedThreshold  = 6.5
	BorderlineThreshold = 4.5
)

// Finalize computes the weighted sum of sub-scores, rounded to two decimals.
func Finalize(s model.SubScores, w model.Weights) float64 {
	total := float64(s.WebsiteActivity)*w.WebsiteActivity +
		float64(s.Reviews)*w.Reviews +
		float64(s.YearsInBusiness)*w.YearsInBusiness +
		float64(s.RevenueProxy)*w.RevenueProxy +
		float64(s.IndustryFit)*w.IndustryFit
	return math.Round(total*100) / 100
}

// Interpret buckets a final score.
func Interpret(score float64) model.Interpretation {
	switch {
	case score >= HotThreshold:
		return model.InterpretationHot
	case score >= QualifiedThreshold:
		return model.InterpretationQualified
	case score >= BorderlineThreshold:
		return model.InterpretationBorderline
	default:
		return model.InterpretationColdDead
	}
}

func clamp(n int) int {
	return max(0, min(10, n))
}

// Recompute rebuilds a result from collaborator sub-scores. Sub-scores are
// clamped to [0, 10], the reviews sub-score is zero when no rating was
// resolved, and any final score the collaborator supplied is discarded.
func Recompute(raw model.ScoreResult, w model.Weights, hasRating bool) model.ScoreResult {
	s := model.SubScores{
		WebsiteActivity: clamp(raw.SubScores.WebsiteActivity),
		Reviews:         clamp(raw.SubScores.Reviews),
		YearsInBusiness: clamp(raw.SubScores.YearsInBusiness),
		RevenueProxy:    clamp(raw.SubScores.RevenueProxy),
		IndustryFit:     clamp(raw.SubScores.IndustryFit),
	}
	if !hasRating {
		s.Reviews = 0
	}
	final := Finalize(s, w)
	return model.ScoreResult{
		SubScores:      s,
		Weights:        w,
		FinalScore:     final,
		Interpretation: Interpret(final),
		Reasoning:      raw.Reasoning,
	}
}

// Fallback is the zero-score result recorded when a lead could not be
// scored. The error text becomes the reasoning.
func Fallback(err error, w model.Weights) model.ScoreResult {
	reason := "scoring failed"
	if err != nil {
		reason = "scoring failed: " + err.Error()
	}
	return model.ScoreResult{
		Weights:        w,
		FinalScore:     0,
		Interpretation: model.InterpretationColdDead,
		Reasoning:      reason,
	}
}

// Package scoring turns enriched leads into scores. A Collaborator proposes
// sub-scores, the Batcher amortizes collaborator calls across leads, and the
// final score is always recomputed here from sub-scores and weights.
package scoring

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-scorer/internal/model"
)

// ErrMalformedScore is returned when the collaborator's output does not
// match the score contract.
var ErrMalformedScore = eris.New("scoring: malformed score response")

// Input is one enriched lead submitted for scoring.
type Input struct {
	Lead    *model.CleanedLead
	Reviews model.ReviewSnapshot
	Website *model.WebsiteSignal
}

// Collaborator scores a batch of leads, returning one result per input in
// input order.
type Collaborator interface {
	Score(ctx context.Context, inputs []Input) ([]model.ScoreResult, model.Usage, error)
}

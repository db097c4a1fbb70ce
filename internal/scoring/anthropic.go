package scoring

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/pkg/anthropic"
)

//go:embed schema.json
var schemaJSON []byte

var scoreSchema = mustSchema()

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("scoring: compile score schema: %v", err))
	}
	return s
}

const systemPrompt = `You score small-business sales leads. For each lead in the input array,
return an integer 0-10 for each sub-score:
  website_activity: how alive and conversion-ready the website is (use the website signal)
  reviews: reputation from rating and review count; 0 when no rating was found
  years_in_business: stability; 0 when unknown, 10 for 20+ years
  revenue_proxy: likely revenue from review volume, site sophistication and industry
  industry_fit: fit for a B2B services vendor selling to local businesses
Respond with a JSON array only, one object per lead:
[{"index": <input index>, "sub_scores": {"website_activity": n, "reviews": n,
"years_in_business": n, "revenue_proxy": n, "industry_fit": n}, "reasoning": "<one or two sentences>"}]`

// AnthropicScorer is a Collaborator backed by the Messages API.
type AnthropicScorer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicScorer creates an AnthropicScorer.
func NewAnthropicScorer(client anthropic.Client, model string, maxTokens int64) *AnthropicScorer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicScorer{client: client, model: model, maxTokens: maxTokens}
}

type promptReviews struct {
	Rating *float64 `json:"rating"`
	Count  *int     `json:"review_count"`
	Method string   `json:"method"`
}

type promptWebsite struct {
	Reachable  bool             `json:"reachable"`
	BaseScore  int              `json:"base_score"`
	FinalScore int              `json:"final_score"`
	Bonus      model.BonusFlags `json:"bonus_flags"`
}

type promptLead struct {
	Index           int            `json:"index"`
	Company         string         `json:"company"`
	Industry        string         `json:"industry,omitempty"`
	Location        string         `json:"location,omitempty"`
	Domain          string         `json:"domain,omitempty"`
	YearsInBusiness *int           `json:"years_in_business"`
	HasPhone        bool           `json:"has_phone"`
	Reviews         promptReviews  `json:"reviews"`
	Website         *promptWebsite `json:"website"`
}

type scoredLead struct {
	Index     int             `json:"index"`
	SubScores model.SubScores `json:"sub_scores"`
	Reasoning string          `json:"reasoning"`
}

// Score implements Collaborator.
func (s *AnthropicScorer) Score(ctx context.Context, inputs []Input) ([]model.ScoreResult, model.Usage, error) {
	if len(inputs) == 0 {
		return nil, model.Usage{}, nil
	}
	leads := make([]promptLead, len(inputs))
	for i, in := range inputs {
		leads[i] = toPrompt(i, in)
	}
	payload, err := json.Marshal(leads)
	if err != nil {
		return nil, model.Usage{}, eris.Wrap(err, "scoring: marshal leads")
	}

	temp := 0.0
	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, model.Usage{}, eris.Wrap(err, "scoring: create message")
	}
	resp.Usage.LogCost(s.model, "score")
	usage := model.Usage{
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		CostUSD:          resp.Usage.EstimateCost(s.model),
	}

	results, err := ParseScores(resp.Text(), len(inputs))
	if err != nil {
		return nil, usage, err
	}
	return results, usage, nil
}

// ParseScores validates collaborator output against the score schema and
// returns one result per input, ordered by index.
func ParseScores(text string, n int) ([]model.ScoreResult, error) {
	text = anthropic.CleanJSON(text)
	res, err := scoreSchema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		return nil, eris.Wrapf(ErrMalformedScore, "scoring: invalid json: %v", err)
	}
	if !res.Valid() {
		var msgs []string
		for _, e := range res.Errors() {
			msgs = append(msgs, e.Field()+": "+e.Description())
		}
		return nil, eris.Wrapf(ErrMalformedScore, "scoring: schema violation: %s", strings.Join(msgs, "; "))
	}

	var scored []scoredLead
	if err := json.Unmarshal([]byte(text), &scored); err != nil {
		return nil, eris.Wrapf(ErrMalformedScore, "scoring: decode: %v", err)
	}
	if len(scored) != n {
		return nil, eris.Wrapf(ErrMalformedScore, "scoring: got %d results for %d leads", len(scored), n)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Index < scored[j].Index })

	out := make([]model.ScoreResult, n)
	for i, sl := range scored {
		if sl.Index != i {
			return nil, eris.Wrapf(ErrMalformedScore, "scoring: missing result for lead %d", i)
		}
		out[i] = model.ScoreResult{SubScores: sl.SubScores, Reasoning: sl.Reasoning}
	}
	return out, nil
}

func toPrompt(i int, in Input) promptLead {
	p := promptLead{
		Index: i,
		Reviews: promptReviews{
			Rating: in.Reviews.AverageRating,
			Count:  in.Reviews.ReviewCount,
			Method: in.Reviews.Method,
		},
	}
	if in.Lead != nil {
		p.Company = in.Lead.Lead.Company
		p.Industry = in.Lead.Lead.Industry
		p.Location = in.Lead.Lead.Location
		p.Domain = in.Lead.Domain
		p.YearsInBusiness = in.Lead.YearsInBusiness
		p.HasPhone = in.Lead.Phone != ""
	}
	if w := in.Website; w != nil {
		p.Website = &promptWebsite{
			Reachable:  w.Reachable,
			BaseScore:  w.BaseScore,
			FinalScore: w.FinalScore,
			Bonus:      w.BonusFlags,
		}
	}
	return p
}

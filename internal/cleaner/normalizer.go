package cleaner

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/pkg/anthropic"
)

const normalizePrompt = `You clean small-business lead records for a sales team.
Given a JSON lead, return a single JSON object with these keys:
  "website": the business website URL, or "" if unknown
  "phone": the main phone number, or "" if unknown
  "industry": a short industry label such as "Roofing" or "Dental", or "" if unknown
  "years_in_business": an integer, or null if unknown
Only use facts present in the record. Do not guess. Respond with JSON only.`

// LLMNormalizer asks a model to fill and correct lead fields.
type LLMNormalizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewLLMNormalizer creates an LLMNormalizer.
func NewLLMNormalizer(client anthropic.Client, model string, maxTokens int64) *LLMNormalizer {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &LLMNormalizer{client: client, model: model, maxTokens: maxTokens}
}

type normalizeInput struct {
	Company   string            `json:"company"`
	Industry  string            `json:"industry,omitempty"`
	Location  string            `json:"location,omitempty"`
	Website   string            `json:"website,omitempty"`
	Phone     string            `json:"phone,omitempty"`
	RawFields map[string]string `json:"raw_fields,omitempty"`
}

// Normalize implements Normalizer.
func (n *LLMNormalizer) Normalize(ctx context.Context, lead *model.CleanedLead) (Revision, model.Usage, error) {
	payload, err := json.Marshal(normalizeInput{
		Company:   lead.Lead.Company,
		Industry:  lead.Lead.Industry,
		Location:  lead.Lead.Location,
		Website:   lead.Website,
		Phone:     lead.Phone,
		RawFields: lead.Lead.RawFields,
	})
	if err != nil {
		return Revision{}, model.Usage{}, eris.Wrap(err, "cleaner: marshal lead")
	}

	temp := 0.0
	resp, err := n.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       n.model,
		MaxTokens:   n.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(normalizePrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: &temp,
	})
	if err != nil {
		return Revision{}, model.Usage{}, eris.Wrap(err, "cleaner: normalize")
	}
	resp.Usage.LogCost(n.model, "clean")
	usage := model.Usage{
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		CostUSD:          resp.Usage.EstimateCost(n.model),
	}

	text := anthropic.CleanJSON(resp.Text())
	if !gjson.Valid(text) {
		return Revision{}, usage, eris.New("cleaner: normalizer returned invalid json")
	}
	doc := gjson.Parse(text)
	rev := Revision{
		Website:  doc.Get("website").String(),
		Phone:    doc.Get("phone").String(),
		Industry: doc.Get("industry").String(),
	}
	if y := doc.Get("years_in_business"); y.Type == gjson.Number {
		v := int(y.Int())
		rev.YearsInBusiness = &v
	}
	return rev, usage, nil
}

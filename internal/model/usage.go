package model

// Usage aggregates collaborator token consumption and lookup counters.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Lookups          int     `json:"lookups"`
	LookupCacheHits  int     `json:"lookup_cache_hits"`
	DedupHits        int     `json:"dedup_hits"`
	Fallbacks        int     `json:"fallbacks"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.CostUSD += o.CostUSD
	u.Lookups += o.Lookups
	u.LookupCacheHits += o.LookupCacheHits
	u.DedupHits += o.DedupHits
	u.Fallbacks += o.Fallbacks
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

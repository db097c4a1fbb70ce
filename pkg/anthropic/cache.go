package anthropic

// BuildCachedSystemBlocks constructs a system prompt block with a cache
// breakpoint. The scoring and cleaning prompts are constant across a job, so
// every call after the first reads them from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}

package anthropic

import "strings"

// CleanJSON extracts a JSON document from model output that may carry
// markdown code fences or surrounding prose. Both objects and arrays are
// recognized; whichever opens first wins.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	open, closer := "{", "}"
	obj := strings.Index(text, "{")
	arr := strings.Index(text, "[")
	if arr >= 0 && (obj < 0 || arr < obj) {
		open, closer = "[", "]"
	}

	start := strings.Index(text, open)
	end := strings.LastIndex(text, closer)
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

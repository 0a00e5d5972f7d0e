package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON returns the first JSON object embedded in model output,
// tolerating markdown code fences and surrounding prose.
func ExtractJSON(content string) (string, bool) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// DecodeJSON decodes the JSON object in model output into v.
func DecodeJSON(content string, v any) error {
	raw, ok := ExtractJSON(content)
	if !ok {
		return fmt.Errorf("%w: no JSON object in response", ErrNoDecision)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDecision, err)
	}
	return nil
}

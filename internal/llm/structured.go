package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// scoreKeys are checked in order; the first present wins.
var scoreKeys = []string{"final_score", "overall_score", "security_score", "score"}

// ParseStructured extracts the first JSON object from provider text and its
// 0..100 score. Markdown code fences are tolerated.
func ParseStructured(text string) (json.RawMessage, int, error) {
	raw := extractJSONObject(stripFences(text))
	if raw == nil {
		return nil, 0, fmt.Errorf("%w: no json object", ErrMalformedOutput)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	for _, key := range scoreKeys {
		val, ok := fields[key]
		if !ok {
			continue
		}
		var score float64
		if err := json.Unmarshal(val, &score); err != nil {
			return nil, 0, fmt.Errorf("%w: %s is not numeric", ErrMalformedOutput, key)
		}
		return raw, clampScore(score), nil
	}
	return nil, 0, fmt.Errorf("%w: missing score", ErrMalformedOutput)
}

func clampScore(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// extractJSONObject returns the first balanced {...} block, honoring strings.
func extractJSONObject(text string) json.RawMessage {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := []byte(text[start : i+1])
				if !json.Valid(candidate) {
					return nil
				}
				var buf bytes.Buffer
				if err := json.Compact(&buf, candidate); err != nil {
					return nil
				}
				return json.RawMessage(buf.Bytes())
			}
		}
	}
	return nil
}

// FormatPriorResults renders prior results for inclusion in a synthesis prompt.
func FormatPriorResults(prior []PriorResult) string {
	var b strings.Builder
	for i, p := range prior {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### Analysis from %s (score %d)\n", p.Provider, p.Score)
		b.Write(p.Payload)
	}
	return b.String()
}

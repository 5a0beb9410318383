package dma

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeResult parses a model response into a typed result. Models wrap JSON
// in prose and code fences often enough that a bare Unmarshal is not
// sufficient; extraction finds the first balanced object in the text.
func decodeResult(content string, out any) error {
	raw, err := extractJSONObject(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %q: %w", truncate(raw, 120), err)
	}
	return nil
}

// extractJSONObject returns the first balanced {...} in the text, with any
// markdown code fences stripped first. Brace counting ignores braces inside
// JSON strings.
func extractJSONObject(text string) (string, error) {
	text = stripCodeFences(text)

	start := strings.Index(text, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response %q", truncate(text, 120))
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
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response %q", truncate(text, 120))
}

// stripCodeFences removes markdown ``` fences (with or without a language
// tag) so fenced JSON parses like bare JSON.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}
	var out []string
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

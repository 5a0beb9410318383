package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseArguments parses the raw argument string a TOOL action carries into
// structured parameters for the MCP call.
//
// Parsing cascade (first successful parse wins):
//  1. JSON object → map[string]any
//  2. JSON non-object (string, number, array) → {"input": value}
//  3. YAML with complex structures (arrays, nested maps) → map[string]any
//  4. Key-value pairs (key: value or key=value, comma/newline separated)
//  5. Single raw string → {"input": string}
//
// Empty input returns an empty map (for no-parameter tools).
func ParseArguments(input string) (map[string]any, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return map[string]any{}, nil
	}

	if result, ok := tryParseJSON(input); ok {
		return result, nil
	}
	if result, ok := tryParseYAML(input); ok {
		return result, nil
	}
	if result, ok := tryParseKeyValue(input); ok {
		return result, nil
	}
	return map[string]any{"input": input}, nil
}

// tryParseJSON parses input as JSON. Non-object values (arrays, strings,
// numbers, booleans, null) are wrapped as {"input": value}.
func tryParseJSON(input string) (map[string]any, bool) {
	// Quick-reject: first byte must be JSON-compatible
	b := input[0]
	isJSONStart := b == '{' || b == '[' || b == '"' ||
		(b >= '0' && b <= '9') || b == '-' ||
		b == 't' || b == 'f' || b == 'n'
	if !isJSONStart {
		return nil, false
	}

	var raw any
	if err := json.Unmarshal([]byte(input), &raw); err != nil {
		return nil, false
	}
	if m, ok := raw.(map[string]any); ok {
		return m, true
	}
	return map[string]any{"input": raw}, true
}

// tryParseYAML accepts YAML only when the result is a map with complex values
// (arrays, nested maps). Simple key: value pairs go through the key-value
// parser instead, to avoid false positives on plain text that happens to look
// like YAML.
func tryParseYAML(input string) (map[string]any, bool) {
	var result map[string]any
	if err := yaml.Unmarshal([]byte(input), &result); err != nil {
		return nil, false
	}
	if len(result) == 0 {
		return nil, false
	}
	for _, v := range result {
		switch v.(type) {
		case []any, map[string]any:
			return result, true
		}
	}
	return nil, false
}

// tryParseKeyValue parses "key: value" or "key=value" pairs separated by
// commas or newlines. If any part fails to parse the whole input is rejected
// and falls through to the raw-string fallback.
func tryParseKeyValue(input string) (map[string]any, bool) {
	normalized := strings.ReplaceAll(input, "\n", ",")

	result := make(map[string]any)
	for _, part := range strings.Split(normalized, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := parseKeyValuePair(part)
		if !ok {
			return nil, false
		}
		result[key] = coerceValue(value)
	}
	if len(result) == 0 {
		return nil, false
	}
	return result, true
}

func parseKeyValuePair(part string) (key, value string, ok bool) {
	for _, sep := range []string{":", "="} {
		if idx := strings.Index(part, sep); idx > 0 {
			k := strings.TrimSpace(part[:idx])
			v := strings.TrimSpace(part[idx+1:])
			if k != "" && !strings.Contains(k, " ") {
				return k, v, true
			}
		}
	}
	return "", "", false
}

// coerceValue converts string values to appropriate Go types.
func coerceValue(s string) any {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		// NaN/Inf are not valid in JSON
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return s
		}
		return f
	}
	return s
}

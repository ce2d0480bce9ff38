package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when model output contains no JSON value of the wanted shape.
var ErrNoJSON = errors.New("no JSON found in model output")

// Pre-compiled patterns for pulling JSON out of model output.
var (
	// jsonBlockPattern matches an object inside a markdown code fence.
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches any object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// jsonArrayBlockPattern matches an array inside a markdown code fence.
	jsonArrayBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	// jsonArrayPattern matches any array (greedy fallback).
	jsonArrayPattern = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts a JSON object from model output. It handles markdown
// code fences, line comments and trailing commas.
func ExtractJSON(content string) string {
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := jsonObjectPattern.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// ExtractJSONArray extracts a JSON array from model output.
func ExtractJSONArray(content string) string {
	if m := jsonArrayBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		return cleanJSON(m[1])
	}
	if m := jsonArrayPattern.FindString(content); m != "" {
		return cleanJSON(m)
	}
	return ""
}

// DecodeJSONArray extracts and decodes an array from model output into v.
// A bare top-level object holding exactly one array field is accepted too,
// since models often wrap lists as {"items": [...]}.
func DecodeJSONArray(content string, v any) error {
	if raw := ExtractJSONArray(content); raw != "" {
		if err := json.Unmarshal([]byte(raw), v); err == nil {
			return nil
		}
	}

	raw := ExtractJSON(content)
	if raw == "" {
		return ErrNoJSON
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
		return err
	}
	var found json.RawMessage
	for _, field := range wrapper {
		trimmed := strings.TrimSpace(string(field))
		if strings.HasPrefix(trimmed, "[") {
			if found != nil {
				return ErrNoJSON
			}
			found = field
		}
	}
	if found == nil {
		return ErrNoJSON
	}
	return json.Unmarshal(found, v)
}

// DecodeJSON extracts and decodes an object from model output into v.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(raw), v)
}

// cleanJSON removes line comments and trailing commas, two artifacts models
// commonly produce.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(cleaned, "\n"), "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string values:
//
//	"encryptionControls[0].algorithm",  // path   → "encryptionControls[0].algorithm",
//	"ref": "https://gdpr-info.eu/art-32-gdpr/"    → unchanged
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

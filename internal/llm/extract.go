package llm

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSONObject pulls a single JSON object out of free-form LLM
// text. Models wrap JSON in prose or markdown fences more often than
// not, so the widest first-{ to last-} slice is tried first, then a
// balanced-brace scan from the first opening brace.
func ExtractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}

	if candidate := text[start : end+1]; gjson.Valid(candidate) {
		return candidate, nil
	}

	// The widest slice can over-capture when the text holds several
	// objects; fall back to the first balanced one.
	if candidate := firstBalancedObject(text[start:]); candidate != "" && gjson.Valid(candidate) {
		return candidate, nil
	}

	return "", fmt.Errorf("no valid JSON object found in response")
}

// StringField returns a string field from a JSON document, and whether
// it was present and non-empty.
func StringField(jsonDoc, path string) (string, bool) {
	v := gjson.Get(jsonDoc, path)
	if !v.Exists() || v.String() == "" {
		return "", false
	}
	return v.String(), true
}

// firstBalancedObject scans for the first brace-balanced object in s,
// which must start with '{'. String literals and escapes are honored
// so braces inside values do not confuse the count.
func firstBalancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
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
				return s[:i+1]
			}
		}
	}
	return ""
}

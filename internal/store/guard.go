package store

import (
	"fmt"
	"strings"
)

// ValidateReadOnly rejects any statement that is not a single
// SELECT/WITH query. Generated SQL goes through an LLM validator
// before it lands here, but that validator is itself a model; this
// guard is the contract the database actually enforces.
func ValidateReadOnly(query string) error {
	stripped := stripComments(query)
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}

	// A single trailing semicolon is fine; anything after it is a
	// second statement.
	trimmed = strings.TrimRight(trimmed, "; \t\n\r")
	if containsTopLevelSemicolon(trimmed) {
		return fmt.Errorf("multiple statements are not allowed")
	}

	first := firstKeyword(trimmed)
	switch first {
	case "SELECT", "WITH":
		return nil
	default:
		return fmt.Errorf("only SELECT queries are allowed, got %q statement", first)
	}
}

// stripComments removes -- line comments and /* */ block comments,
// honoring string literals so a comment marker inside a value is kept.
func stripComments(s string) string {
	var b strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if c == '\'' {
				// '' is an escaped quote inside a literal
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte(s[i+1])
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch {
		case c == '\'':
			inString = true
			b.WriteByte(c)
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte('\n')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // skip the closing '/'
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func containsTopLevelSemicolon(s string) bool {
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case ';':
			return true
		}
	}
	return false
}

func firstKeyword(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(strings.Trim(fields[0], "("))
}

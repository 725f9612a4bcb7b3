package llmutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a model reply contains no JSON object
var ErrNoJSON = errors.New("no JSON object in model reply")

// ExtractJSON decodes the first JSON object in a model reply into out.
// Models often wrap JSON in ``` fences or surround it with prose; both are tolerated.
func ExtractJSON(reply string, out any) error {
	text := strings.TrimSpace(reply)
	if text == "" {
		return ErrNoJSON
	}

	// Fast path: the whole reply is JSON
	if err := json.Unmarshal([]byte(text), out); err == nil {
		return nil
	}

	candidate, ok := firstObject(stripFences(text))
	if !ok {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(candidate), out); err != nil {
		return fmt.Errorf("malformed JSON in model reply: %w", err)
	}
	return nil
}

func stripFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	// drop a language tag such as ```json
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}

// firstObject returns the first balanced {...} span, skipping braces inside strings
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
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
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

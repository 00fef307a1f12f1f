package data

import (
	"errors"
	"strings"
)

var (
	ErrNoObject   = errors.New("no json object found")
	ErrUnbalanced = errors.New("unbalanced json object")
)

// FirstObject returns the first balanced {...} block at the start of text,
// ignoring leading whitespace and a markdown code fence. Braces inside
// string literals are not counted.
func FirstObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = trimFence(text)
	if !strings.HasPrefix(text, "{") {
		return "", ErrNoObject
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
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
				return text[:i+1], nil
			}
		}
	}
	return "", ErrUnbalanced
}

func trimFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		return text
	}
	return strings.TrimSpace(text[nl+1:])
}

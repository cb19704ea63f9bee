package core

import (
	"errors"
	"strings"
)

// ExtractJSON returns the first balanced JSON object or array embedded in s.
// Model output often wraps JSON in prose or Markdown fences; this unwraps a
// leading code fence and then scans for a balanced {...} or [...] while
// ignoring braces inside string literals.
func ExtractJSON(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\uFEFF")

	if inner, ok := stripCodeFence(s); ok {
		s = strings.TrimSpace(inner)
	}

	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			if out, ok := balancedFrom(s, i); ok {
				return out, nil
			}
		}
	}
	return "", errors.New("no balanced JSON object/array found")
}

// stripCodeFence unwraps a leading ``` or ~~~ fenced block, tolerating a
// language tag on the opening line.
func stripCodeFence(s string) (string, bool) {
	trim := strings.TrimLeft(s, "\n\r\t ")
	fence := ""
	switch {
	case strings.HasPrefix(trim, "```"):
		fence = "```"
	case strings.HasPrefix(trim, "~~~"):
		fence = "~~~"
	default:
		return "", false
	}
	rest := trim[len(fence):]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, fence); end != -1 {
		return rest[:end], true
	}
	return "", false
}

// balancedFrom extracts a balanced JSON value starting at start, handling
// string literals and escape sequences.
func balancedFrom(s string, start int) (string, bool) {
	opener := s[start]
	if opener != '{' && opener != '[' {
		return "", false
	}

	var stack []byte
	stack = append(stack, opener)
	inString, escape := false, false

	for i := start + 1; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

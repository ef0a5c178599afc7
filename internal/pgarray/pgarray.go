// Package pgarray decodes the backend's array-literal text encoding.
package pgarray

import (
	"errors"
	"fmt"
)

// Decode errors.
var (
	ErrUnterminatedQuote = errors.New("pgarray: unterminated quote")
)

// Decode parses an array literal of the form `{"elem1","elem2",...}` into
// an ordered list of strings. Elements may be quoted or unquoted. Within
// quotes a backslash escapes the following character and a doubled
// double-quote is one literal double-quote. The structure is flat, so a
// single left-to-right scan tracking in-quotes/escaped state is enough.
// `{}` decodes to an empty list.
func Decode(s string) ([]string, error) {
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("pgarray: not an array literal: %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []string{}, nil
	}

	var (
		elems    []string
		cur      []byte
		inQuotes bool
		escaped  bool
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case escaped:
			cur = append(cur, c)
			escaped = false
		case inQuotes && c == '\\':
			escaped = true
		case inQuotes && c == '"':
			if i+1 < len(body) && body[i+1] == '"' {
				cur = append(cur, '"')
				i++
				continue
			}
			inQuotes = false
		case c == '"':
			inQuotes = true
		case c == ',' && !inQuotes:
			elems = append(elems, string(cur))
			cur = cur[:0]
		default:
			cur = append(cur, c)
		}
	}
	if inQuotes || escaped {
		return nil, ErrUnterminatedQuote
	}
	elems = append(elems, string(cur))
	return elems, nil
}

package iptables

import (
	"strings"
	"unicode"
)

// SplitQuoted splits a rule string into arguments. A span enclosed in matching
// single or double quotes becomes one argument without its quotes; any other
// run of non-space characters is taken verbatim. An unterminated quote is
// dropped and the word after it taken as is. Quotes cannot be escaped.
func SplitQuoted(rule string) []string {
	var args []string

	rs := []rune(rule)
	for i := 0; i < len(rs); {
		if unicode.IsSpace(rs[i]) {
			i++
			continue
		}

		if q := rs[i]; q == '"' || q == '\'' {
			if end := indexRune(rs, i+1, q); end >= 0 {
				args = append(args, string(rs[i+1:end]))
				i = end + 1
				continue
			}
			// Unterminated quote, fall back to a plain word without it
			i++
		}

		start := i
		for i < len(rs) && !unicode.IsSpace(rs[i]) {
			i++
		}
		args = append(args, string(rs[start:i]))
	}

	return args
}

func indexRune(rs []rune, from int, r rune) int {
	for i := from; i < len(rs); i++ {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// JoinRule is the inverse of SplitQuoted for specs returned by ListRuleSpecs.
// An argument containing whitespace and both kinds of quotes cannot be written
// so that SplitQuoted restores it, since quotes cannot be escaped. It is
// enclosed in single quotes and splits at the first inner one.
func JoinRule(spec []string) string {
	parts := make([]string, 0, len(spec))
	for _, arg := range spec {
		switch {
		case arg == "":
			parts = append(parts, `""`)
		case strings.IndexFunc(arg, unicode.IsSpace) < 0:
			parts = append(parts, arg)
		case strings.ContainsRune(arg, '"'):
			parts = append(parts, "'"+arg+"'")
		default:
			parts = append(parts, `"`+arg+`"`)
		}
	}
	return strings.Join(parts, " ")
}

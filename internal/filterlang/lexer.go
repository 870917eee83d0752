// Package filterlang implements the restricted expression language trader
// filters are written in. A filter is a single boolean expression over
// numeric builtins (ticker fields, candle fields, moving averages, RSI)
// with arithmetic, comparison and boolean operators. There are no loops,
// no assignment and no I/O; compiled programs are pure functions of a
// market snapshot, which lets the sandbox bound their cost exactly.
package filterlang

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokAnd // "and" or "&&"
	tokOr  // "or" or "||"
	tokNot // "not" or "!"
	tokLT
	tokLE
	tokGT
	tokGE
	tokEQ
	tokNE
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int // byte offset in source, for error messages
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("%q", t.text)
}

// lex tokenizes src. The only error cases are unterminated strings and
// characters outside the language.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			seenDot := false
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' && !seenDot || src[i] == '_') {
				if src[i] == '.' {
					seenDot = true
				}
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})

		case c == '"' || c == '\'':
			quote := c
			start := i
			i++
			for i < len(src) && src[i] != quote {
				i++
			}
			if i >= len(src) {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			toks = append(toks, token{tokString, src[start+1 : i], start})
			i++

		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch strings.ToLower(word) {
			case "true":
				toks = append(toks, token{tokTrue, word, start})
			case "false":
				toks = append(toks, token{tokFalse, word, start})
			case "and":
				toks = append(toks, token{tokAnd, word, start})
			case "or":
				toks = append(toks, token{tokOr, word, start})
			case "not":
				toks = append(toks, token{tokNot, word, start})
			default:
				toks = append(toks, token{tokIdent, word, start})
			}

		default:
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "&&":
				toks = append(toks, token{tokAnd, two, i})
				i += 2
				continue
			case "||":
				toks = append(toks, token{tokOr, two, i})
				i += 2
				continue
			case "<=":
				toks = append(toks, token{tokLE, two, i})
				i += 2
				continue
			case ">=":
				toks = append(toks, token{tokGE, two, i})
				i += 2
				continue
			case "==":
				toks = append(toks, token{tokEQ, two, i})
				i += 2
				continue
			case "!=":
				toks = append(toks, token{tokNE, two, i})
				i += 2
				continue
			}
			var kind tokenKind
			switch c {
			case '<':
				kind = tokLT
			case '>':
				kind = tokGT
			case '!':
				kind = tokNot
			case '+':
				kind = tokPlus
			case '-':
				kind = tokMinus
			case '*':
				kind = tokStar
			case '/':
				kind = tokSlash
			case '%':
				kind = tokPercent
			case '(':
				kind = tokLParen
			case ')':
				kind = tokRParen
			case ',':
				kind = tokComma
			default:
				return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
			}
			toks = append(toks, token{kind, string(c), i})
			i++
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

package logic

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokField
	tokString
	tokNumber
	tokOp
	tokAnd
	tokOr
	tokTrue
	tokFalse
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

func lex(src string) ([]token, error) {
	var tokens []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '[':
			// [field], [event][field] and checkbox [field(code)]
			start := i
			var parts []string
			for i < len(rs) && rs[i] == '[' {
				end := indexRune(rs, i+1, ']')
				if end < 0 {
					return nil, fmt.Errorf("unterminated field reference at %d", start)
				}
				name := strings.TrimSpace(string(rs[i+1 : end]))
				if name == "" {
					return nil, fmt.Errorf("empty field reference at %d", i)
				}
				parts = append(parts, name)
				i = end + 1
			}
			if len(parts) > 2 {
				return nil, fmt.Errorf("field reference at %d has too many parts", start)
			}
			tokens = append(tokens, token{kind: tokField, text: fieldName(parts[len(parts)-1]), pos: start})
		case r == '"' || r == '\'':
			end := indexRune(rs, i+1, r)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			tokens = append(tokens, token{kind: tokString, text: string(rs[i+1 : end]), pos: i})
			i = end + 1
		case unicode.IsDigit(r) || (r == '-' || r == '.') && i+1 < len(rs) && unicode.IsDigit(rs[i+1]):
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(rs[start:i]), pos: start})
		case strings.ContainsRune("=<>!", r):
			start := i
			op := string(r)
			if i+1 < len(rs) && strings.ContainsRune("=>", rs[i+1]) {
				op += string(rs[i+1])
			}
			switch op {
			case "=", "==", "<>", "!=", "<", "<=", ">", ">=":
			default:
				return nil, fmt.Errorf("unknown operator %q at %d", op, start)
			}
			i += len(op)
			tokens = append(tokens, token{kind: tokOp, text: op, pos: start})
		case unicode.IsLetter(r):
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			word := string(rs[start:i])
			kind, ok := keywords[strings.ToLower(word)]
			if !ok {
				return nil, fmt.Errorf("unexpected word %q at %d", word, start)
			}
			tokens = append(tokens, token{kind: kind, text: word, pos: start})
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", r, i)
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(rs)})
	return tokens, nil
}

var keywords = map[string]tokenKind{
	"and":   tokAnd,
	"or":    tokOr,
	"true":  tokTrue,
	"false": tokFalse,
}

// fieldName maps a checkbox reference like consent(2) to its stored field consent___2.
func fieldName(ref string) string {
	open := strings.IndexByte(ref, '(')
	if open < 0 || !strings.HasSuffix(ref, ")") {
		return ref
	}
	return ref[:open] + "___" + strings.TrimSpace(ref[open+1:len(ref)-1])
}

func indexRune(rs []rune, from int, target rune) int {
	for i := from; i < len(rs); i++ {
		if rs[i] == target {
			return i
		}
	}
	return -1
}

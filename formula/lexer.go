package formula

import (
	"strconv"
	"unicode"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokSemicolon
	tokAssign
	tokComma
)

type token struct {
	kind  tokenKind
	text  string
	value float64
	pos   int
}

// operators ordered so that two character operators are tried first
var operators = []string{"**", "<=", ">=", "==", "!=", "+", "-", "*", "/", "^", "<", ">", "&", "|", "!"}

func lex(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i = scanNumber(runes, i)
			text := string(runes[start:i])
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, newError(src, start, "invalid number %q", text)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, value: v, pos: start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i]), pos: start})
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", pos: i})
			i++
		case r == '=' && (i+1 >= len(runes) || runes[i+1] != '='):
			tokens = append(tokens, token{kind: tokAssign, text: "=", pos: i})
			i++
		default:
			op := matchOperator(runes[i:])
			if op == "" {
				return nil, newError(src, i, "unexpected character %q", r)
			}
			tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(runes)}), nil
}

func scanNumber(runes []rune, i int) int {
	for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
		i++
	}
	if i < len(runes) && (runes[i] == 'e' || runes[i] == 'E') {
		j := i + 1
		if j < len(runes) && (runes[j] == '+' || runes[j] == '-') {
			j++
		}
		if j < len(runes) && unicode.IsDigit(runes[j]) {
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			return j
		}
	}
	return i
}

func matchOperator(rest []rune) string {
	for _, op := range operators {
		if len(rest) < len(op) {
			continue
		}
		if string(rest[:len(op)]) == op {
			return op
		}
	}
	return ""
}

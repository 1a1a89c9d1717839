package expr

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokRegex
)

type token struct {
	kind  tokenKind
	text  string // operator text, identifier, or string value
	num   float64
	flags string // regex flags
	pos   int
}

// lexer tokenizes a single expression. A regex literal is only valid
// directly after the =~ operator, so the lexer switches modes for one
// token after emitting it.
type lexer struct {
	src        string
	pos        int
	wantsRegex bool
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) errf(format string, args ...any) error {
	return flowerr.Newf(flowerr.KindExpressionError, "parse error at offset %d: "+format, append([]any{l.pos}, args...)...)
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	if l.wantsRegex {
		l.wantsRegex = false
		if c == '/' {
			return l.lexRegex()
		}
	}

	switch {
	case c >= '0' && c <= '9':
		return l.lexNumber()
	case c == '"' || c == '\'':
		return l.lexString(c)
	case c == '_' || unicode.IsLetter(rune(c)):
		return l.lexIdent()
	}

	// Multi-character operators first.
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "||", "&&", "==", "!=", "<=", ">=":
		l.pos += 2
		return token{kind: tokOp, text: two, pos: start}, nil
	case "=~":
		l.pos += 2
		l.wantsRegex = true
		return token{kind: tokOp, text: two, pos: start}, nil
	}

	switch c {
	case '<', '>', '+', '-', '*', '/', '%', '!', '?', ':', '.', ',', '(', ')', '[', ']', '{', '}', '|':
		l.pos++
		return token{kind: tokOp, text: string(c), pos: start}, nil
	}

	return token{}, l.errf("unexpected character %q", string(c))
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' && !seenDot && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, l.errf("invalid number %q", text)
	}
	return token{kind: tokNumber, num: n, pos: start}, nil
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case quote:
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, l.errf("unterminated escape")
			}
			l.pos++
			switch l.src[l.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(l.src[l.pos])
			}
			l.pos++
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return token{}, l.errf("unterminated string")
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c) {
			l.pos++
			continue
		}
		break
	}
	return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) lexRegex() (token, error) {
	start := l.pos
	l.pos++ // opening slash
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '/':
			l.pos++
			flagStart := l.pos
			for l.pos < len(l.src) && l.src[l.pos] >= 'a' && l.src[l.pos] <= 'z' {
				l.pos++
			}
			return token{kind: tokRegex, text: sb.String(), flags: l.src[flagStart:l.pos], pos: start}, nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return token{}, l.errf("unterminated regex escape")
			}
			sb.WriteByte(c)
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
	return token{}, l.errf("unterminated regex literal")
}

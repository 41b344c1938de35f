package rules

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokDuration
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
	tokArrow
	tokCompare
)

var tokenNames = map[tokenKind]string{
	tokEOF:      "end of input",
	tokIdent:    "identifier",
	tokString:   "string",
	tokNumber:   "number",
	tokDuration: "duration",
	tokLParen:   "'('",
	tokRParen:   "')'",
	tokLBrack:   "'['",
	tokRBrack:   "']'",
	tokComma:    "','",
	tokArrow:    "'->'",
	tokCompare:  "comparator",
}

func (k tokenKind) String() string {
	return tokenNames[k]
}

// Pos is a 1-based source position
type Pos struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

type token struct {
	kind tokenKind
	text string
	pos  Pos
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

type lexer struct {
	src  []rune
	off  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src), line: 1, col: 1}
}

func (l *lexer) peekRune(ahead int) rune {
	if l.off+ahead >= len(l.src) {
		return 0
	}
	return l.src[l.off+ahead]
}

func (l *lexer) advance() rune {
	r := l.src[l.off]
	l.off++
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// tokens scans the whole source, stopping at the first lexical error
func (l *lexer) tokens() ([]token, *CompileError) {
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return out, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, *CompileError) {
	l.skipSpace()
	pos := Pos{Line: l.line, Col: l.col}
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: pos}, nil
	}

	r := l.peekRune(0)
	switch {
	case r == '(':
		l.advance()
		return token{kind: tokLParen, text: "(", pos: pos}, nil
	case r == ')':
		l.advance()
		return token{kind: tokRParen, text: ")", pos: pos}, nil
	case r == '[':
		l.advance()
		return token{kind: tokLBrack, text: "[", pos: pos}, nil
	case r == ']':
		l.advance()
		return token{kind: tokRBrack, text: "]", pos: pos}, nil
	case r == ',':
		l.advance()
		return token{kind: tokComma, text: ",", pos: pos}, nil
	case r == '-' && l.peekRune(1) == '>':
		l.advance()
		l.advance()
		return token{kind: tokArrow, text: "->", pos: pos}, nil
	case r == '=' || r == '!' || r == '<' || r == '>':
		return l.comparator(pos)
	case r == '"':
		return l.str(pos)
	case unicode.IsDigit(r) || (r == '-' && unicode.IsDigit(l.peekRune(1))):
		return l.number(pos)
	case isIdentStart(r):
		return l.ident(pos), nil
	}
	l.advance()
	return token{}, &CompileError{Pos: pos, Msg: fmt.Sprintf("unexpected character %q", r)}
}

func (l *lexer) skipSpace() {
	for l.off < len(l.src) {
		r := l.peekRune(0)
		if r == '#' {
			for l.off < len(l.src) && l.peekRune(0) != '\n' {
				l.advance()
			}
			continue
		}
		if !unicode.IsSpace(r) {
			return
		}
		l.advance()
	}
}

func (l *lexer) comparator(pos Pos) (token, *CompileError) {
	first := l.advance()
	if l.peekRune(0) == '=' {
		l.advance()
		return token{kind: tokCompare, text: string(first) + "=", pos: pos}, nil
	}
	switch first {
	case '<', '>':
		return token{kind: tokCompare, text: string(first), pos: pos}, nil
	case '=':
		return token{}, &CompileError{Pos: pos, Msg: "single '=' is not a comparator, use '=='"}
	}
	return token{}, &CompileError{Pos: pos, Msg: fmt.Sprintf("unexpected character %q", first)}
}

func (l *lexer) str(pos Pos) (token, *CompileError) {
	l.advance()
	var b strings.Builder
	for {
		if l.off >= len(l.src) || l.peekRune(0) == '\n' {
			return token{}, &CompileError{Pos: pos, Msg: "unterminated string"}
		}
		r := l.advance()
		switch r {
		case '"':
			return token{kind: tokString, text: b.String(), pos: pos}, nil
		case '\\':
			if l.off >= len(l.src) {
				return token{}, &CompileError{Pos: pos, Msg: "unterminated string"}
			}
			esc := l.advance()
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				// keeps regex escapes like \d intact
				if esc != '"' && esc != '\\' {
					b.WriteRune('\\')
				}
				b.WriteRune(esc)
			}
		default:
			b.WriteRune(r)
		}
	}
}

// number scans integers, decimals and durations such as 300s or 1h30m.
// Numbers may carry a leading minus; durations may not.
func (l *lexer) number(pos Pos) (token, *CompileError) {
	start := l.off
	negative := l.peekRune(0) == '-'
	if negative {
		l.advance()
	}
	for l.off < len(l.src) && (unicode.IsDigit(l.peekRune(0)) || l.peekRune(0) == '.') {
		l.advance()
	}
	if l.off < len(l.src) && unicode.IsLetter(l.peekRune(0)) {
		for l.off < len(l.src) && (unicode.IsLetter(l.peekRune(0)) || unicode.IsDigit(l.peekRune(0))) {
			l.advance()
		}
		if negative {
			return token{}, &CompileError{Pos: pos, Msg: fmt.Sprintf("negative duration %q", string(l.src[start:l.off]))}
		}
		return token{kind: tokDuration, text: string(l.src[start:l.off]), pos: pos}, nil
	}
	return token{kind: tokNumber, text: string(l.src[start:l.off]), pos: pos}, nil
}

func (l *lexer) ident(pos Pos) token {
	start := l.off
	for l.off < len(l.src) {
		r := l.peekRune(0)
		if isIdentPart(r) || (r == '-' && l.peekRune(1) != '>' && isIdentPart(l.peekRune(1))) {
			l.advance()
			continue
		}
		break
	}
	return token{kind: tokIdent, text: string(l.src[start:l.off]), pos: pos}
}

package script

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokNum
	tokName
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	value uint64
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return "`" + t.text + "'"
}

// lexer splits one scalar of the script. Expression mode reads C-like
// operators and identifiers; pattern mode reads glob words for input
// section descriptions.
type lexer struct {
	src  string
	pos  int
	glob bool
}

var operators = []string{
	"<<=", ">>=", "<<", ">>", "+=", "-=", "*=", "/=", "&=", "|=",
	"==", "!=", "<=", ">=", "&&", "||",
	"(", ")", ",", "+", "-", "*", "/", "%", "&", "|", "~", "=", "!", "<", ">", "?", ":", "^",
}

func isNameStart(c byte) bool {
	return c == '_' || c == '.' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && strings.IndexByte(" \t\r\n", l.src[l.pos]) >= 0 {
		l.pos++
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}
	if l.glob {
		return l.nextGlob(), nil
	}

	c := l.src[l.pos]
	switch {
	case c >= '0' && c <= '9':
		start := l.pos
		for l.pos < len(l.src) && isNameChar(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		v, err := parseNumber(text)
		if err != nil {
			return token{}, err
		}
		return token{kind: tokNum, text: text, value: v}, nil

	case isNameStart(c):
		start := l.pos
		for l.pos < len(l.src) && isNameChar(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokName, text: l.src[start:l.pos]}, nil
	}

	for _, op := range operators {
		if strings.HasPrefix(l.src[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokPunct, text: op}, nil
		}
	}
	return token{}, fmt.Errorf("unexpected character `%c'", c)
}

func (l *lexer) nextGlob() token {
	c := l.src[l.pos]
	if c == '(' || c == ')' || c == ',' {
		l.pos++
		return token{kind: tokPunct, text: string(c)}
	}
	start := l.pos
	for l.pos < len(l.src) && strings.IndexByte(" \t\r\n(),", l.src[l.pos]) < 0 {
		l.pos++
	}
	return token{kind: tokName, text: l.src[start:l.pos]}
}

// parseNumber reads C style integers with an optional K or M multiplier.
func parseNumber(s string) (uint64, error) {
	mul := uint64(1)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		switch s[len(s)-1] {
		case 'k', 'K':
			mul, s = 1024, s[:len(s)-1]
		case 'm', 'M':
			mul, s = 1024*1024, s[:len(s)-1]
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number `%s'", s)
	}
	return v * mul, nil
}

package predicate

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrSyntax = errors.New("predicate syntax error")

// Parse compiles a condition such as
//
//	contains(url, 'evil.example/path') AND NOT equals(country, 'US')
//
// into a Predicate. Calls take a field name and a single-quoted literal;
// a quote inside a literal is doubled or backslash-escaped.
func Parse(src string) (Predicate, error) {
	p := &parser{src: src}
	p.next()
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.tok.text)
	}
	return expr, nil
}

// MustParse is Parse for conditions known at compile time.
func MustParse(src string) Predicate {
	pred, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return pred
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLParen
	tokRParen
	tokComma
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type parser struct {
	src string
	pos int
	tok token
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.tok.pos, fmt.Sprintf(format, args...))
}

func (p *parser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}

	switch c := p.src[p.pos]; {
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
	case c == ',':
		p.pos++
		p.tok = token{kind: tokComma, text: ",", pos: start}
	case c == '\'':
		p.tok = p.scanString(start)
	case isIdentByte(c):
		for p.pos < len(p.src) && isIdentByte(p.src[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.pos], pos: start}
	default:
		p.pos++
		p.tok = token{kind: tokInvalid, text: string(c), pos: start}
	}
}

func (p *parser) scanString(start int) token {
	var b strings.Builder
	p.pos++ // opening quote
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src):
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case c == '\'' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '\'':
			b.WriteByte('\'')
			p.pos += 2
		case c == '\'':
			p.pos++
			return token{kind: tokString, text: b.String(), pos: start}
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return token{kind: tokInvalid, text: "unterminated string", pos: start}
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) keyword(word string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, word)
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := Or{left}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return terms, nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := And{left}
	for p.keyword("AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return terms, nil
}

func (p *parser) parseUnary() (Predicate, error) {
	if p.keyword("NOT") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{P: inner}, nil
	}
	if p.tok.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		p.next()
		return inner, nil
	}
	return p.parseCall()
}

func (p *parser) parseCall() (Predicate, error) {
	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected operator, got %q", p.tok.text)
	}
	op, ok := opAliases[strings.ToLower(p.tok.text)]
	if !ok {
		return nil, p.errorf("unknown operator %q", p.tok.text)
	}
	p.next()
	if p.tok.kind != tokLParen {
		return nil, p.errorf("expected '(' after %s", op)
	}
	p.next()
	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected field name")
	}
	field, ok := LookupField(p.tok.text)
	if !ok {
		return nil, p.errorf("unknown field %q", p.tok.text)
	}
	p.next()
	if p.tok.kind != tokComma {
		return nil, p.errorf("expected ','")
	}
	p.next()
	if p.tok.kind != tokString {
		return nil, p.errorf("expected quoted literal")
	}
	literal := p.tok.text
	p.next()
	if p.tok.kind != tokRParen {
		return nil, p.errorf("expected ')'")
	}
	p.next()
	return Match{Field: field, Op: op, Value: literal}, nil
}

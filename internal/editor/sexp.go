// Package editor speaks the line-delimited s-expression protocol with
// the text editor: inbound edit commands on stdin, outbound append and
// synctex messages on stdout.
package editor

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is one parsed s-expression node: Symbol, String, Int, Float or
// List.
type Value interface{}

type Symbol string

type List []Value

// Parse reads the single s-expression on one protocol line.
func Parse(line string) (Value, error) {
	p := &parser{input: line}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("trailing input at %d", p.pos)
	}
	return v, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) value() (Value, error) {
	p.skipSpace()
	if p.pos == len(p.input) {
		return nil, fmt.Errorf("unexpected end of input")
	}
	switch c := p.input[p.pos]; {
	case c == '(':
		return p.list()
	case c == '"':
		return p.string()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		return p.symbol()
	}
}

func (p *parser) list() (Value, error) {
	p.pos++ // consume '('
	list := List{}
	for {
		p.skipSpace()
		if p.pos == len(p.input) {
			return nil, fmt.Errorf("unterminated list")
		}
		if p.input[p.pos] == ')' {
			p.pos++
			return list, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (p *parser) string() (Value, error) {
	p.pos++ // consume '"'
	var b strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.pos == len(p.input) {
				return nil, fmt.Errorf("unterminated escape")
			}
			e := p.input[p.pos]
			p.pos++
			switch {
			case e == 'n':
				b.WriteByte('\n')
			case e == 't':
				b.WriteByte('\t')
			case e == 'r':
				b.WriteByte('\r')
			case e >= '0' && e <= '7':
				o := int(e - '0')
				for len(p.input) > p.pos && p.input[p.pos] >= '0' && p.input[p.pos] <= '7' && o < 040 {
					o = o*8 + int(p.input[p.pos]-'0')
					p.pos++
				}
				b.WriteByte(byte(o))
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return nil, fmt.Errorf("unterminated string")
}

func (p *parser) number() (Value, error) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	float := false
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == '.' {
			float = true
			p.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		p.pos++
	}
	text := p.input[start:p.pos]
	if float {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", text)
		}
		return f, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return nil, fmt.Errorf("bad number %q", text)
	}
	return n, nil
}

func (p *parser) symbol() (Value, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '(' || c == ')' || c == '"' {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("unexpected character %q", p.input[p.pos])
	}
	return Symbol(p.input[start:p.pos]), nil
}

// quote renders a string literal with escapes the editor side can read
// back: standard escapes for common control characters, octal for the
// rest.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 32 || c == 127:
			fmt.Fprintf(&b, "\\%03o", c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

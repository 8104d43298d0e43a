package typemap

import (
	"fmt"
	"strings"
)

// literalNode is one element of an array or composite text literal.
type literalNode struct {
	text     string
	null     bool
	list     bool
	children []literalNode
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *literalParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) consume(c byte) bool {
	if p.peek() == c && !p.eof() {
		p.pos++
		return true
	}
	return false
}

func (p *literalParser) skipSpace() {
	for !p.eof() {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrMalformedLiteral, p.pos, fmt.Sprintf(format, args...))
}

// quoted reads a double-quoted token. Backslash escapes the next byte and a doubled quote is a literal quote.
func (p *literalParser) quoted() (string, error) {
	if !p.consume('"') {
		return "", p.errorf("expected '\"'")
	}

	var sb strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		p.pos++

		switch c {
		case '\\':
			if p.eof() {
				return "", p.errorf("dangling escape")
			}
			sb.WriteByte(p.src[p.pos])
			p.pos++
		case '"':
			if p.peek() == '"' {
				sb.WriteByte('"')
				p.pos++
				continue
			}
			return sb.String(), nil
		default:
			sb.WriteByte(c)
		}
	}

	return "", p.errorf("unterminated quoted value")
}

func (p *literalParser) until(stops string) string {
	start := p.pos
	for !p.eof() && !strings.ContainsRune(stops, rune(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

// parseArrayLiteral parses the text output of a Postgres array, including nested dimensions.
func parseArrayLiteral(s string) (literalNode, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return literalNode{}, fmt.Errorf("%w: dimension decoration without '='", ErrMalformedLiteral)
		}
		s = strings.TrimSpace(s[eq+1:])
	}

	p := &literalParser{src: s}
	node, err := p.list()
	if err != nil {
		return literalNode{}, err
	}

	p.skipSpace()
	if !p.eof() {
		return literalNode{}, p.errorf("trailing characters")
	}

	return node, nil
}

func (p *literalParser) list() (literalNode, error) {
	if !p.consume('{') {
		return literalNode{}, p.errorf("expected '{'")
	}

	node := literalNode{list: true}
	p.skipSpace()
	if p.consume('}') {
		return node, nil
	}

	for {
		p.skipSpace()

		var child literalNode
		switch p.peek() {
		case '{':
			nested, err := p.list()
			if err != nil {
				return literalNode{}, err
			}
			child = nested
		case '"':
			text, err := p.quoted()
			if err != nil {
				return literalNode{}, err
			}
			child.text = text
		default:
			text := strings.TrimSpace(p.until(",}"))
			if text == "" {
				return literalNode{}, p.errorf("empty array element")
			}
			if strings.EqualFold(text, "NULL") {
				child.null = true
			} else {
				child.text = text
			}
		}

		node.children = append(node.children, child)

		p.skipSpace()
		if p.consume(',') {
			continue
		}
		if p.consume('}') {
			return node, nil
		}
		return literalNode{}, p.errorf("expected ',' or '}'")
	}
}

// parseCompositeLiteral parses the text output of a row value. An empty unquoted field is NULL.
func parseCompositeLiteral(s string) ([]literalNode, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("%w: composite must be wrapped in parentheses", ErrMalformedLiteral)
	}

	p := &literalParser{src: s[1 : len(s)-1]}

	var fields []literalNode
	for {
		var field literalNode
		if p.peek() == '"' {
			text, err := p.quoted()
			if err != nil {
				return nil, err
			}
			field.text = text
		} else {
			text := p.until(",")
			if text == "" {
				field.null = true
			} else {
				field.text = text
			}
		}

		fields = append(fields, field)

		if p.eof() {
			return fields, nil
		}
		if !p.consume(',') {
			return nil, p.errorf("expected ','")
		}
	}
}

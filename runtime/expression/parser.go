// Package expression implements the small expression language used by
// derived fields and endpoint guards.
//
// Grammar, lowest precedence first:
//
//	or      = and { "||" and }
//	and     = equal { "&&" equal }
//	equal   = compare { ("==" | "!=") compare }
//	compare = sum { (">" | ">=" | "<" | "<=") sum }
//	sum     = product { ("+" | "-") product }
//	product = unary { ("*" | "/" | "%") unary }
//	unary   = ("!" | "-") unary | primary
//	primary = number | string | true | false | null | path | "(" or ")"
//	number  = (digits [ "." digits ] | "." digits) [ ("e" | "E") [ "+" | "-" ] digits ]
//	path    = ident { "." (ident | digits) | "[" digits "]" }
//
// Paths resolve against the evaluation context at evaluation time and yield
// null when they do not resolve.
package expression

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

var twoCharOps = []string{"==", "!=", ">=", "<=", "&&", "||"}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src}
	for lx.pos < len(src) {
		c := src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			lx.pos++
		case c == '(':
			lx.emit(tokLParen, "(", 1)
		case c == ')':
			lx.emit(tokRParen, ")", 1)
		case c == '"' || c == '\'':
			if err := lx.lexString(c); err != nil {
				return nil, err
			}
		case isDigit(c), c == '.' && lx.pos+1 < len(src) && isDigit(src[lx.pos+1]):
			lx.lexNumber()
		case isIdentStart(c):
			if err := lx.lexPath(); err != nil {
				return nil, err
			}
		default:
			if !lx.lexOp() {
				return nil, fmt.Errorf("unexpected character '%c' at %d", c, lx.pos)
			}
		}
	}
	lx.tokens = append(lx.tokens, token{kind: tokEOF, pos: lx.pos})
	return lx.tokens, nil
}

func (lx *lexer) emit(kind tokenKind, text string, width int) {
	lx.tokens = append(lx.tokens, token{kind: kind, text: text, pos: lx.pos})
	lx.pos += width
}

func (lx *lexer) lexOp() bool {
	rest := lx.src[lx.pos:]
	for _, op := range twoCharOps {
		if strings.HasPrefix(rest, op) {
			lx.emit(tokOp, op, 2)
			return true
		}
	}
	switch rest[0] {
	case '>', '<', '+', '-', '*', '/', '%', '!':
		lx.emit(tokOp, rest[:1], 1)
		return true
	}
	return false
}

func (lx *lexer) lexString(quote byte) error {
	start := lx.pos
	var sb strings.Builder
	i := lx.pos + 1
	for i < len(lx.src) {
		c := lx.src[i]
		if c == '\\' && i+1 < len(lx.src) {
			sb.WriteByte(lx.src[i+1])
			i += 2
			continue
		}
		if c == quote {
			lx.tokens = append(lx.tokens, token{kind: tokString, text: sb.String(), pos: start})
			lx.pos = i + 1
			return nil
		}
		sb.WriteByte(c)
		i++
	}
	return fmt.Errorf("unterminated string at %d", start)
}

func (lx *lexer) lexNumber() {
	start := lx.pos
	i := lx.pos
	for i < len(lx.src) && isDigit(lx.src[i]) {
		i++
	}
	if i+1 < len(lx.src) && lx.src[i] == '.' && isDigit(lx.src[i+1]) {
		i++
		for i < len(lx.src) && isDigit(lx.src[i]) {
			i++
		}
	}
	if i < len(lx.src) && (lx.src[i] == 'e' || lx.src[i] == 'E') {
		j := i + 1
		if j < len(lx.src) && (lx.src[j] == '+' || lx.src[j] == '-') {
			j++
		}
		if j < len(lx.src) && isDigit(lx.src[j]) {
			for j < len(lx.src) && isDigit(lx.src[j]) {
				j++
			}
			i = j
		}
	}
	lx.tokens = append(lx.tokens, token{kind: tokNumber, text: lx.src[start:i], pos: start})
	lx.pos = i
}

func (lx *lexer) lexPath() error {
	start := lx.pos
	i := lx.pos
	for i < len(lx.src) && isIdentPart(lx.src[i]) {
		i++
	}
	for i < len(lx.src) {
		switch lx.src[i] {
		case '.':
			j := i + 1
			for j < len(lx.src) && isIdentPart(lx.src[j]) {
				j++
			}
			if j == i+1 {
				return fmt.Errorf("dangling '.' at %d", i)
			}
			i = j
			continue
		case '[':
			j := i + 1
			for j < len(lx.src) && isDigit(lx.src[j]) {
				j++
			}
			if j == i+1 || j >= len(lx.src) || lx.src[j] != ']' {
				return fmt.Errorf("malformed index at %d", i)
			}
			i = j + 1
			continue
		}
		break
	}
	lx.tokens = append(lx.tokens, token{kind: tokIdent, text: lx.src[start:i], pos: start})
	lx.pos = i
	return nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) binaryLevel(sub func() (node, error), ops ...string) (node, error) {
	left, err := sub()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp(ops...)
		if !ok {
			return left, nil
		}
		right, err := sub()
		if err != nil {
			return nil, err
		}
		left = &binary{op: op, left: left, right: right}
	}
}

func (p *parser) parseOr() (node, error) {
	return p.binaryLevel(p.parseAnd, "||")
}

func (p *parser) parseAnd() (node, error) {
	return p.binaryLevel(p.parseEqual, "&&")
}

func (p *parser) parseEqual() (node, error) {
	return p.binaryLevel(p.parseCompare, "==", "!=")
}

func (p *parser) parseCompare() (node, error) {
	return p.binaryLevel(p.parseSum, ">", ">=", "<", "<=")
}

func (p *parser) parseSum() (node, error) {
	return p.binaryLevel(p.parseProduct, "+", "-")
}

func (p *parser) parseProduct() (node, error) {
	return p.binaryLevel(p.parseUnary, "*", "/", "%")
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unary{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number '%s' at %d", t.text, t.pos)
		}
		return &literal{value: f}, nil
	case tokString:
		return &literal{value: t.text}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &literal{value: true}, nil
		case "false":
			return &literal{value: false}, nil
		case "null", "nil":
			return &literal{value: nil}, nil
		}
		return &pathRef{path: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at %d", t.pos)
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected '%s' at %d", t.text, t.pos)
}

// Expression is a parsed, reusable expression tree.
type Expression struct {
	src  string
	root node
}

func (e *Expression) String() string {
	return e.src
}

// Parse builds an expression tree from src.
func Parse(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("expression '%s': %w", src, err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("expression '%s': %w", src, err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("expression '%s': unexpected '%s' at %d", src, t.text, t.pos)
	}
	return &Expression{src: src, root: root}, nil
}

var compiled sync.Map // string -> *Expression

// Compile is Parse memoised by source text.
func Compile(src string) (*Expression, error) {
	if e, ok := compiled.Load(src); ok {
		return e.(*Expression), nil
	}
	e, err := Parse(src)
	if err != nil {
		return nil, err
	}
	actual, _ := compiled.LoadOrStore(src, e)
	return actual.(*Expression), nil
}

package formula

import (
	"math"
)

// maxDepth limits the nesting of expressions
const maxDepth = 128

var constants = map[string]float64{
	"PI": math.Pi,
	"E":  math.E,
}

type parser struct {
	src    string
	tokens []token
	i      int
	depth  int
}

func (p *parser) peek() token {
	return p.tokens[p.i]
}

func (p *parser) next() token {
	t := p.tokens[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			return op, true
		}
	}
	return "", false
}

// parseProgram returns the statements in source order. Bare expressions get
// an empty target.
func (p *parser) parseProgram() ([]statement, error) {
	var stmts []statement
	for {
		for p.peek().kind == tokSemicolon {
			p.next()
		}
		if p.peek().kind == tokEOF {
			break
		}
		s, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
		switch t := p.peek(); t.kind {
		case tokSemicolon, tokEOF:
		default:
			return nil, newError(p.src, t.pos, "unexpected %q", t.text)
		}
	}
	if len(stmts) == 0 {
		return nil, newError(p.src, 0, "empty formula")
	}
	return stmts, nil
}

func (p *parser) parseStatement() (statement, error) {
	if p.peek().kind == tokIdent && p.tokens[p.i+1].kind == tokAssign {
		name := p.next()
		p.next()
		if len([]rune(name.text)) > 1 {
			return statement{}, newError(p.src, name.pos, "variable name %q is longer than one character", name.text)
		}
		if _, ok := constants[name.text]; ok {
			return statement{}, newError(p.src, name.pos, "cannot assign to constant %s", name.text)
		}
		expr, err := p.parseExpr()
		if err != nil {
			return statement{}, err
		}
		return statement{target: name.text, expr: expr}, nil
	}
	expr, err := p.parseExpr()
	if err != nil {
		return statement{}, err
	}
	return statement{expr: expr}, nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return newError(p.src, p.peek().pos, "formula nested too deeply")
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseExpr() (node, error) {
	defer p.leave()
	if err := p.enter(); err != nil {
		return nil, err
	}
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	return p.parseLeftAssoc(p.parseAnd, "|")
}

func (p *parser) parseAnd() (node, error) {
	return p.parseLeftAssoc(p.parseComparison, "&")
}

func (p *parser) parseComparison() (node, error) {
	return p.parseLeftAssoc(p.parseAdditive, "<", "<=", ">", ">=", "==", "!=")
}

func (p *parser) parseAdditive() (node, error) {
	return p.parseLeftAssoc(p.parseMultiplicative, "+", "-")
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.parseLeftAssoc(p.parseUnary, "*", "/")
}

func (p *parser) parseLeftAssoc(operand func() (node, error), ops ...string) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp(ops...)
		if !ok {
			return left, nil
		}
		p.next()
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &binary{op: op, l: left, r: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.isOp("-", "+", "!"); ok {
		p.next()
		defer p.leave()
		if err := p.enter(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return x, nil
		}
		return &unary{op: op, x: x}, nil
	}
	return p.parsePower()
}

// parsePower is right associative and binds tighter than unary minus on its
// left, so -2**2 is -(2**2).
func (p *parser) parsePower() (node, error) {
	base, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if _, ok := p.isOp("**", "^"); !ok {
		return base, nil
	}
	p.next()
	defer p.leave()
	if err := p.enter(); err != nil {
		return nil, err
	}
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &binary{op: "**", l: base, r: exp}, nil
}

func (p *parser) parseAtom() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		kind := Float
		if t.value == math.Trunc(t.value) && isIntegerLiteral(t.text) {
			kind = Int
		}
		return &number{value: t.value, kind: kind}, nil
	case tokLParen:
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, newError(p.src, closing.pos, "expected ')'")
		}
		return x, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		if v, ok := constants[t.text]; ok {
			return &number{value: v, kind: Float}, nil
		}
		if len([]rune(t.text)) > 1 {
			return nil, newError(p.src, t.pos, "variable name %q is longer than one character", t.text)
		}
		return &variable{name: t.text, pos: t.pos}, nil
	case tokEOF:
		return nil, newError(p.src, t.pos, "unexpected end of formula")
	}
	return nil, newError(p.src, t.pos, "unexpected %q", t.text)
}

func (p *parser) parseCall(name token) (node, error) {
	if _, ok := functions[name.text]; !ok {
		return nil, newError(p.src, name.pos, "unknown function %q", name.text)
	}
	p.next()
	arg, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if closing := p.next(); closing.kind != tokRParen {
		return nil, newError(p.src, closing.pos, "function %s takes one argument", name.text)
	}
	return &call{fn: name.text, arg: arg}, nil
}

func isIntegerLiteral(text string) bool {
	for _, r := range text {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

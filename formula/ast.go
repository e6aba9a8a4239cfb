package formula

import (
	"fmt"
	"strings"
)

type node interface {
	// walk calls fn for every variable reference below the node
	walk(fn func(v *variable))
	String() string
}

type number struct {
	value float64
	kind  Kind
}

type variable struct {
	name string
	pos  int
}

type unary struct {
	op string
	x  node
}

type binary struct {
	op   string
	l, r node
}

type call struct {
	fn  string
	arg node
}

func (n *number) walk(func(*variable)) {}

func (n *variable) walk(fn func(*variable)) { fn(n) }

func (n *unary) walk(fn func(*variable)) { n.x.walk(fn) }

func (n *binary) walk(fn func(*variable)) {
	n.l.walk(fn)
	n.r.walk(fn)
}

func (n *call) walk(fn func(*variable)) { n.arg.walk(fn) }

func (n *number) String() string { return fmt.Sprint(n.value) }

func (n *variable) String() string { return n.name }

func (n *unary) String() string { return n.op + n.x.String() }

func (n *binary) String() string {
	return "(" + n.l.String() + " " + n.op + " " + n.r.String() + ")"
}

func (n *call) String() string { return n.fn + "(" + n.arg.String() + ")" }

// statement is either an assignment or, for single expression programs, the
// implicit assignment to the output variable.
type statement struct {
	target string
	expr   node
}

func (s statement) String() string {
	return s.target + " = " + s.expr.String()
}

func joinStatements(stmts []statement) string {
	parts := make([]string, len(stmts))
	for i, s := range stmts {
		parts[i] = s.String()
	}
	return strings.Join(parts, "; ")
}

// Package formula compiles and evaluates the raster algebra language: a small
// arithmetic and boolean expression language over single letter variables
// bound to pixel arrays.
//
//	a*(a<=5) + (a<5)
//	m = (x >= 2) & (x < 5); y = m * x
//
// Programs are parsed into an expression tree and interpreted. Nothing in a
// formula can reach outside the grammar.
package formula

import (
	"fmt"
	"sort"
)

// Output is the reserved variable holding the result of a program
const Output = "y"

// Error is returned for malformed formulas and for formulas that reference
// unbound variables.
type Error struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *Error) Error() string {
	if e.Pos < 0 {
		return fmt.Sprintf("formula %q: %s", e.Formula, e.Msg)
	}
	return fmt.Sprintf("formula %q: %s at position %d", e.Formula, e.Msg, e.Pos)
}

func newError(src string, pos int, format string, args ...any) *Error {
	return &Error{Formula: src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Program is a compiled formula. It is immutable and safe for concurrent use.
type Program struct {
	src string
	// statements in evaluation order, the output assignment last
	stmts []statement
	// free variables that must be bound by the caller
	inputs []string
}

// Compile parses and validates src.
func Compile(src string) (*Program, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	stmts, err := p.parseProgram()
	if err != nil {
		return nil, err
	}

	if len(stmts) == 1 && stmts[0].target == "" {
		stmts[0].target = Output
	}
	var output *statement
	ordered := make([]statement, 0, len(stmts))
	for i := range stmts {
		s := stmts[i]
		switch s.target {
		case "":
			return nil, newError(src, -1, "statement %d is not an assignment", i+1)
		case Output:
			if output != nil {
				return nil, newError(src, -1, "output variable %s is assigned more than once", Output)
			}
			output = &stmts[i]
		default:
			ordered = append(ordered, s)
		}
	}
	if output == nil {
		return nil, newError(src, -1, "output variable %s is never assigned", Output)
	}
	ordered = append(ordered, *output)

	return &Program{src: src, stmts: ordered, inputs: freeVariables(ordered)}, nil
}

// freeVariables lists the variables read before they are assigned
func freeVariables(stmts []statement) []string {
	defined := map[string]bool{}
	free := map[string]bool{}
	for _, s := range stmts {
		s.expr.walk(func(v *variable) {
			if !defined[v.name] {
				free[v.name] = true
			}
		})
		defined[s.target] = true
	}
	names := make([]string, 0, len(free))
	for name := range free {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Variables returns the sorted names that must be bound for Eval.
func (p *Program) Variables() []string {
	return append([]string(nil), p.inputs...)
}

// Identity returns the variable name when the program only copies a single
// input.
func (p *Program) Identity() (string, bool) {
	if len(p.stmts) != 1 {
		return "", false
	}
	v, ok := p.stmts[0].expr.(*variable)
	if !ok {
		return "", false
	}
	return v.name, true
}

func (p *Program) String() string {
	return joinStatements(p.stmts)
}

// Check reports an Error when one of the free variables is not in names.
func (p *Program) Check(names map[string]bool) error {
	for _, name := range p.inputs {
		if !names[name] {
			return newError(p.src, -1, "variable %s is not bound to a layer", name)
		}
	}
	return nil
}

// Eval runs the program over vars and returns the output array.
func (p *Program) Eval(vars map[string]Array) (Array, error) {
	env := make(map[string]Array, len(vars)+len(p.stmts))
	for name, a := range vars {
		env[name] = a
	}
	bound := make(map[string]bool, len(vars))
	for name := range vars {
		bound[name] = true
	}
	if err := p.Check(bound); err != nil {
		return Array{}, err
	}
	var out Array
	for _, s := range p.stmts {
		v, err := eval(s.expr, env)
		if err != nil {
			return Array{}, newError(p.src, -1, "%s", err.Error())
		}
		env[s.target] = v
		out = v
	}
	return out, nil
}

// Evaluate compiles src and evaluates it over vars.
func Evaluate(src string, vars map[string]Array) (Array, error) {
	p, err := Compile(src)
	if err != nil {
		return Array{}, err
	}
	return p.Eval(vars)
}

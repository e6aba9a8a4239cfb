package formula

import (
	"fmt"
	"math"
)

type Kind uint8

const (
	Int Kind = iota
	Float
	Bool
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Bool:
		return "bool"
	default:
		return "float"
	}
}

// Array is a column of pixel values. An array of length one is a scalar and
// broadcasts against arrays of any length.
type Array struct {
	Values []float64
	Kind   Kind
}

func Scalar(v float64, kind Kind) Array {
	return Array{Values: []float64{v}, Kind: kind}
}

func (a Array) Len() int {
	return len(a.Values)
}

func (a Array) at(i int) float64 {
	if len(a.Values) == 1 {
		return a.Values[0]
	}
	return a.Values[i]
}

type unaryFunc struct {
	fn   func(float64) float64
	kind func(Kind) Kind
}

func toFloat(Kind) Kind { return Float }

func toInt(Kind) Kind { return Int }

func keepNumeric(k Kind) Kind {
	if k == Bool {
		return Int
	}
	return k
}

var functions = map[string]unaryFunc{
	"sin":   {fn: math.Sin, kind: toFloat},
	"cos":   {fn: math.Cos, kind: toFloat},
	"tan":   {fn: math.Tan, kind: toFloat},
	"log":   {fn: math.Log, kind: toFloat},
	"exp":   {fn: math.Exp, kind: toFloat},
	"sqrt":  {fn: math.Sqrt, kind: toFloat},
	"abs":   {fn: math.Abs, kind: keepNumeric},
	"round": {fn: math.RoundToEven, kind: toInt},
	"int":   {fn: math.Trunc, kind: toInt},
	"sign":  {fn: sign, kind: toInt},
}

func sign(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return v
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func eval(n node, env map[string]Array) (Array, error) {
	switch n := n.(type) {
	case *number:
		return Scalar(n.value, n.kind), nil
	case *variable:
		a, ok := env[n.name]
		if !ok {
			return Array{}, fmt.Errorf("variable %s is not bound", n.name)
		}
		return a, nil
	case *unary:
		x, err := eval(n.x, env)
		if err != nil {
			return Array{}, err
		}
		return evalUnary(n.op, x), nil
	case *call:
		x, err := eval(n.arg, env)
		if err != nil {
			return Array{}, err
		}
		f := functions[n.fn]
		out := Array{Values: make([]float64, x.Len()), Kind: f.kind(x.Kind)}
		for i, v := range x.Values {
			out.Values[i] = f.fn(v)
		}
		return out, nil
	case *binary:
		l, err := eval(n.l, env)
		if err != nil {
			return Array{}, err
		}
		r, err := eval(n.r, env)
		if err != nil {
			return Array{}, err
		}
		return evalBinary(n.op, l, r)
	}
	return Array{}, fmt.Errorf("unsupported expression %s", n)
}

func evalUnary(op string, x Array) Array {
	out := Array{Values: make([]float64, x.Len())}
	switch op {
	case "!":
		out.Kind = Bool
		for i, v := range x.Values {
			out.Values[i] = b2f(v == 0)
		}
	default:
		out.Kind = keepNumeric(x.Kind)
		for i, v := range x.Values {
			out.Values[i] = -v
		}
	}
	return out
}

func evalBinary(op string, l, r Array) (Array, error) {
	n := l.Len()
	switch {
	case l.Len() == r.Len():
	case l.Len() == 1:
		n = r.Len()
	case r.Len() == 1:
	default:
		return Array{}, fmt.Errorf("arrays of length %d and %d do not align", l.Len(), r.Len())
	}

	var f func(a, b float64) float64
	kind := Float
	numeric := Int
	if l.Kind == Float || r.Kind == Float {
		numeric = Float
	}
	switch op {
	case "+":
		f, kind = func(a, b float64) float64 { return a + b }, numeric
	case "-":
		f, kind = func(a, b float64) float64 { return a - b }, numeric
	case "*":
		f, kind = func(a, b float64) float64 { return a * b }, numeric
	case "/":
		f = func(a, b float64) float64 { return a / b }
	case "**":
		f = math.Pow
		if numeric == Int && nonNegative(r) {
			kind = Int
		}
	case "<":
		f, kind = func(a, b float64) float64 { return b2f(a < b) }, Bool
	case "<=":
		f, kind = func(a, b float64) float64 { return b2f(a <= b) }, Bool
	case ">":
		f, kind = func(a, b float64) float64 { return b2f(a > b) }, Bool
	case ">=":
		f, kind = func(a, b float64) float64 { return b2f(a >= b) }, Bool
	case "==":
		f, kind = func(a, b float64) float64 { return b2f(a == b) }, Bool
	case "!=":
		f, kind = func(a, b float64) float64 { return b2f(a != b) }, Bool
	case "&":
		f, kind = func(a, b float64) float64 { return b2f(a != 0 && b != 0) }, Bool
	case "|":
		f, kind = func(a, b float64) float64 { return b2f(a != 0 || b != 0) }, Bool
	default:
		return Array{}, fmt.Errorf("unsupported operator %s", op)
	}

	out := Array{Values: make([]float64, n), Kind: kind}
	for i := range out.Values {
		out.Values[i] = f(l.at(i), r.at(i))
	}
	return out, nil
}

func nonNegative(a Array) bool {
	for _, v := range a.Values {
		if v < 0 {
			return false
		}
	}
	return true
}

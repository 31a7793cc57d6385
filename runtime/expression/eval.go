package expression

import (
	"fmt"
	"math"
	"strings"

	"github.com/BDNK1/flowgate/runtime"
)

// Resolver supplies values for path references. *evalctx.Context satisfies it.
type Resolver interface {
	Lookup(path string) (any, bool)
}

type node interface {
	eval(r Resolver) (any, error)
}

type literal struct {
	value any
}

type pathRef struct {
	path string
}

type unary struct {
	op string
	x  node
}

type binary struct {
	op          string
	left, right node
}

// Eval evaluates the expression against r.
func (e *Expression) Eval(r Resolver) (any, error) {
	return e.root.eval(r)
}

// EvalBool evaluates the expression and applies truthiness to the result.
func (e *Expression) EvalBool(r Resolver) (bool, error) {
	v, err := e.Eval(r)
	if err != nil {
		return false, err
	}
	return runtime.IsTruthy(v), nil
}

// Evaluate compiles and evaluates src in one call.
func Evaluate(src string, r Resolver) (any, error) {
	e, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return e.Eval(r)
}

func (n *literal) eval(Resolver) (any, error) {
	return n.value, nil
}

func (n *pathRef) eval(r Resolver) (any, error) {
	if r == nil {
		return nil, nil
	}
	v, _ := r.Lookup(n.path)
	return v, nil
}

func (n *unary) eval(r Resolver) (any, error) {
	v, err := n.x.eval(r)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !runtime.IsTruthy(v), nil
	case "-":
		f, ok := runtime.ToNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %s", describe(v))
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator '%s'", n.op)
}

func (n *binary) eval(r Resolver) (any, error) {
	left, err := n.left.eval(r)
	if err != nil {
		return nil, err
	}

	// short-circuit
	switch n.op {
	case "&&":
		if !runtime.IsTruthy(left) {
			return false, nil
		}
		right, err := n.right.eval(r)
		if err != nil {
			return nil, err
		}
		return runtime.IsTruthy(right), nil
	case "||":
		if runtime.IsTruthy(left) {
			return true, nil
		}
		right, err := n.right.eval(r)
		if err != nil {
			return nil, err
		}
		return runtime.IsTruthy(right), nil
	}

	right, err := n.right.eval(r)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case ">", ">=", "<", "<=":
		return compare(n.op, left, right)
	case "+":
		if isString(left) || isString(right) {
			if left == nil || right == nil {
				return nil, fmt.Errorf("cannot add %s and %s", describe(left), describe(right))
			}
			return runtime.ToText(left) + runtime.ToText(right), nil
		}
		return arithmetic(n.op, left, right)
	case "-", "*", "/", "%":
		return arithmetic(n.op, left, right)
	}
	return nil, fmt.Errorf("unknown operator '%s'", n.op)
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64, int, int32, float32:
		return true
	}
	return false
}

// equal compares numbers numerically (a numeric string equals the number it
// spells), otherwise requires the same kind and value.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		x, okA := runtime.ToNumber(a)
		y, okB := runtime.ToNumber(b)
		return okA && okB && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func compare(op string, a, b any) (bool, error) {
	x, okA := runtime.ToNumber(a)
	y, okB := runtime.ToNumber(b)
	if !okA || !okB {
		sa, isA := a.(string)
		sb, isB := b.(string)
		if !isA || !isB {
			return false, fmt.Errorf("cannot compare %s %s %s", describe(a), op, describe(b))
		}
		c := strings.Compare(sa, sb)
		x, y = float64(c), 0
	}
	switch op {
	case ">":
		return x > y, nil
	case ">=":
		return x >= y, nil
	case "<":
		return x < y, nil
	}
	return x <= y, nil
}

func arithmetic(op string, a, b any) (any, error) {
	x, okA := runtime.ToNumber(a)
	y, okB := runtime.ToNumber(b)
	if !okA || !okB {
		return nil, fmt.Errorf("cannot apply '%s' to %s and %s", op, describe(a), describe(b))
	}
	switch op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return x / y, nil
	case "%":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(x, y), nil
	}
	return nil, fmt.Errorf("unknown operator '%s'", op)
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T(%v)", v, v)
}

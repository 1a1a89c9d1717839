package expr

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// Scope supplies variable bindings for evaluation. Leading path segments
// resolve against it; missing names resolve to undefined.
type Scope interface {
	Lookup(name string) (any, bool)
}

// MapScope is the simplest scope: a flat map.
type MapScope map[string]any

// Lookup implements Scope.
func (m MapScope) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func runtimeErrf(format string, args ...any) error {
	return flowerr.Newf(flowerr.KindExpressionError, format, args...)
}

// eval evaluates a node against a scope, strictly left-to-right.
func eval(n node, scope Scope) (Value, error) {
	switch x := n.(type) {
	case *litNode:
		return x.value, nil

	case *identNode:
		v, ok := scope.Lookup(x.name)
		if !ok {
			return Undefined(), nil
		}
		return FromAny(v), nil

	case *pathNode:
		base, err := eval(x.base, scope)
		if err != nil {
			return Undefined(), err
		}
		return walkPath(base, x.segs, scope)

	case *arrayNode:
		items := make([]Value, len(x.items))
		for i, item := range x.items {
			v, err := eval(item, scope)
			if err != nil {
				return Undefined(), err
			}
			items[i] = v
		}
		return Array(items), nil

	case *objectNode:
		fields := make(map[string]Value, len(x.fields))
		for _, f := range x.fields {
			v, err := eval(f.value, scope)
			if err != nil {
				return Undefined(), err
			}
			fields[f.key] = v
		}
		return Object(fields), nil

	case *unaryNode:
		v, err := eval(x.operand, scope)
		if err != nil {
			return Undefined(), err
		}
		switch x.op {
		case "!":
			return Bool(!v.Truthy()), nil
		case "-":
			if v.Kind() != TypeNumber {
				return Undefined(), runtimeErrf("cannot negate %s", v.Kind())
			}
			return Number(-v.n), nil
		}
		return Undefined(), runtimeErrf("unknown unary operator %q", x.op)

	case *binaryNode:
		return evalBinary(x, scope)

	case *ternaryNode:
		cond, err := eval(x.cond, scope)
		if err != nil {
			return Undefined(), err
		}
		if cond.Truthy() {
			return eval(x.then, scope)
		}
		return eval(x.els, scope)

	case *callNode:
		fn, ok := builtins[x.name]
		if !ok {
			return Undefined(), runtimeErrf("unknown function %q", x.name)
		}
		args := make([]Value, len(x.args))
		for i, argNode := range x.args {
			v, err := eval(argNode, scope)
			if err != nil {
				return Undefined(), err
			}
			args[i] = v
		}
		return fn(args)

	case *matchNode:
		return evalMatch(x, scope)
	}

	return Undefined(), runtimeErrf("unknown expression node %T", n)
}

func evalBinary(x *binaryNode, scope Scope) (Value, error) {
	// Short-circuit operators return the deciding operand's value.
	if x.op == "||" || x.op == "&&" {
		left, err := eval(x.left, scope)
		if err != nil {
			return Undefined(), err
		}
		if x.op == "||" && left.Truthy() {
			return left, nil
		}
		if x.op == "&&" && !left.Truthy() {
			return left, nil
		}
		return eval(x.right, scope)
	}

	left, err := eval(x.left, scope)
	if err != nil {
		return Undefined(), err
	}
	right, err := eval(x.right, scope)
	if err != nil {
		return Undefined(), err
	}

	switch x.op {
	case "==":
		return Bool(equals(left, right)), nil
	case "!=":
		return Bool(!equals(left, right)), nil
	case "<", "<=", ">", ">=":
		c, err := compare(left, right)
		if err != nil {
			return Undefined(), err
		}
		switch x.op {
		case "<":
			return Bool(c < 0), nil
		case "<=":
			return Bool(c <= 0), nil
		case ">":
			return Bool(c > 0), nil
		default:
			return Bool(c >= 0), nil
		}
	case "+":
		if left.Kind() == TypeNumber && right.Kind() == TypeNumber {
			return Number(left.n + right.n), nil
		}
		if left.Kind() == TypeString || right.Kind() == TypeString {
			return String(left.Stringify() + right.Stringify()), nil
		}
		return Undefined(), runtimeErrf("cannot add %s and %s", left.Kind(), right.Kind())
	case "-", "*", "/", "%":
		if left.Kind() != TypeNumber || right.Kind() != TypeNumber {
			return Undefined(), runtimeErrf("operator %q requires numbers, got %s and %s", x.op, left.Kind(), right.Kind())
		}
		switch x.op {
		case "-":
			return Number(left.n - right.n), nil
		case "*":
			return Number(left.n * right.n), nil
		case "/":
			if right.n == 0 {
				return Undefined(), runtimeErrf("division by zero")
			}
			return Number(left.n / right.n), nil
		default:
			if right.n == 0 {
				return Undefined(), runtimeErrf("modulo by zero")
			}
			return Number(math.Mod(left.n, right.n)), nil
		}
	}
	return Undefined(), runtimeErrf("unknown operator %q", x.op)
}

// evalMatch implements `expr =~ /pattern/flags`: the first capture group
// when the pattern has one, otherwise the whole match, otherwise the
// empty string.
func evalMatch(x *matchNode, scope Scope) (Value, error) {
	left, err := eval(x.left, scope)
	if err != nil {
		return Undefined(), err
	}

	pattern := x.pattern
	var prefix strings.Builder
	for _, flag := range x.flags {
		switch flag {
		case 'i':
			prefix.WriteString("(?i)")
		case 's':
			prefix.WriteString("(?s)")
		case 'm':
			prefix.WriteString("(?m)")
		case 'g':
			// Global matching has no meaning for a single extraction.
		default:
			return Undefined(), runtimeErrf("unsupported regex flag %q", string(flag))
		}
	}

	re, err := regexp.Compile(prefix.String() + pattern)
	if err != nil {
		return Undefined(), flowerr.Wrap(flowerr.KindExpressionError, fmt.Sprintf("invalid regex /%s/", pattern), err)
	}

	m := re.FindStringSubmatch(left.Stringify())
	if m == nil {
		return String(""), nil
	}
	if re.NumSubexp() >= 1 {
		return String(m[1]), nil
	}
	return String(m[0]), nil
}

// walkPath follows dot-and-bracket segments. Any miss along the way
// yields undefined rather than an error.
func walkPath(base Value, segs []segment, scope Scope) (Value, error) {
	current := base
	for _, seg := range segs {
		if seg.index == nil {
			current = fieldAccess(current, seg.key)
			continue
		}
		idx, err := eval(seg.index, scope)
		if err != nil {
			return Undefined(), err
		}
		switch idx.Kind() {
		case TypeNumber:
			current = indexAccess(current, int(idx.n))
		case TypeString:
			current = fieldAccess(current, idx.s)
		default:
			return Undefined(), runtimeErrf("invalid index type %s", idx.Kind())
		}
	}
	return current, nil
}

func fieldAccess(v Value, key string) Value {
	if v.Kind() != TypeObject {
		return Undefined()
	}
	item, ok := v.obj[key]
	if !ok {
		return Undefined()
	}
	return item
}

func indexAccess(v Value, i int) Value {
	switch v.Kind() {
	case TypeArray:
		if i < 0 || i >= len(v.arr) {
			return Undefined()
		}
		return v.arr[i]
	case TypeString:
		if i < 0 || i >= len(v.s) {
			return Undefined()
		}
		return String(string(v.s[i]))
	}
	return Undefined()
}

package expr

import (
	"math"
	"strings"
	"time"
)

// builtinFunc is the signature shared by all built-in functions and pipe
// filters.
type builtinFunc func(args []Value) (Value, error)

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"length":      builtinLength,
		"size":        builtinLength,
		"upper":       stringFn(strings.ToUpper),
		"lower":       stringFn(strings.ToLower),
		"trim":        stringFn(strings.TrimSpace),
		"starts_with": builtinStartsWith,
		"ends_with":   builtinEndsWith,
		"contains":    builtinContains,
		"split":       builtinSplit,
		"join":        builtinJoin,
		"round":       mathFn(math.Round),
		"floor":       mathFn(math.Floor),
		"ceil":        mathFn(math.Ceil),
		"abs":         mathFn(math.Abs),
		"min":         builtinMin,
		"max":         builtinMax,
		"now":         builtinNow,
		"timestamp":   builtinTimestamp,
		"isset":       builtinIsset,
		"default":     builtinDefault,
	}
}

func wantArgs(name string, args []Value, n int) error {
	if len(args) != n {
		return runtimeErrf("%s expects %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func builtinLength(args []Value) (Value, error) {
	if err := wantArgs("length", args, 1); err != nil {
		return Undefined(), err
	}
	switch args[0].Kind() {
	case TypeString:
		return Number(float64(len(args[0].s))), nil
	case TypeArray:
		return Number(float64(len(args[0].arr))), nil
	case TypeObject:
		return Number(float64(len(args[0].obj))), nil
	}
	return Number(0), nil
}

func stringFn(fn func(string) string) builtinFunc {
	return func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Undefined(), runtimeErrf("string function expects 1 argument, got %d", len(args))
		}
		return String(fn(args[0].Stringify())), nil
	}
}

func builtinStartsWith(args []Value) (Value, error) {
	if err := wantArgs("starts_with", args, 2); err != nil {
		return Undefined(), err
	}
	return Bool(strings.HasPrefix(args[0].Stringify(), args[1].Stringify())), nil
}

func builtinEndsWith(args []Value) (Value, error) {
	if err := wantArgs("ends_with", args, 2); err != nil {
		return Undefined(), err
	}
	return Bool(strings.HasSuffix(args[0].Stringify(), args[1].Stringify())), nil
}

// builtinContains checks substring membership on strings and element
// membership on arrays.
func builtinContains(args []Value) (Value, error) {
	if err := wantArgs("contains", args, 2); err != nil {
		return Undefined(), err
	}
	if args[0].Kind() == TypeArray {
		for _, item := range args[0].arr {
			if equals(item, args[1]) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	return Bool(strings.Contains(args[0].Stringify(), args[1].Stringify())), nil
}

func builtinSplit(args []Value) (Value, error) {
	if err := wantArgs("split", args, 2); err != nil {
		return Undefined(), err
	}
	parts := strings.Split(args[0].Stringify(), args[1].Stringify())
	items := make([]Value, len(parts))
	for i, part := range parts {
		items[i] = String(part)
	}
	return Array(items), nil
}

func builtinJoin(args []Value) (Value, error) {
	if err := wantArgs("join", args, 2); err != nil {
		return Undefined(), err
	}
	if args[0].Kind() != TypeArray {
		return Undefined(), runtimeErrf("join expects an array, got %s", args[0].Kind())
	}
	parts := make([]string, len(args[0].arr))
	for i, item := range args[0].arr {
		parts[i] = item.Stringify()
	}
	return String(strings.Join(parts, args[1].Stringify())), nil
}

func mathFn(fn func(float64) float64) builtinFunc {
	return func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Undefined(), runtimeErrf("math function expects 1 argument, got %d", len(args))
		}
		if args[0].Kind() != TypeNumber {
			return Undefined(), runtimeErrf("math function expects a number, got %s", args[0].Kind())
		}
		return Number(fn(args[0].n)), nil
	}
}

func builtinMin(args []Value) (Value, error) {
	return pickNumber("min", args, func(a, b float64) bool { return b < a })
}

func builtinMax(args []Value) (Value, error) {
	return pickNumber("max", args, func(a, b float64) bool { return b > a })
}

func pickNumber(name string, args []Value, better func(current, candidate float64) bool) (Value, error) {
	if len(args) == 0 {
		return Undefined(), runtimeErrf("%s expects at least 1 argument", name)
	}
	if args[0].Kind() != TypeNumber {
		return Undefined(), runtimeErrf("%s expects numbers, got %s", name, args[0].Kind())
	}
	best := args[0].n
	for _, arg := range args[1:] {
		if arg.Kind() != TypeNumber {
			return Undefined(), runtimeErrf("%s expects numbers, got %s", name, arg.Kind())
		}
		if better(best, arg.n) {
			best = arg.n
		}
	}
	return Number(best), nil
}

func builtinNow(args []Value) (Value, error) {
	if err := wantArgs("now", args, 0); err != nil {
		return Undefined(), err
	}
	return String(time.Now().UTC().Format(time.RFC3339)), nil
}

func builtinTimestamp(args []Value) (Value, error) {
	if err := wantArgs("timestamp", args, 0); err != nil {
		return Undefined(), err
	}
	return Number(float64(time.Now().UnixMilli())), nil
}

func builtinIsset(args []Value) (Value, error) {
	if err := wantArgs("isset", args, 1); err != nil {
		return Undefined(), err
	}
	return Bool(!args[0].IsUndefined()), nil
}

// builtinDefault substitutes nullish values with a fallback.
func builtinDefault(args []Value) (Value, error) {
	if err := wantArgs("default", args, 2); err != nil {
		return Undefined(), err
	}
	if args[0].IsNullish() {
		return args[1], nil
	}
	return args[0], nil
}

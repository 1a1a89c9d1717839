package expr

import (
	"strings"
)

// Evaluate parses and evaluates a single expression against a scope,
// returning plain Go data.
func Evaluate(src string, scope Scope) (any, error) {
	v, err := evaluateValue(src, scope)
	if err != nil {
		return nil, err
	}
	return v.Any(), nil
}

// EvaluatePredicate evaluates an expression and reduces the result to its
// truthiness. Step conditions go through here.
func EvaluatePredicate(src string, scope Scope) (bool, error) {
	v, err := evaluateValue(src, scope)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func evaluateValue(src string, scope Scope) (Value, error) {
	n, err := Parse(src)
	if err != nil {
		return Undefined(), err
	}
	return eval(n, scope)
}

// Resolve walks an arbitrary structure (typically decoded YAML or JSON)
// and resolves every template string in it. Maps and slices are rebuilt,
// never mutated in place.
func Resolve(v any, scope Scope) (any, error) {
	switch x := v.(type) {
	case string:
		return ResolveString(x, scope)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}

// ResolveString resolves {{ ... }} placeholders in a string. A string that
// is exactly one placeholder preserves the expression's type; any other
// string renders each placeholder into text.
func ResolveString(s string, scope Scope) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	// Exact single-expression form keeps the value's type.
	if inner, ok := singleExpression(s); ok {
		v, err := evaluateValue(inner, scope)
		if err != nil {
			return nil, err
		}
		return v.Any(), nil
	}

	var sb strings.Builder
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:open])
		body, end, err := scanExpression(rest[open+2:])
		if err != nil {
			return nil, err
		}
		v, err := evaluateValue(strings.TrimSpace(body), scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(v.Stringify())
		rest = rest[open+2+end:]
	}
}

// singleExpression reports whether s is exactly one {{ ... }} placeholder
// with nothing outside it.
func singleExpression(s string) (string, bool) {
	if !strings.HasPrefix(s, "{{") {
		return "", false
	}
	body, end, err := scanExpression(s[2:])
	if err != nil {
		return "", false
	}
	if 2+end != len(s) {
		return "", false
	}
	return strings.TrimSpace(body), true
}

// scanExpression finds the closing }} of a placeholder body, skipping
// string literals and balancing braces so object literals inside the
// expression do not terminate it early. It returns the body and the offset
// just past the closing braces.
func scanExpression(s string) (string, int, error) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
				continue
			}
			if i+1 < len(s) && s[i+1] == '}' {
				return s[:i], i + 2, nil
			}
			return "", 0, runtimeErrf("unbalanced } in template")
		}
	}
	return "", 0, runtimeErrf("unterminated {{ in template")
}

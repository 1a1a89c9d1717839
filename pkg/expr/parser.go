package expr

import (
	"github.com/liliang-cn/markflow/pkg/flowerr"
)

// AST node kinds. Evaluation lives in eval.go.
type node interface{}

type litNode struct{ value Value }

type identNode struct{ name string }

type segment struct {
	key   string // field access when index is nil
	index node   // bracketed index/key expression
}

type pathNode struct {
	base node
	segs []segment
}

type arrayNode struct{ items []node }

type objectField struct {
	key   string
	value node
}

type objectNode struct{ fields []objectField }

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type ternaryNode struct {
	cond node
	then node
	els  node
}

type callNode struct {
	name string
	args []node
}

type matchNode struct {
	left    node
	pattern string
	flags   string
}

// parser is a recursive-descent parser over the lexer's token stream with
// one token of lookahead.
type parser struct {
	lex *lexer
	tok token
}

// Parse compiles a single expression into its AST.
func Parse(src string) (node, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parsePipe()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errf("unexpected trailing input")
	}
	return n, nil
}

func (p *parser) errf(format string, args ...any) error {
	return flowerr.Newf(flowerr.KindExpressionError, "parse error at offset %d: "+format, append([]any{p.tok.pos}, args...)...)
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) isOp(text string) bool {
	return p.tok.kind == tokOp && p.tok.text == text
}

func (p *parser) expectOp(text string) error {
	if !p.isOp(text) {
		return p.errf("expected %q", text)
	}
	return p.advance()
}

// parsePipe handles `expr | filter[:args]` chains, the loosest-binding
// construct. A pipe is sugar for filter(expr, args...).
func (p *parser) parsePipe() (node, error) {
	left, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	for p.isOp("|") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, p.errf("expected filter name after |")
		}
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		args := []node{left}
		if p.isOp(":") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			for {
				arg, err := p.parseTernary()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if !p.isOp(",") {
					break
				}
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
		}
		left = &callNode{name: name, args: args}
	}
	return left, nil
}

func (p *parser) parseTernary() (node, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isOp("?") {
		return cond, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if err := p.expectOp(":"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{cond: cond, then: then, els: els}, nil
}

func (p *parser) parseOr() (node, error) {
	return p.parseBinaryLevel([]string{"||"}, p.parseAnd)
}

func (p *parser) parseAnd() (node, error) {
	return p.parseBinaryLevel([]string{"&&"}, p.parseEquality)
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isOp("==") || p.isOp("!="):
			op := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseComparison()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op, left: left, right: right}
		case p.isOp("=~"):
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokRegex {
				return nil, p.errf("expected regex literal after =~")
			}
			m := &matchNode{left: left, pattern: p.tok.text, flags: p.tok.flags}
			if err := p.advance(); err != nil {
				return nil, err
			}
			left = m
		default:
			return left, nil
		}
	}
}

func (p *parser) parseComparison() (node, error) {
	return p.parseBinaryLevel([]string{"<", "<=", ">", ">="}, p.parseAdditive)
}

func (p *parser) parseAdditive() (node, error) {
	return p.parseBinaryLevel([]string{"+", "-"}, p.parseMultiplicative)
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.parseBinaryLevel([]string{"*", "/", "%"}, p.parseUnary)
}

func (p *parser) parseBinaryLevel(ops []string, next func() (node, error)) (node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := ""
		for _, op := range ops {
			if p.isOp(op) {
				matched = op
				break
			}
		}
		if matched == "" {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: matched, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("!") || p.isOp("-") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary expression followed by any chain of
// `.field` and `[index]` accesses.
func (p *parser) parsePostfix() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	var segs []segment
	for {
		switch {
		case p.isOp("."):
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, p.errf("expected field name after .")
			}
			segs = append(segs, segment{key: p.tok.text})
			if err := p.advance(); err != nil {
				return nil, err
			}
		case p.isOp("["):
			if err := p.advance(); err != nil {
				return nil, err
			}
			idx, err := p.parsePipe()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			segs = append(segs, segment{index: idx})
		default:
			if len(segs) == 0 {
				return base, nil
			}
			return &pathNode{base: base, segs: segs}, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	switch p.tok.kind {
	case tokNumber:
		n := &litNode{value: Number(p.tok.num)}
		return n, p.advance()
	case tokString:
		n := &litNode{value: String(p.tok.text)}
		return n, p.advance()
	case tokIdent:
		name := p.tok.text
		switch name {
		case "true":
			return &litNode{value: Bool(true)}, p.advance()
		case "false":
			return &litNode{value: Bool(false)}, p.advance()
		case "null":
			return &litNode{value: Null()}, p.advance()
		case "undefined":
			return &litNode{value: Undefined()}, p.advance()
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isOp("(") {
			return p.parseCall(name)
		}
		return &identNode{name: name}, nil
	}

	switch {
	case p.isOp("("):
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parsePipe()
		if err != nil {
			return nil, err
		}
		return inner, p.expectOp(")")
	case p.isOp("["):
		return p.parseArray()
	case p.isOp("{"):
		return p.parseObject()
	}

	return nil, p.errf("unexpected token")
}

func (p *parser) parseCall(name string) (node, error) {
	if err := p.advance(); err != nil { // consume (
		return nil, err
	}
	var args []node
	if !p.isOp(")") {
		for {
			arg, err := p.parsePipe()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if !p.isOp(",") {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	return &callNode{name: name, args: args}, p.expectOp(")")
}

func (p *parser) parseArray() (node, error) {
	if err := p.advance(); err != nil { // consume [
		return nil, err
	}
	var items []node
	if !p.isOp("]") {
		for {
			item, err := p.parsePipe()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if !p.isOp(",") {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	return &arrayNode{items: items}, p.expectOp("]")
}

func (p *parser) parseObject() (node, error) {
	if err := p.advance(); err != nil { // consume {
		return nil, err
	}
	var fields []objectField
	if !p.isOp("}") {
		for {
			if p.tok.kind != tokIdent && p.tok.kind != tokString {
				return nil, p.errf("expected object key")
			}
			key := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expectOp(":"); err != nil {
				return nil, err
			}
			value, err := p.parsePipe()
			if err != nil {
				return nil, err
			}
			fields = append(fields, objectField{key: key, value: value})
			if !p.isOp(",") {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	return &objectNode{fields: fields}, p.expectOp("}")
}

package filterlang

import (
	"fmt"
	"strconv"
	"strings"

	"screener-systemv1/internal/model"
)

// Compile-time bounds. Filters are short predicates; anything near these
// limits is either generated or hostile.
const (
	maxCodeLen = 4096
	maxNodes   = 512
)

// Program is a compiled, reusable filter. Safe for concurrent evaluation.
type Program struct {
	root node
	src  string
}

// Source returns the original filter code.
func (p *Program) Source() string { return p.src }

// Compile parses and checks filter code. The returned program has been
// verified against the builtin table: unknown names, wrong arity and
// statically invalid interval arguments all fail here, so a compiled
// trader cannot hit those at evaluation time.
func Compile(code string) (*Program, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("filterlang: empty filter code")
	}
	if len(code) > maxCodeLen {
		return nil, fmt.Errorf("filterlang: code exceeds %d bytes", maxCodeLen)
	}

	toks, err := lex(code)
	if err != nil {
		return nil, fmt.Errorf("filterlang: %w", err)
	}

	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("filterlang: %w", err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("filterlang: unexpected %s after expression", p.peek())
	}
	if n := root.count(); n > maxNodes {
		return nil, fmt.Errorf("filterlang: expression too large (%d nodes, max %d)", n, maxNodes)
	}
	if err := check(root); err != nil {
		return nil, fmt.Errorf("filterlang: %w", err)
	}
	return &Program{root: root, src: code}, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, got %s at offset %d", what, t, t.pos)
	}
	return t, nil
}

// parseOr handles the lowest-precedence level: a (or a)*.
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokNot, child: child}, nil
	}
	return p.parseComparison()
}

// parseComparison allows at most one comparison per level; chained
// comparisons (a < b < c) are a syntax error rather than a silent
// bool-vs-number type error later.
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokLT, tokLE, tokGT, tokGE, tokEQ, tokNE:
		p.next()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
		switch p.peek().kind {
		case tokLT, tokLE, tokGT, tokGE, tokEQ, tokNE:
			return nil, fmt.Errorf("chained comparison at offset %d, use 'and'", p.peek().pos)
		}
	}
	return left, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokPlus && op != tokMinus {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokStar && op != tokSlash && op != tokPercent {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokMinus {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokMinus, child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(strings.ReplaceAll(t.text, "_", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return &numberNode{val: f}, nil

	case tokTrue:
		return &boolNode{val: true}, nil
	case tokFalse:
		return &boolNode{val: false}, nil

	case tokString:
		return &stringNode{val: t.text}, nil

	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		if p.peek().kind != tokLParen {
			return &callNode{name: t.text}, nil
		}
		p.next() // consume '('
		var args []node
		if p.peek().kind != tokRParen {
			for {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &callNode{name: t.text, args: args}, nil

	default:
		return nil, fmt.Errorf("unexpected %s at offset %d", t, t.pos)
	}
}

// check walks the tree validating builtin names, arity and statically known
// interval arguments. String literals are only legal as the interval
// argument of a series builtin.
func check(n node) error {
	switch t := n.(type) {
	case *numberNode, *boolNode:
		return nil

	case *stringNode:
		return fmt.Errorf("string %q outside a builtin interval argument", t.val)

	case *unaryNode:
		return check(t.child)

	case *binaryNode:
		if err := check(t.left); err != nil {
			return err
		}
		return check(t.right)

	case *callNode:
		b, ok := builtins[t.name]
		if !ok {
			return fmt.Errorf("unknown builtin %q", t.name)
		}
		if len(t.args) != b.arity {
			return fmt.Errorf("%s takes %d argument(s), got %d", t.name, b.arity, len(t.args))
		}
		for i, arg := range t.args {
			s, isStr := arg.(*stringNode)
			if b.intervalArg(i) {
				if !isStr {
					return fmt.Errorf("%s: argument %d must be an interval string like \"5m\"", t.name, i+1)
				}
				if _, err := model.ParseInterval(s.val); err != nil {
					return fmt.Errorf("%s: %w", t.name, err)
				}
				continue
			}
			if isStr {
				return fmt.Errorf("%s: argument %d must be numeric", t.name, i+1)
			}
			if err := check(arg); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unhandled node %T", n)
	}
}

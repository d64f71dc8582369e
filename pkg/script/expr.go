package script

import (
	"fmt"

	"github.com/ksco/ldlayout/pkg/linker"
)

type parser struct {
	lex lexer
	tok token
}

func newParser(src string, glob bool) (*parser, error) {
	p := &parser{lex: lexer{src: src, glob: glob}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) is(text string) bool {
	return p.tok.kind == tokPunct && p.tok.text == text
}

func (p *parser) expect(text string) error {
	if !p.is(text) {
		return fmt.Errorf("expected `%s', found %s", text, p.tok)
	}
	return p.advance()
}

func (p *parser) name() (string, error) {
	if p.tok.kind != tokName {
		return "", fmt.Errorf("expected a name, found %s", p.tok)
	}
	name := p.tok.text
	return name, p.advance()
}

func (p *parser) end() error {
	if p.tok.kind != tokEOF {
		return fmt.Errorf("unexpected %s", p.tok)
	}
	return nil
}

// ParseExpr parses a script expression such as `ALIGN(8) + SIZEOF(.text)`.
func ParseExpr(src string) (linker.Expr, error) {
	p, err := newParser(src, false)
	if err != nil {
		return nil, err
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	return e, p.end()
}

// Binary operator levels, loosest first.
var binaryLevels = [][]struct {
	text string
	op   linker.BinOp
}{
	{{"|", linker.OpOr}},
	{{"&", linker.OpAnd}},
	{{"<<", linker.OpShl}, {">>", linker.OpShr}},
	{{"+", linker.OpAdd}, {"-", linker.OpSub}},
	{{"*", linker.OpMul}, {"/", linker.OpDiv}, {"%", linker.OpMod}},
}

func (p *parser) expr() (linker.Expr, error) {
	e, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokPunct {
		switch p.tok.text {
		case "?", ":", "==", "!=", "<", ">", "<=", ">=", "&&", "||", "^":
			return nil, fmt.Errorf("operator `%s' is not supported", p.tok.text)
		}
	}
	return e, nil
}

func (p *parser) binary(level int) (linker.Expr, error) {
	if level == len(binaryLevels) {
		return p.unary()
	}
	lhs, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, op := range binaryLevels[level] {
			if !p.is(op.text) {
				continue
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			rhs, err := p.binary(level + 1)
			if err != nil {
				return nil, err
			}
			lhs = &linker.Binary{Op: op.op, Lhs: lhs, Rhs: rhs}
			matched = true
			break
		}
		if !matched {
			return lhs, nil
		}
	}
}

func (p *parser) unary() (linker.Expr, error) {
	switch {
	case p.is("-"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &linker.Binary{Op: linker.OpSub, Lhs: linker.Int(0), Rhs: e}, nil

	case p.is("~"):
		// ~x is -x - 1 in two's complement.
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		neg := &linker.Binary{Op: linker.OpSub, Lhs: linker.Int(0), Rhs: e}
		return &linker.Binary{Op: linker.OpSub, Lhs: neg, Rhs: linker.Int(1)}, nil

	case p.is("+"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.unary()
	}
	return p.primary()
}

func (p *parser) primary() (linker.Expr, error) {
	tok := p.tok
	switch tok.kind {
	case tokNum:
		return linker.Int(tok.value), p.advance()

	case tokPunct:
		if tok.text != "(" {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		return e, p.expect(")")

	case tokName:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if tok.text == "." {
			return linker.Dot{}, nil
		}
		if tok.text == "SIZEOF_HEADERS" || tok.text == "sizeof_headers" {
			return linker.SizeofHeaders{}, nil
		}
		if !p.is("(") {
			return linker.SymbolRef(tok.text), nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.call(tok.text)
	}
	return nil, fmt.Errorf("unexpected %s", tok)
}

// call parses the arguments of fn, the opening parenthesis already read.
func (p *parser) call(fn string) (linker.Expr, error) {
	var e linker.Expr
	var err error

	nameArg := func(wrap func(string) linker.Expr) {
		var name string
		if name, err = p.name(); err == nil {
			e = wrap(name)
		}
	}

	switch fn {
	case "ADDR":
		nameArg(func(s string) linker.Expr { return linker.Addr(s) })
	case "LOADADDR":
		nameArg(func(s string) linker.Expr { return linker.LoadAddr(s) })
	case "SIZEOF":
		nameArg(func(s string) linker.Expr { return linker.SizeOf(s) })
	case "ALIGNOF":
		nameArg(func(s string) linker.Expr { return linker.AlignOf(s) })
	case "ORIGIN", "ORG":
		nameArg(func(s string) linker.Expr { return linker.Origin(s) })
	case "LENGTH", "LEN":
		nameArg(func(s string) linker.Expr { return linker.Length(s) })
	case "DEFINED":
		nameArg(func(s string) linker.Expr { return linker.Defined(s) })
	case "CONSTANT":
		nameArg(func(s string) linker.Expr { return linker.Constant(s) })

	case "ALIGN":
		args, aerr := p.args(1, 2)
		if err = aerr; err == nil {
			if len(args) == 1 {
				e = &linker.Align{Align: args[0]}
			} else {
				e = &linker.Align{Value: args[0], Align: args[1]}
			}
		}

	case "MAX", "MIN":
		args, aerr := p.args(2, 2)
		if err = aerr; err == nil {
			op := linker.OpMax
			if fn == "MIN" {
				op = linker.OpMin
			}
			e = &linker.Binary{Op: op, Lhs: args[0], Rhs: args[1]}
		}

	case "DATA_SEGMENT_ALIGN":
		args, aerr := p.args(2, 2)
		if err = aerr; err == nil {
			e = &linker.DataSegmentAlign{MaxPage: args[0], CommonPage: args[1]}
		}
	case "DATA_SEGMENT_RELRO_END":
		args, aerr := p.args(2, 2)
		if err = aerr; err == nil {
			e = &linker.DataSegmentRelroEnd{Offset: args[0], Value: args[1]}
		}
	case "DATA_SEGMENT_END":
		args, aerr := p.args(1, 1)
		if err = aerr; err == nil {
			e = &linker.DataSegmentEnd{Value: args[0]}
		}

	default:
		return nil, fmt.Errorf("unknown function `%s'", fn)
	}

	if err != nil {
		return nil, err
	}
	return e, p.expect(")")
}

func (p *parser) args(lo, hi int) ([]linker.Expr, error) {
	var args []linker.Expr
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		if !p.is(",") {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if len(args) < lo || len(args) > hi {
		return nil, fmt.Errorf("wrong number of arguments")
	}
	return args, nil
}

var compoundOps = map[string]linker.BinOp{
	"+=":  linker.OpAdd,
	"-=":  linker.OpSub,
	"*=":  linker.OpMul,
	"/=":  linker.OpDiv,
	"&=":  linker.OpAnd,
	"|=":  linker.OpOr,
	"<<=": linker.OpShl,
	">>=": linker.OpShr,
}

// ParseAssignment parses `name = expr` and the compound forms such as
// `. += 0x10`.
func ParseAssignment(src string) (string, linker.Expr, error) {
	p, err := newParser(src, false)
	if err != nil {
		return "", nil, err
	}
	dst, err := p.name()
	if err != nil {
		return "", nil, err
	}

	if p.tok.kind != tokPunct {
		return "", nil, fmt.Errorf("expected an assignment operator, found %s", p.tok)
	}
	opText := p.tok.text
	op, compound := compoundOps[opText]
	if !compound && opText != "=" {
		return "", nil, fmt.Errorf("expected an assignment operator, found %s", p.tok)
	}
	if err := p.advance(); err != nil {
		return "", nil, err
	}

	value, err := p.expr()
	if err != nil {
		return "", nil, err
	}
	if err := p.end(); err != nil {
		return "", nil, err
	}

	if compound {
		var lhs linker.Expr = linker.SymbolRef(dst)
		if dst == "." {
			lhs = linker.Dot{}
		}
		value = &linker.Binary{Op: op, Lhs: lhs, Rhs: value}
	}
	return dst, value, nil
}

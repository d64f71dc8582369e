package linker

import (
	"fmt"
	"strings"

	"github.com/ksco/ldlayout/pkg/utils"
)

// ExprResult is the outcome of folding an expression. Value is always an
// absolute address. Section is the output section the value is relative
// to: nil for plain numbers, the *ABS* section for absolute values.
// Assignments inside an output section treat plain numbers as offsets
// from the section start.
type ExprResult struct {
	Valid   bool
	Value   uint64
	Section *OutputSection
}

func valid(v uint64) ExprResult {
	return ExprResult{Valid: true, Value: v}
}

// Expr is a script expression tree. Folding never fails hard before the
// final phase: unresolved inputs yield an invalid result that a later pass
// retries.
type Expr interface {
	Fold(f *Folder) ExprResult
	String() string
}

// Folder carries the evaluation state of one fold.
type Folder struct {
	ctx *Context

	Dot     uint64
	Section *OutputSection
}

func (f *Folder) Context() *Context { return f.ctx }

func (f *Folder) Phase() Phase { return f.ctx.Phase }

// topLevel reports folds happening outside any output section.
func (f *Folder) topLevel() bool {
	return f.Section == nil || f.Section == f.ctx.AbsSection
}

// Fold evaluates e with dot as the location counter and ref as the output
// section the expression appears in (nil at top level).
func (ctx *Context) Fold(e Expr, ref *OutputSection, dot uint64) ExprResult {
	if e == nil {
		return ExprResult{}
	}
	return e.Fold(&Folder{ctx: ctx, Dot: dot, Section: ref})
}

func (ctx *Context) exprAbsInt(e Expr, def uint64, what string) uint64 {
	if e == nil {
		return def
	}
	r := ctx.Fold(e, nil, ctx.dot)
	if r.Valid {
		return r.Value
	}
	if ctx.Phase != PhaseMark && ctx.Phase != PhaseNone {
		ctx.Fatalf(ctx.exprLoc, "nonconstant expression for %s", what)
	}
	return def
}

func (ctx *Context) exprPower(e Expr, os *OutputSectionStatement, what string) uint8 {
	if e == nil {
		return 0
	}
	r := ctx.Fold(e, nil, ctx.dot)
	if !r.Valid {
		if ctx.Phase != PhaseMark && ctx.Phase != PhaseNone {
			ctx.Fatalf(ctx.stmtLoc(os.Idx), "nonconstant expression for %s", what)
		}
		return 0
	}
	return utils.Log2(r.Value)
}

type Int uint64

func (i Int) Fold(*Folder) ExprResult { return valid(uint64(i)) }
func (i Int) String() string          { return fmt.Sprintf("0x%x", uint64(i)) }

type Dot struct{}

func (Dot) Fold(f *Folder) ExprResult {
	return ExprResult{Valid: true, Value: f.Dot, Section: f.Section}
}

func (Dot) String() string            { return "." }

type SymbolRef string

func (s SymbolRef) Fold(f *Folder) ExprResult {
	sym := GetSymbolByName(f.ctx, string(s))
	sym.Referenced = true
	if !sym.Defined {
		if f.Phase() == PhaseFinal {
			f.ctx.Fatalf(f.ctx.exprLoc, "undefined symbol `%s' referenced in expression", string(s))
		}
		return ExprResult{}
	}

	addr, ok := sym.Addr()
	if !ok {
		if f.Phase() == PhaseFinal {
			f.ctx.Errorf(f.ctx.exprLoc, "unresolvable symbol `%s' referenced in expression", string(s))
		}
		return ExprResult{}
	}
	section := sym.Section
	if sym.Track == TrackSize {
		section = nil
	}
	if sym.InputSection != nil {
		section = sym.InputSection.OutputSection
	}
	if section == nil {
		section = f.ctx.AbsSection
	}
	return ExprResult{Valid: true, Value: addr, Section: section}
}

func (s SymbolRef) String() string { return string(s) }

type BinOp uint8

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpShl
	OpShr
	OpMax
	OpMin
)

var binOpNames = [...]string{"+", "-", "*", "/", "%", "&", "|", "<<", ">>", "MAX", "MIN"}

func (op BinOp) String() string { return binOpNames[op] }

type Binary struct {
	Op  BinOp
	Lhs Expr
	Rhs Expr
}

func (b *Binary) Fold(f *Folder) ExprResult {
	lhs := b.Lhs.Fold(f)
	rhs := b.Rhs.Fold(f)
	if !lhs.Valid || !rhs.Valid {
		return ExprResult{}
	}

	ret := ExprResult{Valid: true}
	switch b.Op {
	case OpAdd:
		ret.Section = lhs.Section
		if ret.Section == nil {
			ret.Section = rhs.Section
		}
	case OpSub, OpMax, OpMin:
		// The difference of two addresses in one section is a number.
		if lhs.Section != rhs.Section {
			ret.Section = lhs.Section
		}
	}
	l, r := lhs.Value, rhs.Value
	switch b.Op {
	case OpAdd:
		ret.Value = l + r
	case OpSub:
		ret.Value = l - r
	case OpMul:
		ret.Value = l * r
	case OpDiv, OpMod:
		if r == 0 {
			if f.Phase() != PhaseMark {
				f.ctx.Fatalf(f.ctx.exprLoc, "%s by zero", b.Op)
			}
			return ExprResult{}
		}
		if b.Op == OpDiv {
			ret.Value = l / r
		} else {
			ret.Value = l % r
		}
	case OpAnd:
		ret.Value = l & r
	case OpOr:
		ret.Value = l | r
	case OpShl:
		ret.Value = l << r
	case OpShr:
		ret.Value = l >> r
	case OpMax:
		ret.Value = max(l, r)
	case OpMin:
		ret.Value = min(l, r)
	}
	return ret
}

func (b *Binary) String() string {
	if b.Op == OpMax || b.Op == OpMin {
		return fmt.Sprintf("%s(%s, %s)", b.Op, b.Lhs, b.Rhs)
	}
	return fmt.Sprintf("(%s %s %s)", b.Lhs, b.Op, b.Rhs)
}

// Align is ALIGN(align) when Value is nil, else ALIGN(value, align).
type Align struct {
	Value Expr
	Align Expr
}

func (a *Align) Fold(f *Folder) ExprResult {
	v := ExprResult{Valid: true, Value: f.Dot, Section: f.Section}
	if a.Value != nil {
		v = a.Value.Fold(f)
	}
	align := a.Align.Fold(f)
	if !v.Valid || !align.Valid {
		return ExprResult{}
	}
	v.Value = alignN(v.Value, align.Value)
	return v
}

func (a *Align) String() string {
	if a.Value == nil {
		return fmt.Sprintf("ALIGN(%s)", a.Align)
	}
	return fmt.Sprintf("ALIGN(%s, %s)", a.Value, a.Align)
}

func alignN(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

func (f *Folder) lookupSection(name string) *OutputSectionStatement {
	os := f.ctx.FindOutputSection(name)
	if os == nil && f.Phase() == PhaseFinal {
		f.ctx.Fatalf(f.ctx.exprLoc, "undefined section `%s' referenced in expression", name)
	}
	return os
}

type Addr string

func (a Addr) Fold(f *Folder) ExprResult {
	os := f.lookupSection(string(a))
	if os == nil || !os.ProcessedVMA || os.Section == nil {
		return ExprResult{}
	}
	return ExprResult{Valid: true, Value: os.Section.VMA, Section: os.Section}
}

func (a Addr) String() string { return "ADDR(" + string(a) + ")" }

type LoadAddr string

func (l LoadAddr) Fold(f *Folder) ExprResult {
	os := f.lookupSection(string(l))
	if os == nil || !os.ProcessedLMA || os.Section == nil {
		return ExprResult{}
	}
	if os.LoadBase != nil {
		r := os.LoadBase.Fold(f)
		r.Section = f.ctx.AbsSection
		return r
	}
	return ExprResult{Valid: true, Value: os.Section.LMA, Section: f.ctx.AbsSection}
}

func (l LoadAddr) String() string { return "LOADADDR(" + string(l) + ")" }

type SizeOf string

func (s SizeOf) Fold(f *Folder) ExprResult {
	os := f.lookupSection(string(s))
	if os == nil || os.Section == nil {
		return valid(0)
	}
	if os.ProcessedVMA {
		return valid(os.Section.Size)
	}
	// Regions were just reset: the previous estimate lives in RawSize.
	return valid(os.Section.RawSize)
}

func (s SizeOf) String() string { return "SIZEOF(" + string(s) + ")" }

type AlignOf string

func (a AlignOf) Fold(f *Folder) ExprResult {
	os := f.lookupSection(string(a))
	if os == nil || os.Section == nil {
		return valid(0)
	}
	return valid(os.Section.Alignment())
}

func (a AlignOf) String() string { return "ALIGNOF(" + string(a) + ")" }

type SizeofHeaders struct{}

func (SizeofHeaders) Fold(f *Folder) ExprResult {
	if f.Phase() == PhaseMark {
		return valid(0)
	}
	return valid(f.ctx.SizeofHeaders())
}

func (SizeofHeaders) String() string { return "SIZEOF_HEADERS" }

type Origin string

func (o Origin) Fold(f *Folder) ExprResult {
	r := f.ctx.findMemoryRegion(string(o))
	if r == nil {
		f.ctx.Fatalf(f.ctx.exprLoc, "undefined MEMORY region `%s' referenced in expression", string(o))
	}
	return ExprResult{Valid: true, Value: r.Origin, Section: f.ctx.AbsSection}
}

func (o Origin) String() string { return "ORIGIN(" + string(o) + ")" }

type Length string

func (l Length) Fold(f *Folder) ExprResult {
	r := f.ctx.findMemoryRegion(string(l))
	if r == nil {
		f.ctx.Fatalf(f.ctx.exprLoc, "undefined MEMORY region `%s' referenced in expression", string(l))
	}
	return ExprResult{Valid: true, Value: r.Length, Section: f.ctx.AbsSection}
}

func (l Length) String() string { return "LENGTH(" + string(l) + ")" }

type Defined string

func (d Defined) Fold(f *Folder) ExprResult {
	sym, ok := f.ctx.SymbolMap[string(d)]
	if ok && sym.Defined {
		return valid(1)
	}
	return valid(0)
}

func (d Defined) String() string { return "DEFINED(" + string(d) + ")" }

// Constant is CONSTANT(MAXPAGESIZE) or CONSTANT(COMMONPAGESIZE).
type Constant string

func (c Constant) Fold(f *Folder) ExprResult {
	switch strings.ToUpper(string(c)) {
	case "MAXPAGESIZE":
		return valid(f.ctx.Arg.MaxPageSize)
	case "COMMONPAGESIZE":
		return valid(f.ctx.Arg.CommonPageSize)
	}
	f.ctx.Fatalf(f.ctx.exprLoc, "unknown constant `%s' referenced in expression", string(c))
	return ExprResult{}
}

func (c Constant) String() string { return "CONSTANT(" + string(c) + ")" }

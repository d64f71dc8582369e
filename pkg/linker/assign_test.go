package linker

import (
	"debug/elf"
	"strings"
	"testing"
)

func symbolValue(t *testing.T, ctx *Context, name string) uint64 {
	t.Helper()
	sym, ok := ctx.SymbolMap[name]
	if !ok {
		t.Fatalf("no symbol %s", name)
	}
	addr, ok := sym.Addr()
	if !ok {
		t.Fatalf("symbol %s has no address", name)
	}
	return addr
}

func TestDotInsideSectionIsRelative(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o", newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 4, 0))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data", Address: Int(0x100)})
		ctx.AddWild(wildOf("", ".data"))
		ctx.AddAssignment(".", Int(0x10), false, false)
		ctx.AddAssignment("mark", Dot{}, false, false)
		ctx.AddData(DataLong, Int(0xdeadbeef))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	data := section(t, ctx, ".data")
	if data.VMA != 0x100 || data.Size != 0x14 {
		t.Fatalf(".data = [0x%x, +0x%x), want [0x100, +0x14)", data.VMA, data.Size)
	}
	if got := symbolValue(t, ctx, "mark"); got != 0x110 {
		t.Fatalf("mark = 0x%x, want 0x110", got)
	}

	var stmt *DataStatement
	ctx.Tree.Walk(ctx.Tree.Root, func(_ StmtIdx, s *Statement) {
		if s.Kind == StmtData {
			stmt = s.Data
		}
	})
	if stmt == nil || stmt.Value != 0xdeadbeef || stmt.OutputOffset != 0x10 {
		t.Fatalf("data statement %+v", stmt)
	}
}

func TestAlignInsideSectionDefinesEnd(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o", newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 4, 0))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data", Address: Int(0x100)})
		ctx.AddWild(wildOf("", ".data"))
		ctx.AddAssignment(".", &Align{Align: Int(16)}, false, false)
		ctx.AddAssignment("_edata", Dot{}, false, false)
		ctx.LeaveOutputSection(SectionTail{})
		ctx.AddAssignment("after", Dot{}, false, false)
	})
	mustProcess(t, ctx)

	if got := symbolValue(t, ctx, "_edata"); got != 0x110 {
		t.Fatalf("_edata = 0x%x, want 0x110", got)
	}
	if got := symbolValue(t, ctx, "after"); got != 0x110 {
		t.Fatalf("after = 0x%x, want 0x110", got)
	}
	if data := section(t, ctx, ".data"); data.Size != 0x10 {
		t.Fatalf(".data size 0x%x, want 0x10", data.Size)
	}
}

func TestDotMovedBackwards(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o", newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 8, 0))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data", Address: Int(0x100)})
		ctx.AddWild(wildOf("", ".data"))
		ctx.AddAssignment(".", Int(0), false, false)
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if !hasWarning(ctx, "cannot move location counter backwards (from 0x108 to 0x100)") {
		t.Fatalf("missing warning: %v", ctx.Diag.Warnings())
	}
}

func TestSectionQueries(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o", newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x30, 4))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text", Address: Int(0x4000)})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.AddAssignment("text_size", SizeOf(".text"), false, false)
		ctx.AddAssignment("text_end", &Binary{Op: OpAdd, Lhs: Addr(".text"), Rhs: SizeOf(".text")}, false, false)
		ctx.AddAssignment("text_align", AlignOf(".text"), false, false)
		ctx.AddAssignment("has_size", Defined("text_size"), false, false)
		ctx.AddAssignment("has_other", Defined("other"), false, false)
		ctx.AddAssignment("next", &Align{Value: SymbolRef("text_end"), Align: Int(0x100)}, false, false)
		ctx.AddAssignment("bigger", &Binary{Op: OpMax, Lhs: SymbolRef("text_size"), Rhs: Int(0x20)}, false, false)
	})
	mustProcess(t, ctx)

	want := map[string]uint64{
		"text_size":  0x30,
		"text_end":   0x4030,
		"text_align": 0x10,
		"has_size":   1,
		"has_other":  0,
		"next":       0x4100,
		"bigger":     0x30,
	}
	for name, v := range want {
		if got := symbolValue(t, ctx, name); got != v {
			t.Fatalf("%s = 0x%x, want 0x%x", name, got, v)
		}
	}
}

func TestExpressionErrors(t *testing.T) {
	cases := []struct {
		src  Expr
		want string
	}{
		{&Binary{Op: OpAdd, Lhs: SymbolRef("nowhere"), Rhs: Int(1)}, "undefined symbol `nowhere' referenced in expression"},
		{&Binary{Op: OpDiv, Lhs: Int(1), Rhs: Int(0)}, "/ by zero"},
		{&Binary{Op: OpMod, Lhs: Int(1), Rhs: Int(0)}, "% by zero"},
		{Origin("NOPE"), "undefined MEMORY region `NOPE' referenced in expression"},
	}

	for _, c := range cases {
		ctx := NewContext()
		mustBuild(t, ctx, func() {
			ctx.AddAssignment("x", c.src, false, false)
		})
		err := Process(ctx)
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: unexpected error %v", c.src, err)
		}
	}
}

func TestBuilderErrors(t *testing.T) {
	cases := []struct {
		fn   func(ctx *Context)
		want string
	}{
		{func(ctx *Context) {
			ctx.EnterOutputSection(OutputSectionSpec{Name: ".a"})
		}, "unterminated"},
		{func(ctx *Context) {
			ctx.EnterOutputSection(OutputSectionSpec{Name: ".a", Align: Int(8), AlignWithInput: true})
			ctx.LeaveOutputSection(SectionTail{})
		}, "align with input and explicit align specified"},
		{func(ctx *Context) {
			ctx.AddMemoryRegion("ROM", "rx", Int(0), Int(0x100))
			ctx.EnterOutputSection(OutputSectionSpec{Name: ".a", LoadBase: Int(0x10)})
			ctx.LeaveOutputSection(SectionTail{LmaRegion: "ROM"})
		}, "section has both a load address and a load region"},
	}

	for _, c := range cases {
		ctx := NewContext()
		err := ctx.Build(func() { c.fn(ctx) })
		if err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("unexpected error %v, want %q", err, c.want)
		}
	}
}

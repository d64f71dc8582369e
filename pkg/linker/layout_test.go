package linker

import (
	"debug/elf"
	"strings"
	"testing"
)

func newSection(name string, shf elf.SectionFlag, size uint64, p2align uint8) *InputSection {
	typ := uint32(elf.SHT_PROGBITS)
	flags := FlagsFromShdr(name, typ, uint64(shf))
	return NewSyntheticSection(nil, name, flags, size, p2align)
}

func newObject(ctx *Context, name string, secs ...*InputSection) *ObjectFile {
	obj := NewSyntheticObject(ctx, name, "")
	for _, isec := range secs {
		obj.AddSection(isec)
	}
	return obj
}

func wildOf(file string, names ...string) *WildStatement {
	w := &WildStatement{Filename: file}
	for _, name := range names {
		w.Sections = append(w.Sections, &SectionSpec{Name: name})
	}
	return w
}

func mustBuild(t *testing.T, ctx *Context, fn func()) {
	t.Helper()
	if err := ctx.Build(fn); err != nil {
		t.Fatalf("build: %v", err)
	}
}

func mustProcess(t *testing.T, ctx *Context) {
	t.Helper()
	if err := Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func countErrors(ctx *Context, substr string) int {
	n := 0
	for _, err := range ctx.Diag.Errors() {
		if strings.Contains(err.Error(), substr) {
			n++
		}
	}
	return n
}

func hasWarning(ctx *Context, substr string) bool {
	for _, w := range ctx.Diag.Warnings() {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func section(t *testing.T, ctx *Context, name string) *OutputSection {
	t.Helper()
	os := ctx.FindOutputSection(name)
	if os == nil || os.Section == nil {
		t.Fatalf("no output section %s", name)
	}
	return os.Section
}

// romText lays out two .text inputs of 0x10 and 0x20 bytes, both 16-byte
// aligned, into ROM at 0x1000.
func romText(t *testing.T) (*Context, *InputSection, *InputSection) {
	ctx := NewContext()
	a := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 4)
	b := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x20, 4)
	newObject(ctx, "a.o", a)
	newObject(ctx, "b.o", b)

	mustBuild(t, ctx, func() {
		ctx.AddMemoryRegion("ROM", "rx", Int(0x1000), Int(0x1000))
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{Region: "ROM"})
	})
	mustProcess(t, ctx)
	return ctx, a, b
}

func TestRegionPlacement(t *testing.T) {
	ctx, a, b := romText(t)

	if a.Addr() != 0x1000 {
		t.Fatalf("first .text at 0x%x, want 0x1000", a.Addr())
	}
	if b.Addr() != 0x1010 {
		t.Fatalf("second .text at 0x%x, want 0x1010", b.Addr())
	}
	text := section(t, ctx, ".text")
	if text.VMA != 0x1000 || text.Size != 0x30 {
		t.Fatalf(".text = [0x%x, +0x%x), want [0x1000, +0x30)", text.VMA, text.Size)
	}
	if text.LMA != text.VMA {
		t.Fatalf(".text LMA 0x%x differs from VMA", text.LMA)
	}
	rom := ctx.findMemoryRegion("ROM")
	if rom.Current != 0x1030 {
		t.Fatalf("ROM cursor 0x%x, want 0x1030", rom.Current)
	}
}

func TestSectionFollowsAddressedSection(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o",
		newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 2),
		newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 8, 2))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text", Address: Int(0x1000)})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if os := ctx.FindOutputSection(".text"); os.Region != ctx.DefaultRegion {
		t.Fatalf(".text region %v, want *default*", os.Region)
	}
	if data := section(t, ctx, ".data"); data.VMA != 0x1010 {
		t.Fatalf(".data at 0x%x, want 0x1010", data.VMA)
	}
	if ctx.DefaultRegion.Current != 0x1018 {
		t.Fatalf("default cursor 0x%x, want 0x1018", ctx.DefaultRegion.Current)
	}
}

func TestSizingIsIdempotent(t *testing.T) {
	ctx, a, b := romText(t)
	text := section(t, ctx, ".text")
	vma, size := text.VMA, text.Size
	addrA, addrB := a.Addr(), b.Addr()

	for i := 0; i < 3; i++ {
		SizeAll(ctx, PhaseAllocating)
		if text.VMA != vma || text.Size != size || a.Addr() != addrA || b.Addr() != addrB {
			t.Fatalf("pass %d moved .text to [0x%x, +0x%x)", i, text.VMA, text.Size)
		}
	}
}

func TestOverlayChainsLoadAddresses(t *testing.T) {
	ctx := NewContext()
	ov1 := newSection(".ov1", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x100, 0)
	ov2 := newSection(".ov2", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x180, 0)
	newObject(ctx, "ov.o", ov1, ov2)

	mustBuild(t, ctx, func() {
		ctx.AddMemoryRegion("RAM", "rwx", Int(0x8000), Int(0x1000))
		ctx.AddMemoryRegion("FLASH", "rx", Int(0x40000), Int(0x10000))
		ctx.EnterOverlay(Int(0x8000), nil)
		ctx.EnterOverlaySection(".ov1")
		ctx.AddWild(wildOf("", ".ov1"))
		ctx.LeaveOverlaySection(nil, nil)
		ctx.EnterOverlaySection(".ov2")
		ctx.AddWild(wildOf("", ".ov2"))
		ctx.LeaveOverlaySection(nil, nil)
		ctx.LeaveOverlay(nil, SectionTail{Region: "RAM", LmaRegion: "FLASH"})
		ctx.AddAssignment("after_overlay", Dot{}, false, false)
	})
	mustProcess(t, ctx)

	s1, s2 := section(t, ctx, ".ov1"), section(t, ctx, ".ov2")
	if s1.VMA != 0x8000 || s2.VMA != 0x8000 {
		t.Fatalf("overlay VMAs 0x%x and 0x%x, want 0x8000", s1.VMA, s2.VMA)
	}
	if s1.LMA != 0x40000 || s2.LMA != 0x40100 {
		t.Fatalf("overlay LMAs 0x%x and 0x%x, want 0x40000 and 0x40100", s1.LMA, s2.LMA)
	}

	sym := ctx.SymbolMap["after_overlay"]
	if sym == nil {
		t.Fatalf("after_overlay not defined")
	}
	if addr, ok := sym.Addr(); !ok || addr != 0x8180 {
		t.Fatalf("dot after overlay 0x%x, want 0x8180", addr)
	}
}

func TestOrphanJoinsCompatibleSection(t *testing.T) {
	ctx := NewContext()
	text := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 2)
	rodata := newSection(".rodata", elf.SHF_ALLOC, 0x8, 0)
	orphan := newSection("foo.bar", elf.SHF_ALLOC, 0x4, 0)
	newObject(ctx, "a.o", text, rodata, orphan)

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".rodata"})
		ctx.AddWild(wildOf("", ".rodata"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if orphan.OutputSection == nil || orphan.OutputSection.Name != ".rodata" {
		t.Fatalf("foo.bar placed in %v, want .rodata", orphan.OutputSection)
	}
	if ctx.FindOutputSection("foo.bar") != nil {
		t.Fatalf("unexpected output section foo.bar")
	}
	ro := section(t, ctx, ".rodata")
	if ro.Size != 0xc || orphan.Addr() != ro.VMA+0x8 {
		t.Fatalf(".rodata size 0x%x, foo.bar at 0x%x", ro.Size, orphan.Addr())
	}
}

func TestOrphanGetsOwnSection(t *testing.T) {
	ctx := NewContext()
	text := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0)
	data := newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x10, 0)
	orphan := newSection(".mytext", elf.SHF_ALLOC|elf.SHF_EXECINSTR|elf.SHF_WRITE, 0x4, 0)
	newObject(ctx, "a.o", text, data, orphan)
	ctx.Arg.OrphanHandling = OrphanWarn

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	os := ctx.FindOutputSection(".mytext")
	if os == nil {
		t.Fatalf("orphan .mytext got no section")
	}
	var names []string
	for _, idx := range ctx.Tree.Root {
		if s := ctx.Tree.At(idx); s.Kind == StmtOutputSection {
			names = append(names, s.Output.Name)
		}
	}
	if strings.Join(names, " ") != ".text .mytext .data" {
		t.Fatalf("section order %v", names)
	}
	if !hasWarning(ctx, "orphan section `.mytext'") {
		t.Fatalf("missing orphan warning in %v", ctx.Diag.Warnings())
	}
}

func TestOrphanDiscard(t *testing.T) {
	ctx := NewContext()
	orphan := newSection(".stray", elf.SHF_ALLOC, 0x4, 0)
	newObject(ctx, "a.o", orphan)
	ctx.Arg.OrphanHandling = OrphanDiscard

	mustProcess(t, ctx)
	if !orphan.Discarded() {
		t.Fatalf(".stray not discarded")
	}
}

func TestRegionOverflowReportedOnce(t *testing.T) {
	ctx := NewContext()
	big := newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x200, 0)
	newObject(ctx, "a.o", big)

	mustBuild(t, ctx, func() {
		ctx.AddMemoryRegion("RAM", "rw", Int(0), Int(0x100))
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{Region: "RAM"})
	})
	if err := Process(ctx); err == nil {
		t.Fatalf("expected overflow error")
	}
	SizeAll(ctx, PhaseAllocating)
	SizeAll(ctx, PhaseAllocating)

	if n := countErrors(ctx, "will not fit in region `RAM'"); n != 1 {
		t.Fatalf("%d overflow diagnostics, want 1: %v", n, ctx.Diag.Errors())
	}
	if countErrors(ctx, "region `RAM' overflowed by 256 bytes") != 1 {
		t.Fatalf("missing overflow summary: %v", ctx.Diag.Errors())
	}
}

func TestInsertAfter(t *testing.T) {
	ctx := NewContext()
	text := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0)
	mine := newSection(".mine", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x8, 0)
	data := newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x4, 0)
	newObject(ctx, "a.o", text, mine, data)

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".mine"})
		ctx.AddWild(wildOf("", ".mine"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.AddInsert(".text", false)

		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if got := section(t, ctx, ".mine").VMA; got != 0x10 {
		t.Fatalf(".mine at 0x%x, want 0x10", got)
	}
	if got := section(t, ctx, ".data").VMA; got != 0x18 {
		t.Fatalf(".data at 0x%x, want 0x18", got)
	}
	var names []string
	for _, os := range ctx.Tree.OutputSections()[1:] {
		names = append(names, os.Name)
	}
	if strings.Join(names, " ") != ".text .mine .data" {
		t.Fatalf("OsList order %v", names)
	}
}

func TestInsertUnknownTarget(t *testing.T) {
	ctx := NewContext()
	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".mine"})
		ctx.LeaveOutputSection(SectionTail{})
		ctx.AddInsert(".nowhere", true)
	})
	err := Process(ctx)
	if err == nil || !strings.Contains(err.Error(), ".nowhere not found for insert") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStartStopSymbols(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o", newSection("my_sec", elf.SHF_ALLOC|elf.SHF_WRITE, 0x20, 0))
	for _, name := range []string{"__start_my_sec", "__stop_my_sec", ".sizeof.my_sec", ".startof.my_sec"} {
		GetSymbolByName(ctx, name).Referenced = true
	}

	mustBuild(t, ctx, func() {
		ctx.AddAssignment(".", Int(0x2000), false, false)
		ctx.EnterOutputSection(OutputSectionSpec{Name: "my_sec"})
		ctx.AddWild(wildOf("", "my_sec"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	want := map[string]uint64{
		"__start_my_sec":  0x2000,
		"__stop_my_sec":   0x2020,
		".sizeof.my_sec":  0x20,
		".startof.my_sec": 0x2000,
	}
	for name, value := range want {
		addr, ok := ctx.SymbolMap[name].Addr()
		if !ok || addr != value {
			t.Fatalf("%s = 0x%x (%v), want 0x%x", name, addr, ok, value)
		}
	}
}

func TestProvideOnlyWhenReferenced(t *testing.T) {
	ctx := NewContext()
	GetSymbolByName(ctx, "wanted").Referenced = true

	mustBuild(t, ctx, func() {
		ctx.AddAssignment("wanted", Int(0x10), true, false)
		ctx.AddAssignment("unwanted", Int(0x20), true, false)
		ctx.AddAssignment("plain", &Binary{Op: OpAdd, Lhs: SymbolRef("wanted"), Rhs: Int(1)}, false, false)
	})
	mustProcess(t, ctx)

	if sym := ctx.SymbolMap["unwanted"]; sym != nil && sym.Defined {
		t.Fatalf("unreferenced PROVIDE defined its symbol")
	}
	if addr, _ := ctx.SymbolMap["wanted"].Addr(); addr != 0x10 {
		t.Fatalf("wanted = 0x%x", addr)
	}
	if addr, _ := ctx.SymbolMap["plain"].Addr(); addr != 0x11 {
		t.Fatalf("plain = 0x%x", addr)
	}
}

func TestRequireDefined(t *testing.T) {
	ctx := NewContext()
	ctx.Arg.RequireDefined = []string{"missing"}
	err := Process(ctx)
	if err == nil || !strings.Contains(err.Error(), "required symbol `missing' not defined") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRelaxationShrinks(t *testing.T) {
	ctx := NewContext()
	call := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x20, 0)
	next := newSection(".text.next", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0)
	newObject(ctx, "a.o", call, next)

	calls := 0
	ctx.Arg.Relax = true
	ctx.Relaxer = RelaxFunc(func(ctx *Context, isec *InputSection) (uint64, bool) {
		if isec != call {
			return isec.Size, false
		}
		calls++
		return 0x10, false
	})

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text", ".text.*"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if calls != 1 {
		t.Fatalf("relaxer called %d times, want 1", calls)
	}
	if call.RawSize != 0x20 || call.Size != 0x10 {
		t.Fatalf("relaxed size 0x%x (raw 0x%x)", call.Size, call.RawSize)
	}
	if next.Addr() != 0x10 || section(t, ctx, ".text").Size != 0x20 {
		t.Fatalf(".text.next at 0x%x", next.Addr())
	}
}

func TestRelaxationIsBounded(t *testing.T) {
	ctx := NewContext()
	isec := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x20, 0)
	newObject(ctx, "a.o", isec)

	calls := 0
	ctx.Arg.Relax = true
	ctx.Arg.MaxRelaxTrips = 3
	ctx.Relaxer = RelaxFunc(func(ctx *Context, isec *InputSection) (uint64, bool) {
		calls++
		return isec.Size, true
	})

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if calls != 3 {
		t.Fatalf("relaxer called %d times, want 3", calls)
	}
	if !hasWarning(ctx, "relaxation did not converge after 3 trips") {
		t.Fatalf("missing convergence warning: %v", ctx.Diag.Warnings())
	}
}

func TestRelroDroppedWithoutDataSegment(t *testing.T) {
	ctx := NewContext()
	ctx.Arg.Relro = true
	newObject(ctx, "a.o", newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x10, 0))
	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)
	if ctx.Arg.Relro {
		t.Fatalf("RELRO kept without DATA_SEGMENT_ALIGN")
	}
}

func TestEmptySectionStripped(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o", newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".empty"})
		ctx.AddWild(wildOf("", ".nothing"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if os := ctx.FindOutputSection(".empty"); os != nil && os.Section != nil && !os.Section.Removed {
		t.Fatalf(".empty was kept")
	}
	for _, osec := range ctx.layoutSections() {
		if osec.Name == ".empty" {
			t.Fatalf(".empty is laid out")
		}
	}
}

func TestDiscardSection(t *testing.T) {
	ctx := NewContext()
	junk := newSection(".comment", 0, 0x10, 0)
	newObject(ctx, "a.o", junk)

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: DiscardSectionName})
		ctx.AddWild(wildOf("", ".comment"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)
	if !junk.Discarded() {
		t.Fatalf(".comment not discarded")
	}
}

func TestSectionOverlap(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o",
		newSection(".a", elf.SHF_ALLOC, 0x20, 0),
		newSection(".b", elf.SHF_ALLOC, 0x20, 0))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".a", Address: Int(0x1000)})
		ctx.AddWild(wildOf("", ".a"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".b", Address: Int(0x1010)})
		ctx.AddWild(wildOf("", ".b"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	err := Process(ctx)
	if err == nil || !strings.Contains(err.Error(), "section .b LMA [0x1010,0x102f] overlaps section .a") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRelroEndsOnPageBoundary(t *testing.T) {
	ctx := NewContext()
	ctx.Arg.Relro = true
	newObject(ctx, "a.o",
		newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x100, 2),
		newSection(".data.rel.ro", elf.SHF_ALLOC|elf.SHF_WRITE, 0x20, 3),
		newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x10, 3))

	mustBuild(t, ctx, func() {
		ctx.AddAssignment(".", Int(0x10000), false, false)
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.AddAssignment(".", &DataSegmentAlign{MaxPage: Int(0x1000), CommonPage: Int(0x1000)}, false, false)
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data.rel.ro"})
		ctx.AddWild(wildOf("", ".data.rel.ro"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.AddAssignment(".", &DataSegmentRelroEnd{Offset: Int(0), Value: Dot{}}, false, false)
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.AddAssignment(".", &DataSegmentEnd{Value: Dot{}}, false, false)
	})
	mustProcess(t, ctx)

	// The first pass puts .data.rel.ro at 0x11100; the retry slides it up
	// so that it ends on the next page.
	if ro := section(t, ctx, ".data.rel.ro"); ro.VMA != 0x11fe0 {
		t.Fatalf(".data.rel.ro at 0x%x, want 0x11fe0", ro.VMA)
	}
	if data := section(t, ctx, ".data"); data.VMA != 0x12000 {
		t.Fatalf(".data at 0x%x, want 0x12000", data.VMA)
	}
	if ctx.RelroStart != 0x11fe0 || ctx.RelroEnd != 0x12000 {
		t.Fatalf("relro [0x%x, 0x%x)", ctx.RelroStart, ctx.RelroEnd)
	}

	found := false
	for _, seg := range ctx.Segments {
		if seg.Type == uint32(elf.PT_GNU_RELRO) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no PT_GNU_RELRO segment")
	}
}

func TestNonContiguousRegionsSpill(t *testing.T) {
	ctx := NewContext()
	ctx.Arg.NonContiguousRegions = true
	a := newSection(".text.a", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x8, 0)
	b := newSection(".text.b", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0)
	newObject(ctx, "a.o", a, b)

	mustBuild(t, ctx, func() {
		ctx.AddMemoryRegion("A", "rx", Int(0x1000), Int(0x10))
		ctx.AddMemoryRegion("B", "rx", Int(0x2000), Int(0x100))
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text1"})
		ctx.AddWild(wildOf("", ".text.*"))
		ctx.LeaveOutputSection(SectionTail{Region: "A"})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text2"})
		ctx.AddWild(wildOf("", ".text.*"))
		ctx.LeaveOutputSection(SectionTail{Region: "B"})
	})
	mustProcess(t, ctx)

	if a.OutputSection == nil || a.OutputSection.Name != ".text1" || a.Addr() != 0x1000 {
		t.Fatalf(".text.a placed in %v at 0x%x", a.OutputSection, a.Addr())
	}
	if b.OutputSection == nil || b.OutputSection.Name != ".text2" || b.Addr() != 0x2000 {
		t.Fatalf(".text.b placed in %v at 0x%x", b.OutputSection, b.Addr())
	}
	if text1 := section(t, ctx, ".text1"); text1.Size != 0x8 {
		t.Fatalf(".text1 size 0x%x, want 0x8", text1.Size)
	}
	if n := countErrors(ctx, "will not fit"); n != 0 {
		t.Fatalf("%d overflow errors", n)
	}
}

func TestOnlyIfConstraints(t *testing.T) {
	ctx := NewContext()
	rw := newSection(".x", elf.SHF_ALLOC|elf.SHF_WRITE, 4, 0)
	ro := newSection(".y", elf.SHF_ALLOC, 4, 0)
	newObject(ctx, "a.o", rw, ro)

	var onlyRO *OutputSectionStatement
	mustBuild(t, ctx, func() {
		onlyRO = ctx.EnterOutputSection(OutputSectionSpec{Name: ".ro", Constraint: ConstraintOnlyIfRO})
		ctx.AddWild(wildOf("", ".x"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".rw", Constraint: ConstraintOnlyIfRW})
		ctx.AddWild(wildOf("", ".x"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".ro2", Constraint: ConstraintOnlyIfRO})
		ctx.AddWild(wildOf("", ".y"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if onlyRO.Constraint != ConstraintExcluded {
		t.Fatalf("ONLY_IF_RO kept with writable input")
	}
	if rw.OutputSection == nil || rw.OutputSection.Name != ".rw" {
		t.Fatalf(".x placed in %v", rw.OutputSection)
	}
	if ro.OutputSection == nil || ro.OutputSection.Name != ".ro2" {
		t.Fatalf(".y placed in %v", ro.OutputSection)
	}
}

func strictRegionLayout(t *testing.T, strict bool) (*Context, error) {
	t.Helper()
	ctx := NewContext()
	ctx.Arg.StrictRegions = strict
	newObject(ctx, "a.o",
		newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0),
		newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x10, 0))

	mustBuild(t, ctx, func() {
		ctx.AddMemoryRegion("ROM", "rx", Int(0x1000), Int(0x1000))
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	return ctx, Process(ctx)
}

func TestDefaultRegionUse(t *testing.T) {
	const msg = "no memory region specified for loadable section `.data'"

	ctx, err := strictRegionLayout(t, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasWarning(ctx, msg) {
		t.Fatalf("missing warning: %v", ctx.Diag.Warnings())
	}

	_, err = strictRegionLayout(t, true)
	if err == nil || !strings.Contains(err.Error(), msg) {
		t.Fatalf("unexpected error %v", err)
	}
}

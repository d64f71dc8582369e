package linker

import (
	"debug/elf"
	"strings"
	"testing"
)

func TestDefaultSegmentMap(t *testing.T) {
	ctx, _, _ := romText(t)

	if len(ctx.Segments) != 2 {
		t.Fatalf("%d segments, want PT_LOAD and PT_GNU_STACK", len(ctx.Segments))
	}
	load := ctx.Segments[0]
	if load.Type != uint32(elf.PT_LOAD) {
		t.Fatalf("first segment type %d", load.Type)
	}
	if load.VAddr != 0x1000 || load.PAddr != 0x1000 {
		t.Fatalf("PT_LOAD at 0x%x/0x%x", load.VAddr, load.PAddr)
	}
	if load.FileSize != 0x30 || load.MemSize != 0x30 {
		t.Fatalf("PT_LOAD sizes 0x%x/0x%x", load.FileSize, load.MemSize)
	}
	if load.Flags != uint32(elf.PF_R|elf.PF_X) {
		t.Fatalf("PT_LOAD flags %d", load.Flags)
	}
	if load.Align != ctx.Arg.MaxPageSize {
		t.Fatalf("PT_LOAD align 0x%x", load.Align)
	}
	if ctx.Segments[1].Type != uint32(elf.PT_GNU_STACK) {
		t.Fatalf("last segment type %d", ctx.Segments[1].Type)
	}
}

func TestDefaultSegmentsSplitOnFlags(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o",
		newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0),
		newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x8, 0))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text", Address: Int(0x1000)})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	var loads []*Segment
	for _, seg := range ctx.Segments {
		if seg.Type == uint32(elf.PT_LOAD) {
			loads = append(loads, seg)
		}
	}
	if len(loads) != 2 {
		t.Fatalf("%d PT_LOAD segments, want 2", len(loads))
	}
	if loads[1].VAddr != 0x1010 || loads[1].Flags != uint32(elf.PF_R|elf.PF_W) {
		t.Fatalf("data segment at 0x%x flags %d", loads[1].VAddr, loads[1].Flags)
	}
}

func phdrLayout(t *testing.T, decl *PhdrDecl, textPhdrs []string) *Context {
	t.Helper()
	ctx := NewContext()
	newObject(ctx, "a.o",
		newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0),
		newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 0x8, 0))

	mustBuild(t, ctx, func() {
		ctx.AddPhdr(decl)
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text", Address: Int(0x1000)})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{Phdrs: textPhdrs})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".data"})
		ctx.AddWild(wildOf("", ".data"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)
	return ctx
}

func TestPhdrsInheritSegment(t *testing.T) {
	ctx := phdrLayout(t, &PhdrDecl{Name: "text", Type: uint32(elf.PT_LOAD)}, []string{"text"})

	if len(ctx.Segments) != 1 {
		t.Fatalf("%d segments, want 1", len(ctx.Segments))
	}
	seg := ctx.Segments[0]
	if len(seg.Sections) != 2 {
		t.Fatalf("segment covers %d sections, want .text and .data", len(seg.Sections))
	}
	if seg.VAddr != 0x1000 || seg.MemSize != 0x18 || seg.FileSize != 0x18 {
		t.Fatalf("segment [0x%x, +0x%x) file 0x%x", seg.VAddr, seg.MemSize, seg.FileSize)
	}
	if seg.Flags != uint32(elf.PF_R|elf.PF_W|elf.PF_X) {
		t.Fatalf("segment flags %d", seg.Flags)
	}
}

func TestPhdrsFileHeader(t *testing.T) {
	decl := &PhdrDecl{Name: "text", Type: uint32(elf.PT_LOAD), FileHdr: true, Phdrs: true}
	ctx := phdrLayout(t, decl, []string{"text"})

	hdr := ctx.SizeofHeaders()
	if hdr != 64+56 {
		t.Fatalf("headers take 0x%x bytes", hdr)
	}
	seg := ctx.Segments[0]
	if seg.VAddr != 0x1000-hdr || seg.FileSize != 0x18+hdr {
		t.Fatalf("segment at 0x%x file 0x%x", seg.VAddr, seg.FileSize)
	}
}

func TestPhdrsExplicitFlags(t *testing.T) {
	decl := &PhdrDecl{Name: "text", Type: uint32(elf.PT_LOAD), Flags: Int(4)}
	ctx := phdrLayout(t, decl, []string{"text"})
	if ctx.Segments[0].Flags != 4 {
		t.Fatalf("segment flags %d", ctx.Segments[0].Flags)
	}
}

func TestPhdrsErrors(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o", newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0))
	mustBuild(t, ctx, func() {
		ctx.AddPhdr(&PhdrDecl{Name: "text", Type: uint32(elf.PT_LOAD)})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{Phdrs: []string{"data"}})
	})
	err := Process(ctx)
	if err == nil || !strings.Contains(err.Error(), "section `.text' assigned to non-existent phdr `data'") {
		t.Fatalf("unexpected error %v", err)
	}

	ctx = NewContext()
	newObject(ctx, "a.o", newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0))
	mustBuild(t, ctx, func() {
		ctx.AddPhdr(&PhdrDecl{Name: "text", Type: uint32(elf.PT_LOAD)})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	err = Process(ctx)
	if err == nil || !strings.Contains(err.Error(), "no sections assigned to phdrs") {
		t.Fatalf("unexpected error %v", err)
	}

	ctx = NewContext()
	err = ctx.Build(func() {
		ctx.AddPhdr(&PhdrDecl{Name: "a", Type: uint32(elf.PT_LOAD)})
		ctx.AddPhdr(&PhdrDecl{Name: "b", Type: uint32(elf.PT_LOAD), FileHdr: true})
	})
	if err == nil || !strings.Contains(err.Error(), "PHDRS and FILEHDR are not supported") {
		t.Fatalf("unexpected error %v", err)
	}
}

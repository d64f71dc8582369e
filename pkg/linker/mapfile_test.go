package linker

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strings"
	"testing"
)

func TestWriteMap(t *testing.T) {
	ctx, _, _ := romText(t)

	var buf bytes.Buffer
	if err := WriteMap(ctx, &buf); err != nil {
		t.Fatalf("write map: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Memory Configuration",
		fmt.Sprintf("%-16s 0x%016x 0x%016x rx", "ROM", 0x1000, 0x1000),
		"Linker script and memory map",
		fmt.Sprintf("%-16s0x%016x %#10x\n", ".text", 0x1000, 0x30),
		" *(.text)\n",
		fmt.Sprintf("%-16s0x%016x %#10x a.o\n", " .text", 0x1000, 0x10),
		fmt.Sprintf("%-16s0x%016x %#10x b.o\n", " .text", 0x1010, 0x20),
		"Program headers",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("map lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Discarded input sections") {
		t.Fatalf("nothing was discarded:\n%s", out)
	}
}

func TestWriteMapDiscarded(t *testing.T) {
	ctx := NewContext()
	newObject(ctx, "a.o",
		newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 0x10, 0),
		newSection(".comment", 0, 0x8, 0))

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: DiscardSectionName})
		ctx.AddWild(wildOf("", ".comment"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	var buf bytes.Buffer
	if err := WriteMap(ctx, &buf); err != nil {
		t.Fatalf("write map: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Discarded input sections") ||
		!strings.Contains(out, fmt.Sprintf("%-16s0x%016x %#10x a.o\n", " .comment", 0, 0x8)) {
		t.Fatalf("discarded .comment missing:\n%s", out)
	}
}

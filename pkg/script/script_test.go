package script

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ksco/ldlayout/pkg/linker"
)

const embeddedScript = `
options:
  max-relax-trips: 3
memory:
  - {name: ROM, attrs: rx, origin: 0x1000, length: 4K}
  - {name: RAM, attrs: rwx, origin: 0x8000, length: 0x1000}
  - {name: FLASH, attrs: rx, origin: 0x40000, length: 0x1000}
region-alias:
  - {alias: REGION_TEXT, region: ROM}
inputs:
  - name: a.o
    sections:
      - {name: .text, size: 0x10, align: 16, shf: ax}
      - {name: .rodata, size: 8}
      - {name: foo.bar, size: 4}
      - {name: .ov1, size: 0x100, shf: ax}
      - {name: .ov2, size: 0x180, shf: ax}
    symbols:
      - {name: entry, section: .text, value: 4}
      - {name: text_end, undefined: true}
sections:
  - output: .text
    region: REGION_TEXT
    fill: 0x90
    contents:
      - input: "KEEP(*(.text))"
      - "text_end = ."
  - output: .rodata
    contents:
      - input: "*(.rodata)"
      - long: 0x12345678
  - overlay: 0x8000
    region: RAM
    at-region: FLASH
    sections:
      - name: .ov1
        contents:
          - input: "*(.ov1)"
      - name: .ov2
        contents:
          - input: "*(.ov2)"
  - provide: "unused = 1"
`

func loadAndProcess(t *testing.T, text string) *linker.Context {
	t.Helper()
	ctx := linker.NewContext()
	if err := Load(ctx, "test.yaml", []byte(text)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := linker.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	return ctx
}

func outputSection(t *testing.T, ctx *linker.Context, name string) *linker.OutputSection {
	t.Helper()
	os := ctx.FindOutputSection(name)
	if os == nil || os.Section == nil {
		t.Fatalf("no output section %s", name)
	}
	return os.Section
}

func TestLoadScript(t *testing.T) {
	ctx := loadAndProcess(t, embeddedScript)

	if ctx.Arg.MaxRelaxTrips != 3 {
		t.Fatalf("options not applied: trips %d", ctx.Arg.MaxRelaxTrips)
	}

	text := outputSection(t, ctx, ".text")
	if text.VMA != 0x1000 || text.Size != 0x10 {
		t.Fatalf(".text = [0x%x, +0x%x)", text.VMA, text.Size)
	}
	if os := ctx.FindOutputSection(".text"); string(os.Fill) != "\x90" || os.Region.Name() != "ROM" {
		t.Fatalf(".text fill %x region %s", os.Fill, os.Region.Name())
	}

	rodata := outputSection(t, ctx, ".rodata")
	if rodata.VMA != 0x1010 || rodata.Size != 0x10 {
		t.Fatalf(".rodata = [0x%x, +0x%x)", rodata.VMA, rodata.Size)
	}
	if ctx.FindOutputSection("foo.bar") != nil {
		t.Fatalf("foo.bar got its own section")
	}

	ov1 := outputSection(t, ctx, ".ov1")
	ov2 := outputSection(t, ctx, ".ov2")
	if ov1.VMA != 0x8000 || ov2.VMA != 0x8000 {
		t.Fatalf("overlay VMAs 0x%x and 0x%x", ov1.VMA, ov2.VMA)
	}
	if ov1.LMA != 0x40000 || ov2.LMA != 0x40100 {
		t.Fatalf("overlay LMAs 0x%x and 0x%x", ov1.LMA, ov2.LMA)
	}

	for name, want := range map[string]uint64{"entry": 0x1004, "text_end": 0x1010} {
		sym, ok := ctx.SymbolMap[name]
		if !ok {
			t.Fatalf("no symbol %s", name)
		}
		if addr, ok := sym.Addr(); !ok || addr != want {
			t.Fatalf("%s = 0x%x, want 0x%x", name, addr, want)
		}
	}
	if sym, ok := ctx.SymbolMap["unused"]; ok && sym.Defined {
		t.Fatalf("unreferenced PROVIDE took effect")
	}
}

func TestLoadScriptPhdrs(t *testing.T) {
	ctx := loadAndProcess(t, `
phdrs:
  - {name: text, type: PT_LOAD}
  - {name: stack, type: GNU_STACK, flags: 6}
inputs:
  - name: a.o
    sections:
      - {name: .text, size: 0x20, shf: ax}
sections:
  - ". = 0x10000"
  - output: .text
    phdrs: text
    contents:
      - input: "*(.text)"
`)

	if len(ctx.Segments) != 2 {
		t.Fatalf("%d segments", len(ctx.Segments))
	}
	text, stack := ctx.Segments[0], ctx.Segments[1]
	if text.Type != uint32(elf.PT_LOAD) || text.VAddr != 0x10000 || text.MemSize != 0x20 {
		t.Fatalf("text segment %+v", text.Phdr)
	}
	if stack.Type != uint32(elf.PT_GNU_STACK) || stack.Flags != 6 || len(stack.Sections) != 0 {
		t.Fatalf("stack segment %+v", stack.Phdr)
	}
}

func TestLoadScriptErrors(t *testing.T) {
	cases := map[string]string{
		"sections:\n  - bogus: 1\n":                            "unknown statement `bogus'",
		"sections:\n  - \"x = 1 +\"\n":                         "x = 1 +: unexpected end of expression",
		"sections:\n  - input: \"*(.text\"\n":                  "unterminated section list",
		"memory:\n  - {name: ROM, attrs: rx}\n":                "memory region needs a name, an origin and a length",
		"sections:\n  - provide: \". = 4\"\n":                  "cannot PROVIDE the location counter",
		"nonsense: 1\n":                                        "unknown script key `nonsense'",
		"inputs:\n  - {name: a.o, sections: [{size: 4}]}\n":    "input section needs a name",
		"phdrs:\n  - {name: x, type: PT_WHATEVER}\n":           "unknown phdr type `PT_WHATEVER'",
		"sections:\n  - {output: .a, type: TYPE = BOGUS}\n":    "unknown section type `BOGUS'",
		"sections:\n  - {output: .a, constraint: SOMETIMES}\n": "unknown constraint `SOMETIMES'",
	}
	for text, want := range cases {
		ctx := linker.NewContext()
		err := Load(ctx, "bad.yaml", []byte(text))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%q: unexpected error %v, want %q", text, err, want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	if err := os.WriteFile(path, []byte(embeddedScript), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx := linker.NewContext()
	if err := LoadFile(ctx, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ctx.Regions) != 3 {
		t.Fatalf("%d regions", len(ctx.Regions))
	}
	if err := LoadFile(ctx, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}

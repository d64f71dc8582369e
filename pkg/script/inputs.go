package script

import (
	"debug/elf"
	"strings"

	"github.com/ksco/ldlayout/pkg/linker"
	"github.com/ksco/ldlayout/pkg/utils"
	"gopkg.in/yaml.v3"
)

// input describes an object file by its section headers and symbols
// only. No contents are involved in placement, so no ELF image is
// needed.
func (l *loader) input(n *yaml.Node) {
	l.setPos(n)

	var name, archive string
	var justSyms bool
	var sections, symbols *yaml.Node
	for _, f := range l.fields(n) {
		switch f.key {
		case "name":
			name = l.str(f.value)
		case "archive":
			archive = l.str(f.value)
		case "just-symbols":
			justSyms = l.bool(f.value)
		case "sections":
			sections = f.value
		case "symbols":
			symbols = f.value
		default:
			l.errorf(f.keyN, "unknown input key `%s'", f.key)
		}
	}
	if name == "" {
		l.errorf(n, "input needs a name")
		return
	}

	obj := linker.NewSyntheticObject(l.ctx, name, archive)
	obj.JustSyms = justSyms
	if sections != nil {
		for _, item := range l.list(sections) {
			l.inputSection(obj, item)
		}
	}
	if symbols != nil {
		for _, item := range l.list(symbols) {
			l.inputSymbol(obj, item)
		}
	}
}

var shfLetters = map[byte]elf.SectionFlag{
	'a': elf.SHF_ALLOC,
	'w': elf.SHF_WRITE,
	'x': elf.SHF_EXECINSTR,
	'm': elf.SHF_MERGE,
	's': elf.SHF_STRINGS,
	't': elf.SHF_TLS,
	'g': elf.SHF_GROUP,
	'e': elf.SectionFlag(linker.SHF_EXCLUDE),
}

func (l *loader) inputSection(obj *linker.ObjectFile, n *yaml.Node) {
	l.setPos(n)

	var name string
	var size, align, entsize, addr uint64
	typ := uint32(elf.SHT_PROGBITS)
	shf := uint64(elf.SHF_ALLOC)
	var flags linker.SecFlags
	explicitFlags, explicitType := false, false

	for _, f := range l.fields(n) {
		switch f.key {
		case "name":
			name = l.str(f.value)
		case "size":
			size = l.uint(f.value)
		case "align":
			align = l.uint(f.value)
		case "entsize":
			entsize = l.uint(f.value)
		case "addr":
			addr = l.uint(f.value)
		case "type":
			t, ok := parseElfType(l.str(f.value))
			if !ok {
				l.errorf(f.value, "unknown section type `%s'", f.value.Value)
			}
			typ, explicitType = t, true
		case "shf":
			shf = 0
			for _, c := range []byte(strings.ToLower(l.str(f.value))) {
				bit, ok := shfLetters[c]
				if !ok {
					l.errorf(f.value, "unknown section flag letter `%c'", c)
					continue
				}
				shf |= uint64(bit)
			}
		case "flags":
			var ok bool
			flags, ok = linker.ParseSecFlags(l.str(f.value))
			if !ok {
				l.errorf(f.value, "unknown section flags `%s'", f.value.Value)
			}
			explicitFlags = true
		default:
			l.errorf(f.keyN, "unknown input section key `%s'", f.key)
		}
	}
	if name == "" {
		l.errorf(n, "input section needs a name")
		return
	}

	if !explicitFlags {
		flags = linker.FlagsFromShdr(name, typ, shf)
	}
	isec := linker.NewSyntheticSection(obj, name, flags, size, utils.Log2(align))
	if explicitType {
		isec.ElfType = typ
	}
	isec.EntSize = entsize
	isec.VMA = addr
	obj.AddSection(isec)
}

func (l *loader) inputSymbol(obj *linker.ObjectFile, n *yaml.Node) {
	l.setPos(n)

	var name, section string
	var value uint64
	undefined := false
	for _, f := range l.fields(n) {
		switch f.key {
		case "name":
			name = l.str(f.value)
		case "section":
			section = l.str(f.value)
		case "value":
			value = l.uint(f.value)
		case "undefined":
			undefined = l.bool(f.value)
		default:
			l.errorf(f.keyN, "unknown symbol key `%s'", f.key)
		}
	}
	if name == "" {
		l.errorf(n, "symbol needs a name")
		return
	}

	if undefined {
		linker.GetSymbolByName(l.ctx, name).Referenced = true
		return
	}

	var isec *linker.InputSection
	if section != "" {
		for _, s := range obj.Sections {
			if s.Name == section {
				isec = s
				break
			}
		}
		if isec == nil {
			l.errorf(n, "%s: no section `%s' for symbol `%s'", obj.DisplayName(), section, name)
			return
		}
	}
	obj.DefineSymbol(l.ctx, name, isec, value)
}

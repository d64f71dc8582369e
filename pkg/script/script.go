// Package script loads layout scripts written in YAML and replays them
// through the statement builder of a linker.Context.
//
// A script is a mapping with the keys below, handled in document order:
//
//	options:      ContextArg overrides, as in an options file
//	memory:       [{name, attrs, origin, length}]
//	region-alias: [{alias, region}]
//	phdrs:        [{name, type, filehdr, phdrs, at, flags}]
//	inputs:       [{name, archive, just-symbols, sections, symbols}]
//	sections:     the statement list
//
// Expressions and input section descriptions are written in the usual
// script syntax inside YAML strings.
package script

import (
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ksco/ldlayout/pkg/linker"
	"github.com/pattyshack/gt/parseutil"
	"gopkg.in/yaml.v3"
)

type loader struct {
	ctx  *linker.Context
	file string
}

// LoadFile reads and loads the script at path.
func LoadFile(ctx *linker.Context, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return Load(ctx, path, contents)
}

// Load adds the statements of the script in contents to ctx. name is used
// in diagnostics.
func Load(ctx *linker.Context, name string, contents []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	l := &loader{ctx: ctx, file: name}
	return ctx.Build(func() {
		if len(doc.Content) == 0 {
			return
		}
		l.document(doc.Content[0])
	})
}

func (l *loader) loc(n *yaml.Node) parseutil.Location {
	return parseutil.Location{FileName: l.file, Line: n.Line, Column: n.Column}
}

func (l *loader) setPos(n *yaml.Node) {
	loc := l.loc(n)
	l.ctx.SetPos(parseutil.NewStartEndPos(loc, loc))
}

func (l *loader) errorf(n *yaml.Node, format string, args ...any) {
	l.ctx.Errorf(l.loc(n), format, args...)
}

type field struct {
	key   string
	keyN  *yaml.Node
	value *yaml.Node
}

func (l *loader) fields(n *yaml.Node) []field {
	if n.Kind != yaml.MappingNode {
		l.errorf(n, "expected a mapping")
		return nil
	}
	ret := make([]field, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		ret = append(ret, field{key: n.Content[i].Value, keyN: n.Content[i], value: n.Content[i+1]})
	}
	return ret
}

func (l *loader) list(n *yaml.Node) []*yaml.Node {
	if n.Kind != yaml.SequenceNode {
		l.errorf(n, "expected a list")
		return nil
	}
	return n.Content
}

func (l *loader) str(n *yaml.Node) string {
	if n.Kind != yaml.ScalarNode {
		l.errorf(n, "expected a scalar")
		return ""
	}
	return n.Value
}

func (l *loader) strs(n *yaml.Node) []string {
	if n.Kind == yaml.ScalarNode {
		return strings.Fields(n.Value)
	}
	var ret []string
	for _, item := range l.list(n) {
		ret = append(ret, l.str(item))
	}
	return ret
}

func (l *loader) bool(n *yaml.Node) bool {
	var b bool
	if err := n.Decode(&b); err != nil {
		l.errorf(n, "expected a boolean")
	}
	return b
}

func (l *loader) uint(n *yaml.Node) uint64 {
	s := l.str(n)
	if s == "" {
		return 0
	}
	v, err := parseNumber(s)
	if err != nil {
		l.errorf(n, "%v", err)
	}
	return v
}

func (l *loader) expr(n *yaml.Node) linker.Expr {
	s := l.str(n)
	if s == "" {
		return nil
	}
	e, err := ParseExpr(s)
	if err != nil {
		l.errorf(n, "%s: %v", s, err)
		return nil
	}
	return e
}

func (l *loader) document(n *yaml.Node) {
	for _, f := range l.fields(n) {
		l.setPos(f.keyN)
		switch f.key {
		case "options":
			var opts linker.Options
			if err := f.value.Decode(&opts); err != nil {
				l.errorf(f.value, "%v", err)
			} else if err := opts.Apply(&l.ctx.Arg); err != nil {
				l.errorf(f.value, "%v", err)
			}
		case "memory":
			for _, item := range l.list(f.value) {
				l.memory(item)
			}
		case "region-alias":
			for _, item := range l.list(f.value) {
				l.regionAlias(item)
			}
		case "phdrs":
			for _, item := range l.list(f.value) {
				l.phdr(item)
			}
		case "inputs":
			for _, item := range l.list(f.value) {
				l.input(item)
			}
		case "sections":
			l.statements(f.value)
		default:
			l.errorf(f.keyN, "unknown script key `%s'", f.key)
		}
	}
}

func (l *loader) memory(n *yaml.Node) {
	l.setPos(n)
	var name, attrs string
	var origin, length linker.Expr
	for _, f := range l.fields(n) {
		switch f.key {
		case "name":
			name = l.str(f.value)
		case "attrs":
			attrs = l.str(f.value)
		case "origin", "org", "o":
			origin = l.expr(f.value)
		case "length", "len", "l":
			length = l.expr(f.value)
		default:
			l.errorf(f.keyN, "unknown memory key `%s'", f.key)
		}
	}
	if name == "" || origin == nil || length == nil {
		l.errorf(n, "memory region needs a name, an origin and a length")
		return
	}
	l.ctx.AddMemoryRegion(name, attrs, origin, length)
}

func (l *loader) regionAlias(n *yaml.Node) {
	l.setPos(n)
	var alias, region string
	for _, f := range l.fields(n) {
		switch f.key {
		case "alias":
			alias = l.str(f.value)
		case "region":
			region = l.str(f.value)
		default:
			l.errorf(f.keyN, "unknown region-alias key `%s'", f.key)
		}
	}
	l.ctx.AliasMemoryRegion(alias, region)
}

var progTypes = []elf.ProgType{
	elf.PT_NULL, elf.PT_LOAD, elf.PT_DYNAMIC, elf.PT_INTERP, elf.PT_NOTE,
	elf.PT_SHLIB, elf.PT_PHDR, elf.PT_TLS, elf.PT_GNU_EH_FRAME,
	elf.PT_GNU_STACK, elf.PT_GNU_RELRO, elf.PT_GNU_PROPERTY,
}

func parseProgType(s string) (uint32, bool) {
	for _, t := range progTypes {
		if t.String() == s || t.String() == "PT_"+s {
			return uint32(t), true
		}
	}
	v, err := parseNumber(s)
	return uint32(v), err == nil
}

func (l *loader) phdr(n *yaml.Node) {
	l.setPos(n)
	decl := &linker.PhdrDecl{}
	for _, f := range l.fields(n) {
		switch f.key {
		case "name":
			decl.Name = l.str(f.value)
		case "type":
			t, ok := parseProgType(l.str(f.value))
			if !ok {
				l.errorf(f.value, "unknown phdr type `%s'", f.value.Value)
			}
			decl.Type = t
		case "filehdr":
			decl.FileHdr = l.bool(f.value)
		case "phdrs":
			decl.Phdrs = l.bool(f.value)
		case "at":
			decl.At = l.expr(f.value)
		case "flags":
			decl.Flags = l.expr(f.value)
		default:
			l.errorf(f.keyN, "unknown phdr key `%s'", f.key)
		}
	}
	l.ctx.AddPhdr(decl)
}

func (l *loader) statements(n *yaml.Node) {
	for _, item := range l.list(n) {
		l.statement(item)
	}
}

var dataTypes = map[string]linker.DataType{
	"byte":  linker.DataByte,
	"short": linker.DataShort,
	"long":  linker.DataLong,
	"quad":  linker.DataQuad,
	"squad": linker.DataSquad,
}

// statement handles one entry of a statement list. The first key of a
// mapping says what it is; a plain string is an assignment.
func (l *loader) statement(n *yaml.Node) {
	l.setPos(n)
	if n.Kind == yaml.ScalarNode {
		l.assignment(n, false, false)
		return
	}
	fields := l.fields(n)
	if len(fields) == 0 {
		return
	}

	head := fields[0]
	if typ, ok := dataTypes[head.key]; ok {
		if e := l.expr(head.value); e != nil {
			l.ctx.AddData(typ, e)
		}
		return
	}

	switch head.key {
	case "assign":
		l.assignment(head.value, false, false)
	case "provide":
		l.assignment(head.value, true, false)
	case "provide-hidden":
		l.assignment(head.value, true, true)
	case "hidden":
		l.assignment(head.value, false, true)
	case "input":
		w, err := ParseInputSpec(l.str(head.value))
		if err != nil {
			l.errorf(head.value, "%s: %v", head.value.Value, err)
			return
		}
		l.ctx.AddWild(w)
	case "fill":
		l.ctx.AddFill(l.fill(head.value))
	case "constructors":
		l.ctx.AddConstructors()
	case "reloc":
		l.reloc(fields)
	case "group":
		l.ctx.EnterGroup()
		l.statements(head.value)
		l.ctx.LeaveGroup()
	case "output":
		l.outputSection(fields)
	case "overlay":
		l.overlay(fields)
	case "insert-after":
		l.ctx.AddInsert(l.str(head.value), false)
	case "insert-before":
		l.ctx.AddInsert(l.str(head.value), true)
	case "address":
		l.address(fields)
	case "target":
		l.ctx.AddTarget(l.str(head.value))
	default:
		l.errorf(head.keyN, "unknown statement `%s'", head.key)
	}
}

func (l *loader) assignment(n *yaml.Node, provide, hidden bool) {
	s := l.str(n)
	dst, src, err := ParseAssignment(s)
	if err != nil {
		l.errorf(n, "%s: %v", s, err)
		return
	}
	if provide && dst == "." {
		l.errorf(n, "cannot PROVIDE the location counter")
		return
	}
	l.ctx.AddAssignment(dst, src, provide, hidden)
}

// fill reads a fill pattern. A hex literal gives its digits byte for
// byte; any other value is a big-endian 32-bit word.
func (l *loader) fill(n *yaml.Node) []byte {
	s := strings.TrimSpace(l.str(n))
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if len(digits)%2 == 1 {
			digits = "0" + digits
		}
		ret := make([]byte, 0, len(digits)/2)
		for i := 0; i < len(digits); i += 2 {
			b, err := strconv.ParseUint(digits[i:i+2], 16, 8)
			if err != nil {
				l.errorf(n, "invalid fill pattern `%s'", s)
				return nil
			}
			ret = append(ret, byte(b))
		}
		return ret
	}
	v := l.uint(n)
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func (l *loader) reloc(fields []field) {
	var name string
	var size uint64
	var addend linker.Expr = linker.Int(0)
	for _, f := range fields {
		switch f.key {
		case "reloc":
			name = l.str(f.value)
		case "size":
			size = l.uint(f.value)
		case "addend":
			addend = l.expr(f.value)
		default:
			l.errorf(f.keyN, "unknown reloc key `%s'", f.key)
		}
	}
	l.ctx.AddReloc(name, size, addend)
}

func (l *loader) address(fields []field) {
	var section string
	var value linker.Expr
	for _, f := range fields {
		switch f.key {
		case "address":
			section = l.str(f.value)
		case "value":
			value = l.expr(f.value)
		default:
			l.errorf(f.keyN, "unknown address key `%s'", f.key)
		}
	}
	if value == nil {
		l.errorf(fields[0].keyN, "address statement for `%s' needs a value", section)
		return
	}
	l.ctx.AddAddress(section, value)
}

func parseSectionType(s string) (linker.SectionType, uint32, error) {
	readonly := false
	if strings.HasPrefix(s, "READONLY") {
		rest := strings.TrimSpace(strings.TrimPrefix(s, "READONLY"))
		if rest == "" {
			return linker.SectionReadonly, 0, nil
		}
		if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
			return 0, 0, fmt.Errorf("invalid section type `%s'", s)
		}
		readonly = true
		s = strings.TrimSpace(rest[1 : len(rest)-1])
	}

	switch s {
	case "NOLOAD":
		return linker.SectionNoload, 0, nil
	case "DSECT", "COPY", "INFO":
		return linker.SectionNoalloc, 0, nil
	case "OVERLAY":
		return linker.SectionOverlay, 0, nil
	}

	if !strings.HasPrefix(s, "TYPE") {
		return 0, 0, fmt.Errorf("invalid section type `%s'", s)
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s[4:]), "="))
	typ, ok := parseElfType(name)
	if !ok {
		return 0, 0, fmt.Errorf("unknown section type `%s'", name)
	}
	if readonly {
		return linker.SectionTypedReadonly, typ, nil
	}
	return linker.SectionTyped, typ, nil
}

func parseElfType(s string) (uint32, bool) {
	for t := elf.SHT_NULL; t <= elf.SHT_SYMTAB_SHNDX; t++ {
		if t.String() == s || t.String() == "SHT_"+s {
			return uint32(t), true
		}
	}
	v, err := parseNumber(s)
	return uint32(v), err == nil
}

var constraints = map[string]linker.Constraint{
	"ONLY_IF_RO": linker.ConstraintOnlyIfRO,
	"ONLY_IF_RW": linker.ConstraintOnlyIfRW,
	"SPECIAL":    linker.ConstraintSpecial,
}

// sectionTail reads the keys that follow the closing brace of a section.
// It reports false for keys it does not know.
func (l *loader) sectionTail(f field, tail *linker.SectionTail) bool {
	switch f.key {
	case "region":
		tail.Region = l.str(f.value)
	case "at-region":
		tail.LmaRegion = l.str(f.value)
	case "phdrs":
		tail.Phdrs = l.strs(f.value)
	case "fill":
		tail.Fill = l.fill(f.value)
	default:
		return false
	}
	return true
}

func (l *loader) outputSection(fields []field) {
	var spec linker.OutputSectionSpec
	var tail linker.SectionTail
	var contents *yaml.Node

	for _, f := range fields {
		if l.sectionTail(f, &tail) {
			continue
		}
		switch f.key {
		case "output":
			spec.Name = l.str(f.value)
		case "address":
			spec.Address = l.expr(f.value)
		case "type":
			t, elfType, err := parseSectionType(l.str(f.value))
			if err != nil {
				l.errorf(f.value, "%v", err)
			}
			spec.Type, spec.ElfType = t, elfType
		case "at":
			spec.LoadBase = l.expr(f.value)
		case "align":
			spec.Align = l.expr(f.value)
		case "subalign":
			spec.SubAlign = l.expr(f.value)
		case "align-with-input":
			spec.AlignWithInput = l.bool(f.value)
		case "constraint":
			c, ok := constraints[l.str(f.value)]
			if !ok {
				l.errorf(f.value, "unknown constraint `%s'", f.value.Value)
			}
			spec.Constraint = c
		case "contents":
			contents = f.value
		default:
			l.errorf(f.keyN, "unknown output section key `%s'", f.key)
		}
	}

	l.setPos(fields[0].keyN)
	l.ctx.EnterOutputSection(spec)
	if contents != nil {
		l.statements(contents)
	}
	l.setPos(fields[0].keyN)
	l.ctx.LeaveOutputSection(tail)
}

func (l *loader) overlay(fields []field) {
	var vma, lma, subalign linker.Expr
	var tail linker.SectionTail
	var members *yaml.Node

	for _, f := range fields {
		if l.sectionTail(f, &tail) {
			continue
		}
		switch f.key {
		case "overlay":
			if f.value.Tag != "!!null" {
				vma = l.expr(f.value)
			}
		case "at":
			lma = l.expr(f.value)
		case "subalign":
			subalign = l.expr(f.value)
		case "nocrossrefs":
		case "sections":
			members = f.value
		default:
			l.errorf(f.keyN, "unknown overlay key `%s'", f.key)
		}
	}

	head := fields[0].keyN
	l.setPos(head)
	l.ctx.EnterOverlay(vma, subalign)

	if members != nil {
		for _, m := range l.list(members) {
			l.overlayMember(m)
		}
	}
	l.setPos(head)
	l.ctx.LeaveOverlay(lma, tail)
}

func (l *loader) overlayMember(n *yaml.Node) {
	l.setPos(n)
	var name string
	var tail linker.SectionTail
	var contents *yaml.Node
	for _, f := range l.fields(n) {
		if f.key != "region" && f.key != "at-region" && l.sectionTail(f, &tail) {
			continue
		}
		switch f.key {
		case "name":
			name = l.str(f.value)
		case "contents":
			contents = f.value
		default:
			l.errorf(f.keyN, "unknown overlay section key `%s'", f.key)
		}
	}
	if name == "" {
		l.errorf(n, "overlay section needs a name")
		return
	}

	l.ctx.EnterOverlaySection(name)
	if contents != nil {
		l.statements(contents)
	}
	l.setPos(n)
	l.ctx.LeaveOverlaySection(tail.Fill, tail.Phdrs)
}

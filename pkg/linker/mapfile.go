package linker

import (
	"bufio"
	"fmt"
	"io"
)

const mapNameWidth = 15

type mapWriter struct {
	ctx *Context
	w   *bufio.Writer
}

// WriteMap renders the memory configuration and the finished statement
// tree in the layout of a GNU ld map file.
func WriteMap(ctx *Context, w io.Writer) error {
	m := &mapWriter{ctx: ctx, w: bufio.NewWriter(w)}

	m.printDiscarded()

	fmt.Fprintf(m.w, "\nMemory Configuration\n\n")
	fmt.Fprintf(m.w, "%-16s %-18s %-18s %s\n", "Name", "Origin", "Length", "Attributes")
	for _, r := range ctx.allRegions() {
		fmt.Fprintf(m.w, "%-16s 0x%016x 0x%016x", r.Name(), r.Origin, r.Length)
		if attrs := RegionAttrString(r); attrs != "" {
			fmt.Fprintf(m.w, " %s", attrs)
		}
		m.w.WriteByte('\n')
	}

	fmt.Fprintf(m.w, "\nLinker script and memory map\n\n")
	m.printList(ctx.Tree.Root)

	if len(ctx.Segments) > 0 {
		fmt.Fprintf(m.w, "\nProgram headers\n\n")
		for _, seg := range ctx.Segments {
			name := seg.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(m.w, "%-16s 0x%08x vaddr 0x%016x paddr 0x%016x filesz 0x%x memsz 0x%x flags 0x%x\n",
				name, seg.Type, seg.VAddr, seg.PAddr, seg.FileSize, seg.MemSize, seg.Flags)
			for _, osec := range seg.Sections {
				fmt.Fprintf(m.w, " %s\n", osec.Name)
			}
		}
	}
	return m.w.Flush()
}

func (m *mapWriter) printDiscarded() {
	header := false
	for _, file := range m.ctx.Objs {
		if file.JustSyms {
			continue
		}
		for _, isec := range file.Sections {
			if isec == nil || !isec.Discarded() || isec.Size == 0 {
				continue
			}
			if !header {
				fmt.Fprintf(m.w, "\nDiscarded input sections\n\n")
				header = true
			}
			m.printInput(isec, false)
		}
	}
}

func (m *mapWriter) name(indent, name string) {
	m.w.WriteString(indent + name)
	if len(indent)+len(name) >= mapNameWidth+1 {
		m.w.WriteString("\n")
		fmt.Fprintf(m.w, "%*s", mapNameWidth+1, "")
	} else {
		fmt.Fprintf(m.w, "%*s", mapNameWidth+1-len(indent)-len(name), "")
	}
}

func (m *mapWriter) printInput(isec *InputSection, placed bool) {
	m.name(" ", isec.Name)
	addr := uint64(0)
	if placed {
		addr = isec.Addr()
	}
	fmt.Fprintf(m.w, "0x%016x %#10x %s\n", addr, isec.Size, isec.File.DisplayName())
}

func (m *mapWriter) printList(list []StmtIdx) {
	for _, idx := range list {
		m.printStatement(m.ctx.Tree.At(idx))
	}
}

func (m *mapWriter) printStatement(s *Statement) {
	ctx := m.ctx
	switch s.Kind {
	case StmtOutputSection:
		os := s.Output
		osec := os.Section
		if os.Constraint < 0 || (osec != nil && osec.Removed && !os.UpdateDot) {
			return
		}
		m.w.WriteByte('\n')
		if osec == nil || osec == ctx.AbsSection {
			fmt.Fprintf(m.w, "%s\n", os.Name)
		} else {
			m.name("", os.Name)
			fmt.Fprintf(m.w, "0x%016x %#10x", osec.VMA, osec.Size)
			if osec.LMA != osec.VMA {
				fmt.Fprintf(m.w, " load address 0x%016x", osec.LMA)
			}
			m.w.WriteByte('\n')
		}
		m.printList(s.Children)

	case StmtWild:
		fmt.Fprintf(m.w, " %s\n", s.Wild)
		m.printList(s.Children)

	case StmtGroup:
		m.printList(s.Children)

	case StmtConstructors:
		m.printList(ctx.Tree.Constructors)

	case StmtInputSection:
		isec := s.Input.Section
		if isec.Flags&SecExclude == 0 {
			m.printInput(isec, true)
		}

	case StmtAssignment:
		a := s.Assign
		fmt.Fprintf(m.w, "%*s", mapNameWidth+1, "")
		value, ok := uint64(0), false
		if sym, found := ctx.SymbolMap[a.Dst]; found && !a.IsDot() && sym.Defined {
			value, ok = sym.Addr()
		}
		if ok {
			fmt.Fprintf(m.w, "0x%016x", value)
		} else {
			fmt.Fprintf(m.w, "%18s", "")
		}
		expr := a.Dst + " = " + a.Src.String()
		switch {
		case a.Provide && a.Hidden:
			expr = "PROVIDE_HIDDEN (" + expr + ")"
		case a.Provide:
			expr = "PROVIDE (" + expr + ")"
		case a.Hidden:
			expr = "HIDDEN (" + expr + ")"
		}
		fmt.Fprintf(m.w, "                %s\n", expr)

	case StmtData:
		d := s.Data
		addr := uint64(0)
		if d.Output != nil {
			addr = d.Output.VMA + d.OutputOffset
		}
		m.name(" ", d.Type.String())
		fmt.Fprintf(m.w, "0x%016x %#10x %s\n", addr, d.Type.Size(), d.Exp)

	case StmtReloc:
		r := s.Reloc
		addr := uint64(0)
		if r.Output != nil {
			addr = r.Output.VMA + r.OutputOffset
		}
		m.name(" ", "RELOC")
		fmt.Fprintf(m.w, "0x%016x %#10x %s + %s\n", addr, r.Size, r.Name, r.Addend)

	case StmtPadding:
		p := s.Pad
		if p.Size == 0 || p.Output == nil {
			return
		}
		m.name(" ", "*fill*")
		fmt.Fprintf(m.w, "0x%016x %#10x", p.Output.VMA+p.OutputOffset, p.Size)
		if len(p.Fill) > 0 {
			fmt.Fprintf(m.w, " %x", p.Fill)
		}
		m.w.WriteByte('\n')

	case StmtFill:
		fmt.Fprintf(m.w, " FILL mask 0x%x\n", s.Fill.Fill)

	case StmtAddress:
		fmt.Fprintf(m.w, "Address of section %s set to %s\n", s.Address.SectionName, s.Address.Address)

	case StmtInsert:
		where := "AFTER"
		if s.Insert.IsBefore {
			where = "BEFORE"
		}
		fmt.Fprintf(m.w, "INSERT %s %s\n", where, s.Insert.Where)

	case StmtTarget:
		fmt.Fprintf(m.w, "TARGET(%s)\n", s.Target)
	}
}

package linker

import (
	"debug/elf"
	"strings"
)

// MapInputSections attaches every matched input section to the output
// section of the wild statement that claimed it first in script order.
func MapInputSections(ctx *Context) {
	ctx.resolveWilds()
	ctx.applySortSection(ctx.Arg.SortSection)
	ctx.statementIteration++
	ctx.mapList(ctx.Tree.Root, nil)
}

func (ctx *Context) mapList(list []StmtIdx, os *OutputSectionStatement) {
	for _, idx := range list {
		s := ctx.Tree.At(idx)
		ctx.pos = s.StartEndPos

		switch s.Kind {
		case StmtWild:
			ctx.wild(s, os)

		case StmtConstructors:
			ctx.mapList(ctx.Tree.Constructors, os)

		case StmtOutputSection:
			child := s.Output
			if child.Constraint == ConstraintOnlyIfRO || child.Constraint == ConstraintOnlyIfRW {
				child.AllInputReadonly = true
				ctx.checkInputSections(s.Children, child)
				if child.AllInputReadonly != (child.Constraint == ConstraintOnlyIfRO) {
					child.Constraint = ConstraintExcluded
				}
			}
			if child.Constraint >= 0 {
				ctx.mapList(s.Children, child)
			}

		case StmtGroup:
			ctx.mapList(s.Children, os)

		case StmtData:
			if os == nil {
				break
			}
			flags := SecHasContents | SecAlloc | SecLoad
			switch os.SectionType {
			case SectionNoalloc:
				flags = SecHasContents
			case SectionReadonly, SectionTypedReadonly:
				flags |= SecReadonly
			case SectionNoload:
				flags = SecNeverLoad | SecAlloc
			}
			if os.Section == nil {
				ctx.initOutputSection(os, flags|SecReadonly)
			} else {
				os.Section.Flags |= flags
			}
			if os.ElfType != 0 {
				os.Section.ElfType = os.ElfType
			}

		case StmtFill, StmtReloc, StmtPadding, StmtAssignment:
			if os != nil && os.Section == nil {
				ctx.initOutputSection(os, 0)
			}

		case StmtAddress:
			a := s.Address
			tos := ctx.FindOutputSection(a.SectionName)
			if tos == nil {
				// Sections only named by an address statement follow
				// the script's own sections.
				tos = ctx.LookupOutputSection(a.SectionName, ConstraintNormal, 1, &ctx.Tree.Root)
			}
			tos.AddrTree = a.Address
			if tos.Section == nil {
				ctx.initOutputSection(tos, 0)
			}
		}
	}
}

// checkInputSections clears AllInputReadonly when a writable section
// that is still unplaced would land in os.
func (ctx *Context) checkInputSections(list []StmtIdx, os *OutputSectionStatement) {
	for _, idx := range list {
		s := ctx.Tree.At(idx)
		switch s.Kind {
		case StmtWild:
			for _, m := range s.Wild.Matching {
				if m.Section.OutputSection == nil && m.Section.Flags&SecReadonly == 0 {
					os.AllInputReadonly = false
					return
				}
			}
		case StmtConstructors:
			ctx.checkInputSections(ctx.Tree.Constructors, os)
		case StmtGroup:
			ctx.checkInputSections(s.Children, os)
		}
		if !os.AllInputReadonly {
			return
		}
	}
}

func (ctx *Context) wild(s *Statement, os *OutputSectionStatement) {
	w := s.Wild
	if os == nil {
		// A wild statement outside SECTIONS only names input files.
		return
	}

	if w.needsSort() {
		tree := newSectionTree(w)
		for _, m := range w.Matching {
			if !ctx.wontAddSection(m.Section, os) {
				tree.insert(m)
			}
		}
		tree.walk(func(m MatchingSection) {
			ctx.AddSection(&s.Children, m.Section, m.Spec, w, os)
		})
	} else {
		for _, m := range w.Matching {
			ctx.AddSection(&s.Children, m.Section, m.Spec, w, os)
		}
	}

	if ctx.defaultCommonSection == nil {
		for _, spec := range w.Sections {
			if spec.Name == "COMMON" {
				ctx.defaultCommonSection = os
				break
			}
		}
	}
}

// discardSection reports sections that never reach the output.
func (ctx *Context) discardSection(isec *InputSection) bool {
	if isec.Flags&(SecExclude|SecGroup) != 0 {
		return true
	}
	return ctx.Arg.StripDebug && isec.Flags&SecDebugging != 0
}

// wontAddSection reports whether AddSection would ignore isec for os.
// Discarded sections are routed to *ABS* on the way.
func (ctx *Context) wontAddSection(isec *InputSection, os *OutputSectionStatement) bool {
	if ctx.discardSection(isec) || os.Name == DiscardSectionName {
		if isec.OutputSection == nil {
			isec.OutputSection = ctx.AbsSection
		} else if !isec.Discarded() && ctx.Arg.NonContiguousRegionsWarnings {
			ctx.Warnf(ctx.pos.Loc(),
				"non-contiguous regions make section `%s' from `%s' match /DISCARD/ clause",
				isec.Name, isec.File.DisplayName())
		}
		return true
	}

	if isec.OutputSection != nil {
		if !ctx.Arg.NonContiguousRegions || isec.Discarded() ||
			isec.OutputSection == os.Section {
			return true
		}
		if ctx.Arg.NonContiguousRegionsWarnings && os.Section != nil {
			ctx.Warnf(ctx.pos.Loc(),
				"non-contiguous regions may change behaviour for section `%s' from `%s' (assigned to %s, but additional match: %s)",
				isec.Name, isec.File.DisplayName(), isec.OutputSection.Name, os.Section.Name)
		}
	}
	return false
}

// AddSection appends isec to os through a new input section statement
// at the end of list, merging its flags into the output section.
func (ctx *Context) AddSection(
	list *[]StmtIdx, isec *InputSection, spec *SectionSpec, w *WildStatement, os *OutputSectionStatement,
) {
	ctx.insertSection(list, len(*list), isec, spec, w, os)
}

func (ctx *Context) insertSection(
	list *[]StmtIdx, pos int, isec *InputSection, spec *SectionSpec, w *WildStatement, os *OutputSectionStatement,
) bool {
	if ctx.wontAddSection(isec, os) {
		return false
	}
	if w != nil && !w.flagsAccept(isec) {
		return false
	}
	if w != nil && w.Keep {
		isec.Flags |= SecKeep
	}

	flags := isec.Flags &^ (SecNeverLoad | SecReloc | SecGroup)
	switch os.SectionType {
	case SectionNoalloc:
		flags &^= SecAlloc
	case SectionReadonly, SectionTypedReadonly:
		flags |= SecReadonly
	case SectionNoload:
		flags &^= SecLoad | SecHasContents
		flags |= SecNeverLoad
	}

	if os.Section == nil {
		ctx.initOutputSection(os, flags)
	}
	osec := os.Section

	// Any writable input makes the whole section writable.
	osec.Flags &= flags | ^SecReadonly

	if osec.HasInput() {
		flags &^= SecReadonly
		if osec.Flags&(SecMerge|SecStrings) != flags&(SecMerge|SecStrings) ||
			(flags&SecMerge != 0 && osec.EntSize != isec.EntSize) {
			osec.Flags &^= SecMerge | SecStrings
			flags &^= SecMerge | SecStrings
		}
	}
	osec.Flags |= flags

	if !osec.HasInput() {
		if flags&SecMerge != 0 {
			osec.EntSize = isec.EntSize
		}
		if osec.ElfType == uint32(elf.SHT_NULL) {
			osec.ElfType = canonicalElfType(osec.Name, isec.ElfType)
		}
	}
	if osec.ElfType == uint32(elf.SHT_NOBITS) && isec.ElfType != uint32(elf.SHT_NOBITS) &&
		flags&SecHasContents != 0 {
		osec.ElfType = uint32(elf.SHT_PROGBITS)
	}

	if reverseCopy(isec.Name, osec.Name) {
		isec.Flags |= SecElfReverseCopy
	}

	if isec.P2Align > osec.P2Align {
		osec.P2Align = isec.P2Align
	}

	isec.OutputSection = osec
	osec.AppendInput(isec)

	idx, s := ctx.Tree.New(StmtInputSection, ctx.pos)
	s.Input = &InputStatement{Section: isec, Spec: spec}
	ctx.Tree.InsertAt(list, pos, idx)
	return true
}

// reverseCopy reports .ctors and .dtors inputs placed in .init_array and
// .fini_array; their contents run in the opposite order.
func reverseCopy(isecName, osecName string) bool {
	if len(isecName) > 6 && isecName[6] != '.' {
		return false
	}
	return (strings.HasPrefix(isecName, ".ctors") && osecName == ".init_array") ||
		(strings.HasPrefix(isecName, ".dtors") && osecName == ".fini_array")
}

package linker

import (
	"debug/elf"

	"github.com/pattyshack/gt/parseutil"
)

// OrphanStrategy chooses where an input section matched by no wild
// statement goes.
type OrphanStrategy interface {
	// Compatible reports whether isec may join osec, an existing output
	// section carrying the orphan's own name.
	Compatible(osec *OutputSection, isec *InputSection) bool

	// FindByFlags returns the statement isec should join when exact is
	// set, or follow otherwise. A nil result sends the orphan to the end
	// of the script.
	FindByFlags(ctx *Context, isec *InputSection) (found *OutputSectionStatement, exact bool)
}

const exactOrphanMask = SecHasContents | SecAlloc | SecLoad | SecReadonly |
	SecCode | SecSmallData | SecThreadLocal | SecDebugging

// findByFlags walks OsList looking for the best neighbour of a section
// with the given flags. Exact mask matches win; otherwise the last
// statement of the closest category is returned. matchType, when set,
// filters statements that already have a backing section, and the search
// is retried without it when nothing fits.
func (ctx *Context) findByFlags(
	flags SecFlags, matchType func(*OutputSection) bool,
) (*OutputSectionStatement, bool) {
	var list []*OutputSectionStatement
	for _, os := range ctx.Tree.OutputSections()[1:] {
		if os.Constraint < 0 || os.Name == DiscardSectionName {
			continue
		}
		list = append(list, os)
	}

	lookFlags := func(os *OutputSectionStatement, typed bool) (SecFlags, bool) {
		if os.Section == nil {
			return os.Flags, true
		}
		if typed && matchType != nil && !matchType(os.Section) {
			return 0, false
		}
		return os.Section.Flags, true
	}

	scan := func(accept func(look SecFlags) bool) *OutputSectionStatement {
		var found *OutputSectionStatement
		for _, os := range list {
			look, ok := lookFlags(os, true)
			if ok && accept(look) {
				found = os
			}
		}
		return found
	}

	if found := scan(func(look SecFlags) bool {
		return (look^flags)&exactOrphanMask == 0
	}); found != nil {
		return found, true
	}

	var found *OutputSectionStatement
	alloc := flags&SecAlloc != 0
	switch {
	case alloc && flags&SecCode != 0:
		found = scan(func(look SecFlags) bool {
			return (look^flags)&(SecHasContents|SecAlloc|SecLoad|SecCode|SecSmallData|SecThreadLocal) == 0
		})

	case alloc && flags&SecReadonly != 0:
		// .rodata can go after .text, .sdata2 after .rodata.
		found = scan(func(look SecFlags) bool {
			differ := look ^ flags
			return differ&(SecHasContents|SecAlloc|SecLoad|SecReadonly|SecSmallData) == 0 ||
				(differ&(SecHasContents|SecAlloc|SecLoad|SecReadonly) == 0 && look&SecSmallData == 0)
		})

	case alloc && flags&SecThreadLocal != 0:
		// .tdata goes after .data and .tbss right after .tdata. Types
		// are not compared here.
		seenTLS := false
		for _, os := range list {
			look, _ := lookFlags(os, false)
			differ := look ^ (flags | SecLoad | SecHasContents)
			if differ&(SecThreadLocal|SecAlloc) == 0 {
				if look&SecLoad == 0 && flags&SecLoad != 0 {
					break
				}
				found = os
				seenTLS = true
			} else if seenTLS {
				break
			} else if differ&(SecHasContents|SecAlloc|SecLoad) == 0 {
				found = os
			}
		}
		return found, false

	case alloc && flags&SecSmallData != 0:
		// .sdata goes after .data, .sbss after .sdata.
		found = scan(func(look SecFlags) bool {
			differ := look ^ flags
			return differ&(SecHasContents|SecAlloc|SecLoad|SecThreadLocal) == 0 ||
				(look&SecSmallData != 0 && flags&SecHasContents == 0)
		})

	case alloc && flags&SecHasContents != 0:
		found = scan(func(look SecFlags) bool {
			return (look^flags)&(SecHasContents|SecAlloc|SecLoad|SecSmallData|SecThreadLocal) == 0
		})

	case alloc:
		// .bss goes after any other alloc section.
		found = scan(func(look SecFlags) bool {
			return (look^flags)&SecAlloc == 0
		})

	default:
		for _, os := range list {
			look, _ := lookFlags(os, false)
			if (look^flags)&SecDebugging == 0 {
				found = os
			}
		}
		return found, false
	}

	if found != nil || matchType == nil {
		return found, false
	}
	found, _ = ctx.findByFlags(flags, nil)
	return found, false
}

// FlagOrderStrategy places orphans by flag category alone.
type FlagOrderStrategy struct{}

func (FlagOrderStrategy) Compatible(*OutputSection, *InputSection) bool {
	return true
}

func (FlagOrderStrategy) FindByFlags(ctx *Context, isec *InputSection) (*OutputSectionStatement, bool) {
	return ctx.findByFlags(isec.Flags, nil)
}

// ElfOrphanStrategy adds the ELF rules to the flag order: section types
// must agree, allocated notes stay together, and a section named after
// a well known output section prefers that section.
type ElfOrphanStrategy struct{}

func sameElfType(osec *OutputSection, isec *InputSection) bool {
	return osec.ElfType == isec.ElfType ||
		osec.ElfType == uint32(elf.SHT_NULL) || isec.ElfType == uint32(elf.SHT_NULL)
}

func (ElfOrphanStrategy) Compatible(osec *OutputSection, isec *InputSection) bool {
	return sameElfType(osec, isec)
}

func (ElfOrphanStrategy) FindByFlags(ctx *Context, isec *InputSection) (*OutputSectionStatement, bool) {
	exact := func(os *OutputSectionStatement) bool {
		return os.Section != nil && sameElfType(os.Section, isec) &&
			(os.Section.Flags^isec.Flags)&exactOrphanMask == 0
	}

	if stem := OrphanStem(isec.Name, isec.Flags); stem != isec.Name {
		if os := ctx.FindOutputSection(stem); os != nil && exact(os) {
			return os, true
		}
	}

	if isec.Flags&SecAlloc != 0 && isec.ElfType == uint32(elf.SHT_NOTE) {
		var note *OutputSectionStatement
		for _, os := range ctx.Tree.OutputSections()[1:] {
			if os.Constraint >= 0 && os.Section != nil &&
				os.Section.ElfType == uint32(elf.SHT_NOTE) {
				note = os
			}
		}
		if note != nil {
			return note, exact(note)
		}
	}

	return ctx.findByFlags(isec.Flags, func(osec *OutputSection) bool {
		return sameElfType(osec, isec)
	})
}

// PlaceOrphans gives every section no wild statement claimed a home.
func PlaceOrphans(ctx *Context) {
	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || isec.OutputSection != nil {
				continue
			}

			switch {
			case file.JustSyms:
				isec.OutputSection = ctx.AbsSection
				isec.OutputOffset = isec.VMA

			case ctx.discardSection(isec):
				isec.OutputSection = ctx.AbsSection

			case isec.Name == "COMMON":
				// Commons from archive members join the section that
				// holds *(COMMON), or .bss.
				os := ctx.defaultCommonSection
				if os == nil {
					os = ctx.FindOutputSection(".bss")
				}
				if os != nil {
					ctx.appendOrphan(os, isec)
				} else {
					ctx.defaultCommonSection = ctx.placeOrphan(isec, ".bss")
				}

			default:
				PlaceOrphan(ctx, isec)
			}
		}
	}
}

// PlaceOrphan applies the orphan handling policy to one unplaced section
// and returns the output section statement it joined, or nil when it was
// discarded.
func PlaceOrphan(ctx *Context, isec *InputSection) *OutputSectionStatement {
	// Orphans come from inputs, not from a script statement.
	var loc parseutil.Location
	switch ctx.Arg.OrphanHandling {
	case OrphanDiscard:
		isec.OutputSection = ctx.AbsSection
		return nil
	case OrphanError:
		ctx.Errorf(loc, "unplaced orphan section `%s' from `%s'", isec.Name, isec.File.DisplayName())
	}

	os := ctx.placeOrphan(isec, isec.Name)

	if ctx.Arg.OrphanHandling == OrphanWarn {
		ctx.Warnf(loc, "orphan section `%s' from `%s' being placed in section `%s'",
			isec.Name, isec.File.DisplayName(), os.Name)
	}
	return os
}

func (ctx *Context) placeOrphan(isec *InputSection, name string) *OutputSectionStatement {
	strategy := ctx.Orphans
	if strategy == nil {
		strategy = FlagOrderStrategy{}
	}

	constraint := ConstraintNormal
	var byName *OutputSectionStatement
	for _, os := range ctx.osByName[name] {
		if os.Constraint < 0 {
			continue
		}
		// A same-name section that does not fit gets a twin.
		constraint = ConstraintSpecial
		osec := os.Section
		if osec != nil && (osec.Flags == 0 ||
			((isec.Flags^osec.Flags)&(SecLoad|SecAlloc) == 0 && strategy.Compatible(osec, isec))) {
			ctx.appendOrphan(os, isec)
			return os
		}
		if osec == nil && byName == nil {
			byName = os
		}
	}
	if byName != nil {
		ctx.appendOrphan(byName, isec)
		return byName
	}

	found, exact := strategy.FindByFlags(ctx, isec)
	if found != nil && exact {
		ctx.appendOrphan(found, isec)
		return found
	}
	return ctx.insertOrphan(isec, name, constraint, found)
}

// orphanSlot is where an orphan joins an existing statement list: the
// end, ahead of any trailing run of dot assignments. The first statement
// is never displaced.
func (ctx *Context) orphanSlot(list []StmtIdx) int {
	pos := len(list)
	for pos > 1 {
		s := ctx.Tree.At(list[pos-1])
		if s.Kind != StmtAssignment || !s.Assign.IsDot() {
			break
		}
		pos--
	}
	return pos
}

func (ctx *Context) appendOrphan(os *OutputSectionStatement, isec *InputSection) {
	s := ctx.Tree.At(os.Idx)
	ctx.insertSection(&s.Children, ctx.orphanSlot(s.Children), isec, nil, nil, os)
}

// insertOrphan creates an output section statement for isec and links it
// after `after`, behind any orphans already placed there. Without an
// anchor the statement goes to the end of the script.
func (ctx *Context) insertOrphan(
	isec *InputSection, name string, constraint Constraint, after *OutputSectionStatement,
) *OutputSectionStatement {
	os := ctx.LookupOutputSection(name, constraint, 1, nil)
	os.Region = ctx.DefaultRegion
	if isec.Flags&(SecLoad|SecAlloc) == 0 {
		os.AddrTree = Int(0)
	} else if after != nil {
		os.Region = after.Region
		os.LmaRegion = after.LmaRegion
		os.Phdrs = after.Phdrs
	}

	if after == nil {
		ctx.Tree.Root = append(ctx.Tree.Root, os.Idx)
	} else {
		anchor := after
		if last := ctx.orphanTail[after]; last != nil {
			anchor = last
		}

		removeAt(&ctx.Tree.OsList, indexOf(ctx.Tree.OsList, os.Idx))
		ctx.Tree.InsertAt(&ctx.Tree.OsList, indexOf(ctx.Tree.OsList, anchor.Idx)+1, os.Idx)

		var list *[]StmtIdx
		var pos int
		if anchor == ctx.AbsSection.Stmt {
			list = &ctx.Tree.Root
			pos = ctx.insertOsAfter(*list, -1, true)
		} else {
			l, j := ctx.Tree.containingList(anchor.Idx)
			if l == nil {
				l, j = &ctx.Tree.Root, len(ctx.Tree.Root)-1
			}
			list = l
			pos = ctx.insertOsAfter(*l, j, false)
		}
		ctx.Tree.InsertAt(list, pos, os.Idx)
		ctx.orphanTail[after] = os
	}

	s := ctx.Tree.At(os.Idx)
	ctx.insertSection(&s.Children, len(s.Children), isec, nil, nil, os)
	return os
}

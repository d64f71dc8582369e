package linker

import (
	"sort"
	"strings"

	"github.com/ksco/ldlayout/pkg/utils"
)

// Process runs the whole layout on a context whose script and inputs are
// loaded. Errors of every class are returned together; warnings stay in
// ctx.Diag.
func Process(ctx *Context) (err error) {
	defer ctx.recoverAbort(&err)

	MarkUndefined(ctx)
	ResolveSymbols(ctx)
	AllocateCommons(ctx)
	FoldMemoryRegions(ctx)

	DoAssignments(ctx, PhaseMark)
	ctx.Phase = PhaseNone

	MapInputSections(ctx)
	ProcessInsertStatements(ctx)
	PlaceOrphans(ctx)

	PropagateLmaRegions(ctx)
	InitStartStopSymbols(ctx)
	StripExcludedOutputSections(ctx)

	RecordPhdrs(ctx)
	if ctx.Arg.Relro {
		FindRelroSections(ctx)
	}

	SizeSections(ctx, false, !ctx.Arg.Relax || ctx.Relaxer == nil)
	RelaxSections(ctx, false)

	DoAssignments(ctx, PhaseFinal)
	AssignSegmentAddresses(ctx)

	if ctx.Arg.CheckSections {
		CheckSectionAddresses(ctx)
	}
	if ctx.Arg.NonContiguousRegions && ctx.Arg.NonContiguousRegionsWarnings {
		warnNonContiguousDiscards(ctx)
	}
	CheckRequiredSymbols(ctx)

	return ctx.Diag.Err()
}

func ResolveSymbols(ctx *Context) {
	for _, file := range ctx.Objs {
		file.ResolveSymbols(ctx)
	}

	MarkLiveObjects(ctx)

	for _, file := range ctx.Objs {
		if !file.IsAlive {
			file.ClearSymbols()
		}
	}

	for _, file := range ctx.Objs {
		if file.IsAlive {
			file.ResolveSymbols(ctx)
		}
	}

	ctx.Objs = utils.RemoveIf[*ObjectFile](ctx.Objs, func(file *ObjectFile) bool {
		return !file.IsAlive
	})
}

func MarkLiveObjects(ctx *Context) {
	roots := make([]*ObjectFile, 0)
	for _, file := range ctx.Objs {
		if file.IsAlive {
			roots = append(roots, file)
		}
	}

	// --undefined names pull archive members in on their own.
	for _, name := range ctx.Arg.Undefined {
		sym, ok := ctx.SymbolMap[name]
		if ok && sym.File != nil && !sym.File.SwapIsAlive(true) {
			roots = append(roots, sym.File)
		}
	}

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]
		file.MarkLiveObjects(ctx, func(o *ObjectFile) {
			roots = append(roots, o)
		})
	}
}

func AllocateCommons(ctx *Context) {
	for _, file := range ctx.Objs {
		file.AllocateCommon()
	}
}

// StripExcludedOutputSections drops output sections that ended up empty
// after a provisional sizing pass. Sections holding a symbol assignment
// keep taking part in dot updates.
func StripExcludedOutputSections(ctx *Context) {
	if ctx.Phase != PhaseMark {
		ctx.Phase = PhaseMark
		ctx.DataSeg.Phase = SegNone
		ctx.sizePass(false)
		ResetMemoryRegions(ctx)
	}

	for _, os := range ctx.Tree.OutputSections() {
		if os.Constraint < 0 {
			continue
		}
		osec := os.Section
		if osec == nil || osec == ctx.AbsSection {
			continue
		}

		exclude := osec.RawSize == 0 && osec.Flags&SecKeep == 0 && !osec.Removed
		if exclude {
			for _, isec := range osec.Members {
				if isec.Flags&SecExclude == 0 && isec.Flags&SecLinkerCreated != 0 {
					exclude = false
					break
				}
			}
		}

		if exclude {
			if !os.UpdateDot {
				os.Ignored = true
			}
			osec.Flags |= SecExclude
			osec.Removed = true
		}
	}
}

// FindRelroSections turns RELRO off when nothing with contents lies
// between DATA_SEGMENT_ALIGN and DATA_SEGMENT_RELRO_END.
func FindRelroSections(ctx *Context) {
	seg := &ctx.DataSeg
	found := false
	if seg.relroStartStmt != NoStmt {
		list, i := ctx.Tree.containingList(seg.relroStartStmt)
		if list != nil {
			found = ctx.findRelroSection((*list)[i:])
		}
	}
	if !found {
		ctx.Arg.Relro = false
	}
}

func (ctx *Context) findRelroSection(list []StmtIdx) bool {
	for _, idx := range list {
		if idx == ctx.DataSeg.relroEndStmt {
			return false
		}
		s := ctx.Tree.At(idx)
		switch s.Kind {
		case StmtInputSection:
			if relroContent(s.Input.Section) {
				return true
			}
		case StmtWild:
			for _, child := range s.Children {
				c := ctx.Tree.At(child)
				if c.Kind == StmtInputSection && relroContent(c.Input.Section) {
					return true
				}
			}
		case StmtConstructors:
			if ctx.findRelroSection(ctx.Tree.Constructors) {
				return true
			}
		case StmtOutputSection, StmtGroup:
			if ctx.findRelroSection(s.Children) {
				return true
			}
		}
	}
	return false
}

func relroContent(isec *InputSection) bool {
	return isec.OutputSection != nil && !isec.Discarded() &&
		isec.OutputSection.Flags&SecExclude == 0 &&
		!isec.Flags.Ignored() && isec.Size != 0
}

// PropagateLmaRegions lets a section without placement of its own share
// the load region of the section before it in the same region.
func PropagateLmaRegions(ctx *Context) {
	var prev *OutputSectionStatement
	for _, os := range ctx.Tree.OutputSections() {
		if prev != nil && os.LmaRegion == nil && os.LoadBase == nil &&
			os.AddrTree == nil && os.Region == prev.Region {
			os.LmaRegion = prev.LmaRegion
		}
		prev = os
	}
}

// DoAssignments re-evaluates every assignment and data statement with the
// current section addresses.
func DoAssignments(ctx *Context, phase Phase) {
	ctx.Phase = phase
	ctx.statementIteration++
	foundEnd := false
	ctx.assignList(ctx.Tree.Root, ctx.AbsSection.Stmt, 0, &foundEnd)
}

func (ctx *Context) assignList(
	list []StmtIdx, os *OutputSectionStatement, dot uint64, foundEnd *bool,
) uint64 {
	for _, idx := range list {
		s := ctx.Tree.At(idx)
		switch s.Kind {
		case StmtConstructors:
			dot = ctx.assignList(ctx.Tree.Constructors, os, dot, foundEnd)

		case StmtOutputSection:
			child := s.Output
			child.AfterEnd = *foundEnd
			newdot := dot
			if child.Section != nil {
				newdot = child.Section.VMA
			}
			ctx.assignList(s.Children, child, newdot, foundEnd)
			if !child.Ignored {
				if osec := child.Section; osec != nil {
					newdot = osec.VMA
					if !osec.Flags.IsTbss() {
						newdot += osec.Size
					}
					if child.UpdateDotTree != nil {
						ctx.exprLoc = s.Loc()
						if r := ctx.Fold(child.UpdateDotTree, ctx.AbsSection, newdot); r.Valid {
							newdot = r.Value
						}
					}
				}
				dot = newdot
			}

		case StmtWild, StmtGroup:
			dot = ctx.assignList(s.Children, os, dot, foundEnd)

		case StmtData:
			ctx.exprLoc = s.Loc()
			r := ctx.Fold(s.Data.Exp, ctx.AbsSection, dot)
			if r.Valid {
				s.Data.Value = r.Value
			} else if ctx.Phase == PhaseFinal {
				ctx.Fatalf(ctx.exprLoc, "invalid data statement")
			}
			dot += s.Data.Type.Size()

		case StmtReloc:
			ctx.exprLoc = s.Loc()
			r := ctx.Fold(s.Reloc.Addend, ctx.AbsSection, dot)
			if r.Valid {
				s.Reloc.AddendValue = r.Value
			} else if ctx.Phase == PhaseFinal {
				ctx.Fatalf(ctx.exprLoc, "invalid reloc statement")
			}
			dot += s.Reloc.Size

		case StmtInputSection:
			if isec := s.Input.Section; isec.Flags&SecExclude == 0 {
				dot += isec.Size
			}

		case StmtAssignment:
			a := s.Assign
			if strings.TrimLeft(a.Dst, "_") == "end" {
				*foundEnd = true
			}
			dot = ctx.foldAssignment(idx, a, os.Section, dot)

		case StmtPadding:
			dot += s.Pad.Size
		}
	}
	return dot
}

type checkSec struct {
	osec   *OutputSection
	warned bool
}

// CheckSectionAddresses reports address space wraparound, overlapping
// sections and the overflow summary of every region that overflowed.
func CheckSectionAddresses(ctx *Context) {
	sections := ctx.layoutSections()
	loc := ctx.pos.Loc()

	mask := ^uint64(0)
	if bits := AddressBits(ctx.Arg.Emulation); bits < 64 {
		mask = uint64(1)<<bits - 1
	}
	for _, s := range sections {
		if s.Flags&SecAlloc == 0 {
			continue
		}
		if end := (s.VMA + s.Size) & mask; end != 0 && end < s.VMA&mask {
			ctx.Errorf(loc, "section %s VMA wraps around address space", s.Name)
		} else if end := (s.LMA + s.Size) & mask; end != 0 && end < s.LMA&mask {
			ctx.Errorf(loc, "section %s LMA wraps around address space", s.Name)
		}
	}

	checks := make([]*checkSec, 0, len(sections))
	for _, s := range sections {
		if s.Flags.Ignored() || s.Size == 0 {
			continue
		}
		checks = append(checks, &checkSec{osec: s})
	}

	if len(checks) > 1 {
		sort.SliceStable(checks, func(i, j int) bool {
			a, b := checks[i].osec, checks[j].osec
			if a.LMA != b.LMA {
				return a.LMA < b.LMA
			}
			return a.Idx < b.Idx
		})

		var p *OutputSection
		var pStart, pEnd uint64
		for _, c := range checks {
			s := c.osec
			if s.Flags&SecLoad == 0 {
				continue
			}
			start, end := s.LMA, s.LMA+s.Size-1
			if p != nil && (start <= pEnd || pEnd < pStart) {
				ctx.Errorf(loc, "section %s LMA [0x%x,0x%x] overlaps section %s LMA [0x%x,0x%x]",
					s.Name, start, end, p.Name, pStart, pEnd)
				c.warned = true
			}
			p, pStart, pEnd = s, start, end
		}

		sort.SliceStable(checks, func(i, j int) bool {
			a, b := checks[i].osec, checks[j].osec
			if a.VMA != b.VMA {
				return a.VMA < b.VMA
			}
			return a.Idx < b.Idx
		})

		// Two sections starting at the same VMA mean the script uses
		// overlays; VMA overlap is expected then.
		overlays := false
		for i := 1; i < len(checks); i++ {
			if checks[i].osec.VMA == checks[i-1].osec.VMA {
				overlays = true
				break
			}
		}

		if !overlays {
			p = nil
			for _, c := range checks {
				s := c.osec
				start, end := s.VMA, s.VMA+s.Size-1
				if p != nil && !c.warned && (start <= pEnd || pEnd < pStart) {
					ctx.Errorf(loc, "section %s VMA [0x%x,0x%x] overlaps section %s VMA [0x%x,0x%x]",
						s.Name, start, end, p.Name, pStart, pEnd)
				}
				p, pStart, pEnd = s, start, end
			}
		}
	}

	for _, r := range ctx.Regions {
		if r.HadFullMessage {
			ctx.Errorf(loc, "region `%s' overflowed by %d bytes", r.Name(), r.Current-(r.Origin+r.Length))
		}
	}
}

func warnNonContiguousDiscards(ctx *Context) {
	for _, file := range ctx.Objs {
		if file.JustSyms {
			continue
		}
		for _, isec := range file.Sections {
			if isec != nil && isec.OutputSection == nil && isec.Flags&SecLinkerCreated == 0 {
				ctx.Warnf(ctx.pos.Loc(),
					"non-contiguous regions discard section `%s' from `%s'", isec.Name, file.DisplayName())
			}
		}
	}
}

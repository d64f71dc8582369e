package linker

import (
	"github.com/ksco/ldlayout/pkg/utils"
)

type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseMark
	PhaseAllocating
	PhaseAssigning
	PhaseFinal
)

var phaseNames = [...]string{"none", "mark", "allocating", "assigning", "final"}

func (p Phase) String() string { return phaseNames[p] }

// Relaxer shrinks or grows an input section once addresses are known.
// Returning again asks for another sizing pass.
type Relaxer interface {
	Relax(ctx *Context, isec *InputSection) (newSize uint64, again bool)
}

type RelaxFunc func(ctx *Context, isec *InputSection) (uint64, bool)

func (f RelaxFunc) Relax(ctx *Context, isec *InputSection) (uint64, bool) {
	return f(ctx, isec)
}

// sizePass walks the whole statement tree once, assigning addresses and
// sizes. check enables region overflow diagnostics.
func (ctx *Context) sizePass(check bool) uint64 {
	ctx.statementIteration++
	if ctx.Phase != PhaseMark {
		ctx.sizingIteration++
	}
	abs := ctx.AbsSection.Stmt
	return ctx.sizeList(&ctx.Tree.Root, abs, nil, 0, check)
}

func (ctx *Context) sizeList(
	list *[]StmtIdx, os *OutputSectionStatement, fill []byte, dot uint64, check bool,
) uint64 {
	for i := 0; i < len(*list); i++ {
		idx := (*list)[i]
		s := ctx.Tree.At(idx)
		removed := false

		switch s.Kind {
		case StmtOutputSection:
			dot = ctx.sizeOutputSection(s, dot, check)

		case StmtConstructors:
			dot = ctx.sizeList(&ctx.Tree.Constructors, os, fill, dot, check)

		case StmtWild, StmtGroup:
			dot = ctx.sizeList(&s.Children, os, fill, dot, check)

		case StmtData:
			d := s.Data
			d.Output = os.Section
			d.OutputOffset = dot - os.Section.VMA
			ctx.exprLoc = s.Loc()
			ctx.Fold(d.Exp, ctx.AbsSection, dot)
			dot += d.Type.Size()
			os.Section.growTo(dot)

		case StmtReloc:
			r := s.Reloc
			r.Output = os.Section
			r.OutputOffset = dot - os.Section.VMA
			dot += r.Size
			os.Section.growTo(dot)

		case StmtInputSection:
			isec := s.Input.Section
			if ctx.relaxing && ctx.Relaxer != nil {
				if isec.RawSize == 0 {
					isec.RawSize = isec.Size
				}
				newSize, again := ctx.Relaxer.Relax(ctx, isec)
				isec.Size = newSize
				if again {
					ctx.relaxAgain = true
				}
			}
			dot, i, removed = ctx.sizeInputSection(list, i, os, fill, dot)

		case StmtFill:
			s.Fill.Output = os.Section
			fill = s.Fill.Fill

		case StmtAssignment:
			newdot := ctx.sizeAssignment(idx, s.Assign, os, dot)
			if !os.Ignored {
				if os.Section == ctx.AbsSection {
					ctx.DefaultRegion.Current = newdot
				} else if newdot > dot {
					// The pad goes after the assignment since the
					// assignment may read dot.
					ctx.insertPad(list, i+1, fill, newdot-dot, os.Section, dot)
					i++
					if os.SectionType != SectionNoalloc {
						os.Section.Flags |= SecAlloc
					}
				}
				dot = newdot
			}

		case StmtPadding:
			// Padding is recomputed on every pass so it can shrink.
			s.Pad.Size = 0
			s.Pad.OutputOffset = dot - os.Section.VMA
		}

		if removed {
			removeAt(list, i)
			i--
		}
	}
	return dot
}

func (ctx *Context) sizeAssignment(
	idx StmtIdx, a *AssignmentStatement, os *OutputSectionStatement, dot uint64,
) uint64 {
	ctx.DataSeg.relro = relroNone
	newdot := ctx.foldAssignment(idx, a, os.Section, dot)
	ctx.checkRelroRegion(idx)
	ctx.DataSeg.relro = relroNone

	if !a.IsDot() {
		os.UpdateDot = true
	}
	return newdot
}

// foldAssignment evaluates one assignment statement. Dot assignments
// return the new location counter; symbol assignments define the symbol
// and leave dot alone.
func (ctx *Context) foldAssignment(
	idx StmtIdx, a *AssignmentStatement, ref *OutputSection, dot uint64,
) uint64 {
	ctx.exprLoc = ctx.stmtLoc(idx)
	if ref == nil {
		ref = ctx.AbsSection
	}

	if a.IsDot() {
		if ctx.Phase == PhaseNone {
			return dot
		}
		r := ctx.Fold(a.Src, ref, dot)
		if !r.Valid {
			if ctx.Phase != PhaseMark {
				ctx.Fatalf(ctx.exprLoc, "invalid assignment to location counter")
			}
			return dot
		}
		if ctx.Phase > PhaseAllocating && ref != ctx.AbsSection {
			// Sizing already turned the move into a padding statement.
			return dot
		}
		next := r.Value
		if r.Section == nil {
			next += ref.VMA
		}
		if next < dot && ref != ctx.AbsSection {
			ctx.Warnf(ctx.exprLoc,
				"cannot move location counter backwards (from 0x%x to 0x%x)", dot, next)
		}
		return next
	}

	if a.Provide && !ctx.provideApplies(a.Dst) {
		return dot
	}

	r := ctx.Fold(a.Src, ref, dot)
	if !r.Valid {
		return dot
	}
	value := r.Value
	section := r.Section
	if section == nil {
		value += ref.VMA
		section = ref
	}
	ctx.defineScriptSymbol(a, value, section)
	return dot
}

func (ctx *Context) sizeOutputSection(s *Statement, dot uint64, check bool) uint64 {
	os := s.Output
	if os.Constraint == ConstraintExcluded {
		return dot
	}

	ctx.exprLoc = s.Loc()
	if os.AddrTree != nil {
		r := ctx.Fold(os.AddrTree, ctx.AbsSection, dot)
		if r.Valid {
			dot = r.Value
		} else if ctx.Phase != PhaseMark {
			ctx.Fatalf(ctx.exprLoc,
				"non constant or forward reference address expression for section %s", os.Name)
		}
	}

	osec := os.Section
	if osec == nil {
		return dot
	}

	newdot := dot
	dotdelta := uint64(0)
	alignment := uint8(0)

	if os.AddrTree == nil {
		if os.Region == nil ||
			(osec.Flags&(SecAlloc|SecLoad) != 0 && os.Region == ctx.DefaultRegion) {
			os.Region = ctx.memoryDefault(osec.Flags)
		}

		if !os.Ignored && !osec.Flags.Ignored() && check &&
			os.Region == ctx.DefaultRegion && len(ctx.Regions) > 0 &&
			ctx.sizingIteration == 1 {
			ctx.FatalOrWarnf(ctx.Arg.StrictRegions, ctx.exprLoc,
				"no memory region specified for loadable section `%s'", os.Name)
		}

		newdot = os.Region.Current
		alignment = osec.P2Align
	} else {
		alignment = ctx.exprPower(os.SectionAlign, os, "section alignment")
	}

	if alignment > 0 {
		saved := newdot
		newdot = utils.AlignPower(newdot, alignment)
		dotdelta = newdot - saved

		diff := uint64(0)
		if ctx.sizingIteration == 1 {
			diff = dotdelta
		} else if ctx.sizingIteration > 1 {
			// Only report moves that change what was reported before.
			diff = newdot - osec.VMA
			if diff&(uint64(1)<<alignment-1) == 0 {
				diff = 0
			}
		}
		if diff != 0 && (ctx.Arg.WarnSectionAlign || os.AddrTree != nil) {
			ctx.Warnf(ctx.exprLoc, "start of section %s changed by %d", os.Name, int64(diff))
		}
	}

	osec.VMA = newdot
	osec.LMA = newdot

	ctx.sizeList(&s.Children, os, os.Fill, newdot, check)
	os.ProcessedVMA = true

	if !os.Ignored {
		dot = osec.VMA
		after := alignN(dot+osec.Size, max(os.BlockValue, 1))
		if osec.Flags&SecFixedSize == 0 {
			osec.Size = after - osec.VMA
		}
	}

	r := os.Region
	if r == nil {
		r = ctx.DefaultRegion
	}

	switch {
	case os.LoadBase != nil:
		osec.LMA = ctx.exprAbsInt(os.LoadBase, 0, "load base")

	case os.LmaRegion != nil:
		lma := os.LmaRegion.Current
		if os.AlignLmaWithInput {
			lma += dotdelta
		} else {
			// A separate load region only honours the explicit ALIGN.
			if os.LmaRegion != os.Region {
				alignment = ctx.exprPower(os.SectionAlign, os, "section alignment")
			}
			if alignment > 0 {
				lma = utils.AlignPower(lma, alignment)
			}
		}
		osec.LMA = lma

	case r.LastOS != nil && osec.Flags&SecAlloc != 0:
		last := r.LastOS.Section
		if dot < last.VMA && osec.Size != 0 && dot+osec.Size <= last.VMA {
			if last.VMA != last.LMA {
				ctx.Warnf(ctx.exprLoc, "dot moved backwards before `%s'", os.Name)
			}
		} else {
			var lma uint64
			if os.SectionType == SectionOverlay {
				lma = last.LMA + last.Size
			} else {
				lma = osec.VMA + last.LMA - last.VMA
			}
			if alignment > 0 {
				lma = utils.AlignPower(lma, alignment)
			}
			osec.LMA = lma
		}
	}
	os.ProcessedLMA = true

	// Only start following the LMA of a region once a section has a size
	// or a distinct LMA, so that an early -Ttext does not trip the
	// backwards warning.
	if ((!osec.Flags.Ignored() &&
		(osec.Size != 0 ||
			(r.LastOS == nil && osec.VMA != osec.LMA) ||
			(r.LastOS != nil && dot >= r.LastOS.Section.VMA))) ||
		os.SectionType == SectionFirstOverlay) &&
		os.LmaRegion == nil {
		r.LastOS = os
	}

	if os.Ignored {
		return dot
	}

	dotdelta = 0
	if !osec.Flags.IsTbss() {
		dotdelta = osec.Size
	}
	dot += dotdelta

	if os.UpdateDotTree != nil {
		if res := ctx.Fold(os.UpdateDotTree, ctx.AbsSection, dot); res.Valid {
			dot = res.Value
		}
	}

	if os.Region != nil && osec.Flags&(SecAlloc|SecLoad) != 0 {
		os.Region.Current = dot
		if check {
			ctx.regionCheck(os, os.Region, os.AddrTree, osec.VMA)
		}

		if os.LmaRegion != nil && os.LmaRegion != os.Region &&
			(osec.Flags&SecLoad != 0 || os.AlignLmaWithInput) {
			os.LmaRegion.Current = osec.LMA + dotdelta
			if check {
				ctx.regionCheck(os, os.LmaRegion, nil, osec.LMA)
			}
		}
	}
	return dot
}

// sizeInputSection places one input section at dot. It returns the new
// dot, the possibly shifted position of the statement in list, and
// whether the statement must be dropped from list.
func (ctx *Context) sizeInputSection(
	list *[]StmtIdx, i int, os *OutputSectionStatement, fill []byte, dot uint64,
) (uint64, int, bool) {
	isec := ctx.Tree.At((*list)[i]).Input.Section
	osec := os.Section

	if ctx.Arg.NonContiguousRegions &&
		isec.AlreadyAssigned != nil && isec.AlreadyAssigned != osec {
		return dot, i, true
	}

	switch {
	case isec.File != nil && isec.File.JustSyms:
		isec.OutputOffset = isec.VMA - osec.VMA

	case isec.Flags&SecExclude != 0 || os.Ignored:
		isec.OutputOffset = dot - osec.VMA

	default:
		if os.SubsectionAlign != nil {
			isec.P2Align = ctx.exprPower(os.SubsectionAlign, os, "subsection alignment")
		}
		if osec.P2Align < isec.P2Align {
			osec.P2Align = isec.P2Align
		}

		needed := utils.AlignPower(dot, isec.P2Align) - dot
		if needed != 0 {
			if ctx.insertPad(list, i, fill, needed, osec, dot) {
				i++
			}
			dot += needed
		}

		if ctx.Arg.NonContiguousRegions && os.Region != nil {
			end := os.Region.End()
			if dot+isec.Size > end {
				if isec.Flags&SecLinkerCreated != 0 {
					ctx.Fatalf(ctx.stmtLoc(os.Idx),
						"output section `%s' not large enough for the linker-created stubs section `%s'",
						os.Name, isec.Name)
				}
				if isec.RawSize != 0 && isec.RawSize != isec.Size {
					ctx.Fatalf(ctx.stmtLoc(os.Idx),
						"relaxation not supported with non-contiguous regions (section `%s' would overflow `%s' after it changed size)",
						isec.Name, os.Name)
				}
				isec.OutputSection = nil
				return end, i, true
			}
		}

		isec.OutputOffset = dot - osec.VMA
		dot += isec.Size
		osec.growTo(dot)

		if ctx.Arg.NonContiguousRegions {
			isec.AlreadyAssigned = osec
			isec.OutputSection = osec
		}
	}
	return dot, i, false
}

// insertPad records a gap of size bytes at dot in front of list[pos],
// reusing a neighbouring padding statement of the same section. It
// reports whether a new statement was inserted.
func (ctx *Context) insertPad(
	list *[]StmtIdx, pos int, fill []byte, size uint64, osec *OutputSection, dot uint64,
) bool {
	var pad *PaddingStatement
	inserted := false

	if pos > 0 {
		if s := ctx.Tree.At((*list)[pos-1]); s.Kind == StmtPadding && s.Pad.Output == osec {
			pad = s.Pad
		}
	}
	if pad == nil && pos < len(*list) {
		if s := ctx.Tree.At((*list)[pos]); s.Kind == StmtPadding && s.Pad.Output == osec {
			pad = s.Pad
		}
	}
	if pad == nil {
		idx, s := ctx.Tree.New(StmtPadding, ctx.pos)
		pad = &PaddingStatement{Output: osec, Fill: fill}
		s.Pad = pad
		ctx.Tree.InsertAt(list, pos, idx)
		inserted = true
	}

	pad.OutputOffset = dot - osec.VMA
	pad.Size = size
	osec.growTo(dot + size)
	return inserted
}

// SizeAll runs one full sizing pass in phase from freshly reset region
// cursors and returns the final dot. Region overflow is only checked
// outside the mark phase.
func SizeAll(ctx *Context, phase Phase) uint64 {
	ctx.Phase = phase
	ResetMemoryRegions(ctx)
	return ctx.sizePass(phase != PhaseMark)
}

// SizeSections runs the allocating phase: one pass, then the data
// segment adjustment passes when DATA_SEGMENT_END was seen.
func SizeSections(ctx *Context, relax, check bool) {
	ctx.Phase = PhaseAllocating
	ctx.DataSeg.Phase = SegNone
	ctx.relaxing = relax

	ctx.sizePass(check)

	if ctx.DataSeg.Phase != SegEndSeen {
		ctx.DataSeg.Phase = SegDone
		return
	}

	if ctx.sizeRelroSegment(check) {
		ResetMemoryRegions(ctx)
		ctx.sizePass(check)
	}

	if ctx.Arg.Relro && ctx.DataSeg.RelroEnd != 0 {
		ctx.RelroStart = ctx.DataSeg.Base
		ctx.RelroEnd = ctx.DataSeg.RelroEnd
	}
}

// RelaxSections repeats assignment and sizing while the relaxer asks for
// it, at most MaxRelaxTrips times, then runs one checked pass.
func RelaxSections(ctx *Context, needLayout bool) {
	if ctx.Arg.Relax && ctx.Relaxer != nil {
		for ctx.relaxTrip = 0; ; ctx.relaxTrip++ {
			DoAssignments(ctx, PhaseAssigning)
			ResetMemoryRegions(ctx)

			ctx.relaxAgain = false
			SizeSections(ctx, true, false)
			if !ctx.relaxAgain {
				break
			}
			if ctx.relaxTrip+1 >= ctx.Arg.MaxRelaxTrips {
				ctx.Warnf(ctx.pos.Loc(),
					"relaxation did not converge after %d trips", ctx.Arg.MaxRelaxTrips)
				break
			}
		}
		needLayout = true
	}
	ctx.relaxing = false

	if needLayout {
		DoAssignments(ctx, PhaseAssigning)
		ResetMemoryRegions(ctx)
		SizeSections(ctx, false, true)
	}
}

func (o *OutputSection) growTo(dot uint64) {
	if o.Flags&SecFixedSize == 0 {
		o.Size = dot - o.VMA
	}
}

// layoutSections returns the live backing sections in statement order.
func (ctx *Context) layoutSections() []*OutputSection {
	seen := make(map[*OutputSection]bool)
	ret := make([]*OutputSection, 0, len(ctx.OutputSections))
	for _, os := range ctx.Tree.OutputSections() {
		osec := os.Section
		if os.Constraint < 0 || osec == nil || osec == ctx.AbsSection ||
			osec.Removed || seen[osec] {
			continue
		}
		seen[osec] = true
		ret = append(ret, osec)
	}
	return ret
}

package linker

import (
	"fmt"
)

type DataSegPhase uint8

const (
	SegNone DataSegPhase = iota
	SegAlignSeen
	SegRelroSeen
	SegEndSeen
	SegRelroAdjust
	SegAdjust
	SegDone
)

type relroMark uint8

const (
	relroNone relroMark = iota
	relroStart
	relroEnd
)

// DataSegment tracks DATA_SEGMENT_ALIGN / DATA_SEGMENT_RELRO_END /
// DATA_SEGMENT_END across sizing passes.
type DataSegment struct {
	Phase DataSegPhase

	Base        uint64
	End         uint64
	RelroEnd    uint64
	RelroOffset uint64

	MaxPageSize    uint64
	CommonPageSize uint64
	RelroPageSize  uint64

	relro          relroMark
	relroStartStmt StmtIdx
	relroEndStmt   StmtIdx
}

func (f *Folder) dataSegUsable() bool {
	return f.Phase() != PhaseNone && f.topLevel()
}

// DataSegmentAlign is DATA_SEGMENT_ALIGN(maxpagesize, commonpagesize).
type DataSegmentAlign struct {
	MaxPage    Expr
	CommonPage Expr
}

func (d *DataSegmentAlign) Fold(f *Folder) ExprResult {
	seg := &f.ctx.DataSeg
	seg.relro = relroStart

	lhs := d.MaxPage.Fold(f)
	rhs := d.CommonPage.Fold(f)
	if !lhs.Valid || !rhs.Valid || !f.dataSegUsable() {
		return ExprResult{}
	}

	maxPage, commonPage := lhs.Value, rhs.Value
	value := alignN(f.Dot, maxPage)
	switch seg.Phase {
	case SegRelroAdjust:
		value = seg.Base
	case SegAdjust:
		if commonPage < maxPage {
			value += (f.Dot + commonPage - 1) & (maxPage - commonPage)
		}
	default:
		value += f.Dot & (maxPage - 1)
		switch seg.Phase {
		case SegDone:
		case SegNone:
			seg.Phase = SegAlignSeen
			seg.Base = value
			seg.CommonPageSize = commonPage
			seg.MaxPageSize = maxPage
			seg.RelroPageSize = maxPage
			seg.RelroEnd = 0
		default:
			return ExprResult{}
		}
	}
	return valid(value)
}

func (d *DataSegmentAlign) String() string {
	return fmt.Sprintf("DATA_SEGMENT_ALIGN(%s, %s)", d.MaxPage, d.CommonPage)
}

// DataSegmentRelroEnd is DATA_SEGMENT_RELRO_END(offset, exp).
type DataSegmentRelroEnd struct {
	Offset Expr
	Value  Expr
}

func (d *DataSegmentRelroEnd) Fold(f *Folder) ExprResult {
	seg := &f.ctx.DataSeg
	seg.relro = relroEnd

	off := d.Offset.Fold(f)
	exp := d.Value.Fold(f)
	if !off.Valid || !exp.Valid {
		return ExprResult{}
	}
	seg.RelroOffset = off.Value
	if !f.dataSegUsable() {
		return ExprResult{}
	}

	switch seg.Phase {
	case SegAlignSeen, SegAdjust, SegRelroAdjust, SegDone:
	default:
		return ExprResult{}
	}

	if seg.Phase == SegAlignSeen || seg.Phase == SegRelroAdjust {
		seg.RelroEnd = exp.Value + off.Value
	}

	value := exp.Value
	if seg.Phase == SegRelroAdjust && seg.RelroEnd&(seg.RelroPageSize-1) != 0 {
		seg.RelroEnd = alignN(seg.RelroEnd, seg.RelroPageSize)
		value = seg.RelroEnd - off.Value
	}

	if seg.Phase == SegAlignSeen {
		seg.Phase = SegRelroSeen
	}
	return valid(value)
}

func (d *DataSegmentRelroEnd) String() string {
	return fmt.Sprintf("DATA_SEGMENT_RELRO_END(%s, %s)", d.Offset, d.Value)
}

// DataSegmentEnd is DATA_SEGMENT_END(exp).
type DataSegmentEnd struct {
	Value Expr
}

func (d *DataSegmentEnd) Fold(f *Folder) ExprResult {
	res := d.Value.Fold(f)
	if !res.Valid || !f.dataSegUsable() {
		return ExprResult{}
	}

	seg := &f.ctx.DataSeg
	switch seg.Phase {
	case SegAlignSeen, SegRelroSeen:
		seg.Phase = SegEndSeen
		seg.End = res.Value
	case SegDone, SegAdjust, SegRelroAdjust:
	default:
		return ExprResult{}
	}
	return res
}

func (d *DataSegmentEnd) String() string {
	return fmt.Sprintf("DATA_SEGMENT_END(%s)", d.Value)
}

// checkRelroRegion pins the statements that opened and closed the RELRO
// range on the first pass; later passes must see the same ones.
func (ctx *Context) checkRelroRegion(idx StmtIdx) {
	seg := &ctx.DataSeg
	switch seg.relro {
	case relroStart:
		if seg.relroStartStmt == NoStmt {
			seg.relroStartStmt = idx
		} else if seg.relroStartStmt != idx {
			ctx.Fatalf(ctx.stmtLoc(idx), "DATA_SEGMENT_ALIGN moved between sizing passes")
		}
	case relroEnd:
		if seg.relroEndStmt == NoStmt {
			seg.relroEndStmt = idx
		} else if seg.relroEndStmt != idx {
			ctx.Fatalf(ctx.stmtLoc(idx), "DATA_SEGMENT_RELRO_END moved between sizing passes")
		}
	}
}

// sizeSegment checks whether a page can be saved by shifting the data
// segment; it is the fallback when no RELRO range is present.
func (ctx *Context) sizeSegment() bool {
	seg := &ctx.DataSeg
	page := seg.CommonPageSize
	first := -seg.Base & (page - 1)
	last := seg.End & (page - 1)
	if first != 0 && last != 0 &&
		seg.Base&^(page-1) != seg.End&^(page-1) &&
		first+last <= page {
		seg.Phase = SegAdjust
		return true
	}
	seg.Phase = SegDone
	return false
}

// relroSegmentBase moves the data segment base so that the RELRO range
// ends on a page boundary. It returns the page aligned RELRO end.
func (ctx *Context) relroSegmentBase() uint64 {
	seg := &ctx.DataSeg
	relroEnd := alignN(seg.RelroEnd, seg.RelroPageSize)
	desiredEnd := relroEnd - seg.RelroOffset

	sections := ctx.layoutSections()
	for i := len(sections) - 1; i >= 0; i-- {
		osec := sections[i]
		if osec.Flags&SecAlloc == 0 ||
			osec.VMA < seg.Base || osec.VMA >= seg.RelroEnd-seg.RelroOffset {
			continue
		}

		start := osec.VMA
		end := start
		if !osec.Flags.IsTbss() {
			end += osec.Size
		}
		start += desiredEnd - end
		start &^= osec.Alignment() - 1
		desiredEnd = start
	}

	seg.Phase = SegRelroAdjust
	if desiredEnd < seg.Base {
		ctx.Fatalf(ctx.stmtLoc(seg.relroStartStmt), "RELRO segment cannot start below data segment base")
	}
	seg.Base = desiredEnd
	return relroEnd
}

// sizeRelroSegment runs the RELRO adjusted pass. It reports whether the
// caller must reset regions and size once more.
func (ctx *Context) sizeRelroSegment(check bool) bool {
	seg := &ctx.DataSeg
	if ctx.Arg.Relro && seg.RelroEnd != 0 {
		initialBase := seg.Base
		relroEnd := ctx.relroSegmentBase()

		ResetMemoryRegions(ctx)
		ctx.sizePass(check)

		// Padding grew the RELRO range past the page: give up on it.
		if seg.RelroEnd > relroEnd {
			seg.Base = initialBase
			return true
		}
		return false
	}
	return ctx.sizeSegment()
}

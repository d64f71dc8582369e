package linker

import (
	"github.com/ksco/ldlayout/pkg/utils"
)

const (
	DiscardSectionName = "/DISCARD/"
	AbsSectionName     = "*ABS*"
)

// Constraint selects when an output section statement takes part in the
// link. Negative values mark statements excluded from layout.
type Constraint int

const (
	ConstraintExcluded Constraint = -1
	ConstraintNormal   Constraint = 0
	ConstraintOnlyIfRO Constraint = 1
	ConstraintOnlyIfRW Constraint = 2
	ConstraintSpecial  Constraint = 3
)

type SectionType uint8

const (
	SectionNormal SectionType = iota
	SectionOverlay
	SectionFirstOverlay
	SectionNoload
	SectionNoalloc
	SectionReadonly
	SectionTyped
	SectionTypedReadonly
)

type PhdrRef struct {
	Name string
	Used bool
}

// OutputSectionStatement is a named destination in the script.
type OutputSectionStatement struct {
	Name string
	Idx  StmtIdx

	AddrTree        Expr
	LoadBase        Expr
	SectionAlign    Expr
	SubsectionAlign Expr
	UpdateDotTree   Expr

	Region    *MemoryRegion
	LmaRegion *MemoryRegion

	Constraint  Constraint
	SectionType SectionType
	ElfType     uint32
	Flags       SecFlags
	BlockValue  uint64
	Fill        []byte
	Phdrs       []*PhdrRef

	Section *OutputSection

	DupOutput         bool
	UpdateDot         bool
	AfterEnd          bool
	AlignLmaWithInput bool
	AllInputReadonly  bool
	ProcessedVMA      bool
	ProcessedLMA      bool
	Ignored           bool
}

// OutputSection is the backing object of an output section statement.
// Sizing fills in VMA, LMA and Size.
type OutputSection struct {
	Name    string
	Flags   SecFlags
	VMA     uint64
	LMA     uint64
	Size    uint64
	RawSize uint64
	P2Align uint8
	EntSize uint64
	ElfType uint32
	Members []*InputSection
	Stmt    *OutputSectionStatement
	Idx     uint32
	Removed bool
}

func NewOutputSection(name string, flags SecFlags, idx uint32) *OutputSection {
	return &OutputSection{
		Name:  name,
		Flags: flags,
		Idx:   idx,
	}
}

func (o *OutputSection) Alignment() uint64 {
	return uint64(1) << o.P2Align
}

func (o *OutputSection) SetAlignment(align uint64) {
	o.P2Align = utils.Log2(align)
}

func (o *OutputSection) HasInput() bool {
	return len(o.Members) > 0
}

func (o *OutputSection) AppendInput(isec *InputSection) {
	o.Members = append(o.Members, isec)
}

func (o *OutputSection) End() uint64 {
	if o.Flags.IsTbss() {
		return o.VMA
	}
	return o.VMA + o.Size
}

// LookupOutputSection finds or creates an output section statement.
// With create == 0 only an existing statement satisfying constraint is
// returned; create == 1 makes one if none matches; create == 2 always makes
// a fresh statement with its own backing section. New statements are
// appended to list and to the end of OsList.
func (ctx *Context) LookupOutputSection(
	name string, constraint Constraint, create int, list *[]StmtIdx,
) *OutputSectionStatement {
	for _, os := range ctx.osByName[name] {
		if create != 2 &&
			!(create != 0 && constraint == ConstraintSpecial) &&
			(constraint == os.Constraint ||
				(constraint == ConstraintNormal && os.Constraint >= 0)) {
			return os
		}
	}

	if create == 0 {
		return nil
	}

	idx, s := ctx.Tree.New(StmtOutputSection, ctx.pos)
	os := &OutputSectionStatement{
		Name:       name,
		Idx:        idx,
		Constraint: constraint,
		BlockValue: 1,
		DupOutput:  create == 2 || constraint == ConstraintSpecial,
	}
	s.Output = os
	if list != nil {
		*list = append(*list, idx)
	}
	ctx.Tree.OsList = append(ctx.Tree.OsList, idx)
	ctx.osByName[name] = append(ctx.osByName[name], os)
	return os
}

func (ctx *Context) FindOutputSection(name string) *OutputSectionStatement {
	return ctx.LookupOutputSection(name, ConstraintNormal, 0, nil)
}

// initOutputSection materializes the backing section of os on first use.
func (ctx *Context) initOutputSection(os *OutputSectionStatement, flags SecFlags) {
	if os.Name == DiscardSectionName {
		ctx.Fatalf(ctx.stmtLoc(os.Idx), "illegal use of `%s' section", DiscardSectionName)
	}

	if !os.DupOutput {
		for _, osec := range ctx.OutputSections {
			if osec.Name == os.Name && osec.Stmt != nil && !osec.Stmt.DupOutput {
				os.Section = osec
				break
			}
		}
	}
	if os.Section == nil {
		osec := NewOutputSection(os.Name, flags, uint32(len(ctx.OutputSections)))
		osec.ElfType = os.ElfType
		osec.Stmt = os
		ctx.OutputSections = append(ctx.OutputSections, osec)
		os.Section = osec
	}

	if os.SectionAlign != nil {
		os.Section.P2Align = ctx.exprPower(os.SectionAlign, os, "section alignment")
	}
}

package linker

import (
	"debug/elf"

	"github.com/pattyshack/gt/parseutil"
)

// OutputSectionSpec is the head of an output section statement:
// `name [addr] [(type)] : [AT(lma)] [ALIGN(a)] [SUBALIGN(s)] [constraint]`.
type OutputSectionSpec struct {
	Name       string
	Address    Expr
	Type       SectionType
	ElfType    uint32
	Align      Expr
	SubAlign   Expr
	LoadBase   Expr
	Constraint Constraint

	AlignWithInput bool
}

// SectionTail is what follows the closing brace of an output section:
// `> region AT> lma-region :phdr... = fill`.
type SectionTail struct {
	Region    string
	LmaRegion string
	Phdrs     []string
	Fill      []byte
}

type overlayState struct {
	vma      Expr
	subalign Expr
	max      Expr
	members  []*OutputSectionStatement
}

// Build runs fn, which adds statements through the builder methods, and
// returns the diagnostics it raised. A fatal diagnostic stops fn.
func (ctx *Context) Build(fn func()) (err error) {
	defer ctx.recoverAbort(&err)
	fn()
	if len(ctx.parents) != 0 || ctx.curOS != nil || ctx.overlay != nil {
		ctx.Fatalf(ctx.pos.Loc(), "unterminated statement block")
	}
	return ctx.Diag.Err()
}

// SetPos records the script position of the statements added next.
func (ctx *Context) SetPos(pos parseutil.StartEndPos) {
	ctx.pos = pos
}

func (ctx *Context) add(kind StmtKind) (StmtIdx, *Statement) {
	idx, s := ctx.Tree.New(kind, ctx.pos)
	*ctx.current = append(*ctx.current, idx)
	return idx, s
}

func (ctx *Context) push(list *[]StmtIdx) {
	ctx.parents = append(ctx.parents, ctx.current)
	ctx.current = list
}

func (ctx *Context) pop() {
	n := len(ctx.parents)
	if n == 0 {
		ctx.Fatalf(ctx.pos.Loc(), "unbalanced statement nesting")
	}
	ctx.current = ctx.parents[n-1]
	ctx.parents = ctx.parents[:n-1]
}

// EnterOutputSection opens a new output section statement. Statements
// added until LeaveOutputSection become its children.
func (ctx *Context) EnterOutputSection(spec OutputSectionSpec) *OutputSectionStatement {
	if ctx.curOS != nil {
		ctx.Fatalf(ctx.pos.Loc(), "output section `%s' nested in `%s'", spec.Name, ctx.curOS.Name)
	}

	os := ctx.LookupOutputSection(spec.Name, spec.Constraint, 2, ctx.current)
	if os.AddrTree == nil {
		os.AddrTree = spec.Address
	}
	os.SectionType = spec.Type
	switch spec.Type {
	case SectionTyped, SectionTypedReadonly:
		os.ElfType = spec.ElfType
	case SectionNoload:
		os.Flags = SecNeverLoad
		os.ElfType = uint32(elf.SHT_NOBITS)
	default:
		os.Flags = SecNoFlags
	}
	os.BlockValue = 1

	os.AlignLmaWithInput = spec.AlignWithInput
	if os.AlignLmaWithInput && spec.Align != nil {
		ctx.Fatalf(ctx.pos.Loc(), "align with input and explicit align specified")
	}
	os.SubsectionAlign = spec.SubAlign
	os.SectionAlign = spec.Align
	os.LoadBase = spec.LoadBase

	ctx.curOS = os
	ctx.push(&ctx.Tree.At(os.Idx).Children)
	return os
}

// LeaveOutputSection closes the statement opened by EnterOutputSection.
func (ctx *Context) LeaveOutputSection(tail SectionTail) {
	os := ctx.curOS
	if os == nil {
		ctx.Fatalf(ctx.pos.Loc(), "no output section to close")
	}
	os.Region, os.LmaRegion = ctx.getRegions(tail.Region, tail.LmaRegion,
		os.LoadBase != nil, os.AddrTree != nil)
	os.Fill = tail.Fill
	os.Phdrs = phdrRefs(tail.Phdrs)

	ctx.curOS = nil
	ctx.pop()
}

// getRegions resolves `> region AT> lma-region`. A load region given
// alone also serves as the run-time region unless the section has an
// explicit address. Without `> region` the section is in *default*.
func (ctx *Context) getRegions(
	memspec, lmaspec string, haveLMA, haveVMA bool,
) (region, lmaRegion *MemoryRegion) {
	if memspec == "" {
		memspec = DefaultRegionName
	}
	lmaRegion = ctx.LookupMemoryRegion(lmaspec, false)
	if lmaspec != "" && !haveVMA && memspec == DefaultRegionName {
		region = lmaRegion
	} else {
		region = ctx.LookupMemoryRegion(memspec, false)
	}

	if haveLMA && lmaspec != "" {
		ctx.Errorf(ctx.pos.Loc(), "section has both a load address and a load region")
	}
	return region, lmaRegion
}

func phdrRefs(names []string) []*PhdrRef {
	if len(names) == 0 {
		return nil
	}
	refs := make([]*PhdrRef, 0, len(names))
	for _, name := range names {
		refs = append(refs, &PhdrRef{Name: name})
	}
	return refs
}

// AddWild adds an input section description to the current list.
func (ctx *Context) AddWild(w *WildStatement) *WildStatement {
	idx, s := ctx.add(StmtWild)
	s.Wild = w
	w.idx = idx
	ctx.wildStmts = append(ctx.wildStmts, idx)
	if ctx.prefix != nil {
		w.analyze()
		ctx.prefix.insert(w)
	}
	return w
}

// AddAssignment adds `dst = src`, optionally wrapped in PROVIDE or
// PROVIDE_HIDDEN. A dst of "." moves the location counter.
func (ctx *Context) AddAssignment(dst string, src Expr, provide, hidden bool) *AssignmentStatement {
	_, s := ctx.add(StmtAssignment)
	s.Assign = &AssignmentStatement{
		Dst:     dst,
		Src:     src,
		Provide: provide,
		Hidden:  hidden,
	}
	return s.Assign
}

func (ctx *Context) AddData(typ DataType, e Expr) {
	_, s := ctx.add(StmtData)
	s.Data = &DataStatement{Type: typ, Exp: e}
}

func (ctx *Context) AddFill(fill []byte) {
	_, s := ctx.add(StmtFill)
	s.Fill = &FillStatement{Fill: fill}
}

func (ctx *Context) AddReloc(name string, size uint64, addend Expr) {
	_, s := ctx.add(StmtReloc)
	s.Reloc = &RelocStatement{Name: name, Size: size, Addend: addend}
}

func (ctx *Context) AddConstructors() {
	ctx.add(StmtConstructors)
}

// EnterGroup opens a statement group. Groups only nest statements; they
// have no layout effect of their own.
func (ctx *Context) EnterGroup() {
	_, s := ctx.add(StmtGroup)
	ctx.push(&s.Children)
}

func (ctx *Context) LeaveGroup() {
	ctx.pop()
}

// AddAddress pins section to addr, as -Ttext=addr does.
func (ctx *Context) AddAddress(section string, addr Expr) {
	_, s := ctx.add(StmtAddress)
	s.Address = &AddressStatement{SectionName: section, Address: addr}
}

// AddInsert ends the block of statements to move: `INSERT AFTER where`
// or, with before set, `INSERT BEFORE where`.
func (ctx *Context) AddInsert(where string, before bool) {
	_, s := ctx.add(StmtInsert)
	s.Insert = &InsertStatement{Where: where, IsBefore: before}
}

func (ctx *Context) AddTarget(name string) {
	_, s := ctx.add(StmtTarget)
	s.Target = name
}

// AddPhdr declares one PHDRS entry.
func (ctx *Context) AddPhdr(decl *PhdrDecl) {
	decl.StartEndPos = ctx.pos
	hdrs := decl.Type == uint32(elf.PT_LOAD) && (decl.Phdrs || decl.FileHdr)
	for _, prev := range ctx.Phdrs {
		if hdrs && prev.Type == uint32(elf.PT_LOAD) && !(prev.FileHdr || prev.Phdrs) {
			ctx.Errorf(ctx.pos.Loc(),
				"PHDRS and FILEHDR are not supported when prior PT_LOAD headers lack them")
			decl.FileHdr = false
			decl.Phdrs = false
			break
		}
	}
	ctx.Phdrs = append(ctx.Phdrs, decl)
}

// EnterOverlay starts `OVERLAY vma : { ... }`. Every member shares the
// start address; members are added with EnterOverlaySection.
func (ctx *Context) EnterOverlay(vma, subalign Expr) {
	if ctx.overlay != nil || ctx.curOS != nil {
		ctx.Fatalf(ctx.pos.Loc(), "nested OVERLAY")
	}
	ctx.overlay = &overlayState{vma: vma, subalign: subalign}
}

func (ctx *Context) EnterOverlaySection(name string) *OutputSectionStatement {
	ov := ctx.overlay
	if ov == nil {
		ctx.Fatalf(ctx.pos.Loc(), "overlay section `%s' outside OVERLAY", name)
	}
	os := ctx.EnterOutputSection(OutputSectionSpec{
		Name:     name,
		Address:  ov.vma,
		Type:     SectionOverlay,
		SubAlign: ov.subalign,
	})

	// Later members start where the first one does, even when the
	// overlay address depends on dot.
	if len(ov.members) == 0 {
		ov.vma = Addr(name)
	}
	ov.members = append(ov.members, os)

	size := SizeOf(name)
	if ov.max == nil {
		ov.max = size
	} else {
		ov.max = &Binary{Op: OpMax, Lhs: ov.max, Rhs: size}
	}
	return os
}

// LeaveOverlaySection closes a member and provides its
// __load_start_NAME and __load_stop_NAME symbols.
func (ctx *Context) LeaveOverlaySection(fill []byte, phdrs []string) {
	name := ctx.curOS.Name
	ctx.LeaveOutputSection(SectionTail{Fill: fill, Phdrs: phdrs})

	clean := make([]byte, 0, len(name))
	for _, c := range []byte(name) {
		if c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			clean = append(clean, c)
		}
	}
	ctx.AddAssignment("__load_start_"+string(clean), LoadAddr(name), true, false)
	ctx.AddAssignment("__load_stop_"+string(clean),
		&Binary{Op: OpAdd, Lhs: LoadAddr(name), Rhs: SizeOf(name)}, true, false)
}

// LeaveOverlay ends the overlay. The first member takes the load address
// and the others chain their load addresses after it; dot ends up past
// the largest member.
func (ctx *Context) LeaveOverlay(lma Expr, tail SectionTail) {
	ov := ctx.overlay
	if ov == nil {
		ctx.Fatalf(ctx.pos.Loc(), "no OVERLAY to close")
	}
	region, lmaRegion := ctx.getRegions(tail.Region, tail.LmaRegion, lma != nil, false)

	if n := len(ov.members); n > 0 {
		last := ov.members[n-1]
		last.UpdateDot = true
		last.UpdateDotTree = &Binary{Op: OpAdd, Lhs: ov.vma, Rhs: ov.max}
	}

	refs := phdrRefs(tail.Phdrs)
	for i, os := range ov.members {
		if tail.Fill != nil && os.Fill == nil {
			os.Fill = tail.Fill
		}
		os.Region = region
		os.LmaRegion = lmaRegion
		if i == 0 {
			os.LoadBase = lma
			os.SectionType = SectionFirstOverlay
		}
		if refs != nil && os.Phdrs == nil {
			os.Phdrs = refs
		}
	}
	ctx.overlay = nil
}

package linker

import (
	"debug/elf"

	"github.com/ksco/ldlayout/pkg/utils"
	"github.com/pattyshack/gt/parseutil"
)

// PhdrDecl is one entry of a PHDRS command.
type PhdrDecl struct {
	parseutil.StartEndPos

	Name    string
	Type    uint32
	FileHdr bool
	Phdrs   bool
	At      Expr
	Flags   Expr
}

// Segment is a program header of the output together with the output
// sections it covers.
type Segment struct {
	Phdr

	Name     string
	FileHdr  bool
	PhdrsHdr bool
	Sections []*OutputSection

	decl *PhdrDecl
}

func toPhdrFlags(osec *OutputSection) uint32 {
	ret := uint32(elf.PF_R)
	if osec.Flags&SecReadonly == 0 {
		ret |= uint32(elf.PF_W)
	}
	if osec.Flags&SecCode != 0 {
		ret |= uint32(elf.PF_X)
	}
	return ret
}

func isBss(osec *OutputSection) bool {
	return osec.Flags&(SecLoad|SecThreadLocal) == 0
}

func isNote(osec *OutputSection) bool {
	return osec.ElfType == uint32(elf.SHT_NOTE) && osec.Flags&SecAlloc != 0
}

// RecordPhdrs distributes the output sections over the segments declared
// by PHDRS. A section without a segment list inherits the list of the
// closest earlier section that has one, or failing that the first later
// one. Loader interpreter segments only take explicit members.
func RecordPhdrs(ctx *Context) {
	if len(ctx.Phdrs) == 0 {
		return
	}

	var live []*OutputSectionStatement
	for _, os := range ctx.Tree.OutputSections()[1:] {
		if os.Constraint >= 0 && os.Name != DiscardSectionName {
			live = append(live, os)
		}
	}

	ctx.Segments = ctx.Segments[:0]
	for _, decl := range ctx.Phdrs {
		seg := &Segment{
			Phdr:     Phdr{Type: decl.Type},
			Name:     decl.Name,
			FileHdr:  decl.FileHdr,
			PhdrsHdr: decl.Phdrs,
			decl:     decl,
		}

		var last []*PhdrRef
		for i, os := range live {
			refs := os.Phdrs
			if refs != nil {
				last = refs
			} else {
				osec := os.Section
				if os.SectionType == SectionNoload || osec == nil || osec.Flags&SecAlloc == 0 {
					continue
				}
				if decl.Type == uint32(elf.PT_INTERP) {
					continue
				}
				if last == nil {
					for _, next := range live[i:] {
						if next.Phdrs != nil {
							last = next.Phdrs
							break
						}
					}
					if last == nil {
						ctx.Fatalf(decl.Loc(), "no sections assigned to phdrs")
					}
				}
				refs = last
			}

			if os.Section == nil || os.Section.Removed {
				continue
			}
			for _, ref := range refs {
				if ref.Name == decl.Name {
					seg.Sections = append(seg.Sections, os.Section)
					ref.Used = true
				}
			}
		}
		ctx.Segments = append(ctx.Segments, seg)
	}

	for _, os := range live {
		if os.Section == nil || os.Section.Removed {
			continue
		}
		for _, ref := range os.Phdrs {
			if !ref.Used && ref.Name != "NONE" {
				ctx.Fatalf(ctx.stmtLoc(os.Idx),
					"section `%s' assigned to non-existent phdr `%s'", os.Name, ref.Name)
			}
		}
	}
}

// AssignSegmentAddresses fills in the addresses and sizes of every
// segment once sizing is done. Without PHDRS the default map is built
// first.
func AssignSegmentAddresses(ctx *Context) {
	if len(ctx.Phdrs) == 0 {
		hdr := uint64(0)
		if ctx.headersUsed {
			hdr = ctx.SizeofHeaders()
		}
		ctx.Segments = ctx.defaultSegments(hdr)
		return
	}

	hdr := ctx.SizeofHeaders()
	for _, seg := range ctx.Segments {
		ctx.layoutSegment(seg, hdr)
	}
}

func (ctx *Context) layoutSegment(seg *Segment, hdr uint64) {
	decl := seg.decl
	seg.Phdr = Phdr{Type: decl.Type}

	if len(seg.Sections) > 0 {
		first := seg.Sections[0]
		seg.VAddr = first.VMA
		seg.PAddr = first.LMA
		seg.Align = 1
		for _, osec := range seg.Sections {
			seg.Align = max(seg.Align, osec.Alignment())
			end := osec.VMA + osec.Size
			if osec.Flags.IsTbss() && seg.Type != uint32(elf.PT_TLS) {
				end = osec.VMA
			}
			if end > seg.VAddr+seg.MemSize {
				seg.MemSize = end - seg.VAddr
			}
			if !isBss(osec) && !osec.Flags.IsTbss() {
				seg.FileSize = seg.MemSize
			}
			if decl.Flags == nil {
				seg.Flags |= toPhdrFlags(osec)
			}
		}
	}

	if (seg.FileHdr || seg.PhdrsHdr) && seg.VAddr >= hdr {
		seg.VAddr -= hdr
		seg.PAddr -= hdr
		seg.FileSize += hdr
		seg.MemSize += hdr
		if seg.Flags == 0 && decl.Flags == nil {
			seg.Flags = uint32(elf.PF_R)
		}
	}

	if seg.Type == uint32(elf.PT_LOAD) {
		seg.Align = max(seg.Align, ctx.Arg.MaxPageSize)
	}

	ctx.exprLoc = decl.Loc()
	if decl.Flags != nil {
		seg.Flags = uint32(ctx.exprAbsInt(decl.Flags, 0, "phdr flags"))
	}
	if decl.At != nil {
		seg.PAddr = ctx.exprAbsInt(decl.At, 0, "phdr load address")
	}
}

// defaultSegments builds the segment map used when the script declares
// no PHDRS. hdr is the size of the file and program headers to put in
// front of the first loadable segment, or 0.
func (ctx *Context) defaultSegments(hdr uint64) []*Segment {
	var secs []*OutputSection
	for _, osec := range ctx.layoutSections() {
		if osec.Flags&SecAlloc != 0 {
			secs = append(secs, osec)
		}
	}

	vec := make([]*Segment, 0)
	define := func(typ, flags uint32, minAlign uint64, osec *OutputSection) {
		seg := &Segment{Phdr: Phdr{
			Type:    typ,
			Flags:   flags,
			Align:   max(minAlign, osec.Alignment()),
			VAddr:   osec.VMA,
			PAddr:   osec.LMA,
			MemSize: osec.Size,
		}}
		if !isBss(osec) {
			seg.FileSize = osec.Size
		}
		seg.Sections = append(seg.Sections, osec)
		vec = append(vec, seg)
	}

	push := func(osec *OutputSection) {
		seg := vec[len(vec)-1]
		seg.Align = max(seg.Align, osec.Alignment())
		if !isBss(osec) {
			seg.FileSize = osec.VMA + osec.Size - seg.VAddr
		}
		seg.MemSize = osec.VMA + osec.Size - seg.VAddr
		seg.Sections = append(seg.Sections, osec)
	}

	if hdr != 0 && len(secs) > 0 {
		ehdr := ctx.ehdrSize()
		base := secs[0].VMA - hdr
		vec = append(vec, &Segment{
			Phdr: Phdr{
				Type:     uint32(elf.PT_PHDR),
				Flags:    uint32(elf.PF_R),
				Align:    8,
				VAddr:    base + ehdr,
				PAddr:    secs[0].LMA - hdr + ehdr,
				FileSize: hdr - ehdr,
				MemSize:  hdr - ehdr,
			},
			PhdrsHdr: true,
		})
	}

	for i := 0; i < len(secs); {
		first := secs[i]
		i++
		if !isNote(first) {
			continue
		}

		flags := toPhdrFlags(first)
		define(uint32(elf.PT_NOTE), flags, first.Alignment(), first)
		for i < len(secs) && isNote(secs[i]) && toPhdrFlags(secs[i]) == flags {
			push(secs[i])
			i++
		}
	}

	{
		chunks := utils.RemoveIf[*OutputSection](append([]*OutputSection{}, secs...),
			func(osec *OutputSection) bool {
				return osec.Flags.IsTbss()
			})

		region := func(osec *OutputSection) *MemoryRegion {
			if osec.Stmt == nil {
				return nil
			}
			return osec.Stmt.Region
		}

		end := len(chunks)
		for i := 0; i < end; {
			first := chunks[i]
			i++

			flags := toPhdrFlags(first)
			define(uint32(elf.PT_LOAD), flags, ctx.Arg.MaxPageSize, first)

			if !isBss(first) {
				for i < end && !isBss(chunks[i]) &&
					toPhdrFlags(chunks[i]) == flags &&
					region(chunks[i]) == region(first) &&
					chunks[i].LMA-first.LMA == chunks[i].VMA-first.VMA {
					push(chunks[i])
					i++
				}
			}

			for i < end && isBss(chunks[i]) &&
				toPhdrFlags(chunks[i]) == flags &&
				region(chunks[i]) == region(first) {
				push(chunks[i])
				i++
			}
		}
	}

	if hdr != 0 {
		for _, seg := range vec {
			if seg.Type == uint32(elf.PT_LOAD) {
				if seg.VAddr >= hdr {
					seg.VAddr -= hdr
					seg.PAddr -= hdr
					seg.FileSize += hdr
					seg.MemSize += hdr
					seg.FileHdr = true
					seg.PhdrsHdr = true
				}
				break
			}
		}
	}

	for i := 0; i < len(secs); i++ {
		if secs[i].Flags&SecThreadLocal == 0 {
			continue
		}

		define(uint32(elf.PT_TLS), toPhdrFlags(secs[i]), 1, secs[i])
		i++
		for i < len(secs) && secs[i].Flags&SecThreadLocal != 0 {
			push(secs[i])
			i++
		}
	}

	vec = append(vec, &Segment{Phdr: Phdr{
		Type:  uint32(elf.PT_GNU_STACK),
		Flags: uint32(elf.PF_R) | uint32(elf.PF_W),
	}})

	if ctx.Arg.Relro && ctx.RelroEnd > ctx.RelroStart {
		isRelro := func(osec *OutputSection) bool {
			return osec.VMA >= ctx.RelroStart && osec.VMA+osec.Size <= ctx.RelroEnd &&
				!osec.Flags.IsTbss()
		}
		for i := 0; i < len(secs); i++ {
			if !isRelro(secs[i]) {
				continue
			}

			define(uint32(elf.PT_GNU_RELRO), uint32(elf.PF_R), 1, secs[i])
			i++
			for i < len(secs) && isRelro(secs[i]) {
				push(secs[i])
				i++
			}
			seg := vec[len(vec)-1]
			seg.MemSize = ctx.RelroEnd - seg.VAddr
			break
		}
	}

	return vec
}

package linker

import (
	"fmt"
	"io"
	"strings"
)

const DefaultRegionName = "*default*"

// MemoryRegion is a named address window from the MEMORY command.
type MemoryRegion struct {
	Names []string

	OriginExp Expr
	LengthExp Expr
	Origin    uint64
	Length    uint64

	Current uint64
	LastOS  *OutputSectionStatement

	Flags    SecFlags
	NotFlags SecFlags

	HadFullMessage bool
}

func (r *MemoryRegion) Name() string {
	return r.Names[0]
}

func (r *MemoryRegion) End() uint64 {
	return r.Origin + r.Length
}

func (r *MemoryRegion) HasName(name string) bool {
	for _, n := range r.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Used is the number of bytes consumed so far, clamped to the region.
func (r *MemoryRegion) Used() uint64 {
	if r.Current < r.Origin {
		return 0
	}
	return r.Current - r.Origin
}

func (ctx *Context) newMemoryRegion(name string) *MemoryRegion {
	return &MemoryRegion{
		Names:  []string{name},
		Length: ^uint64(0),
	}
}

func (ctx *Context) findMemoryRegion(name string) *MemoryRegion {
	if name == DefaultRegionName {
		return ctx.DefaultRegion
	}
	for _, r := range ctx.Regions {
		if r.HasName(name) {
			return r
		}
	}
	return nil
}

// LookupMemoryRegion returns the region called name. With create set the
// caller is declaring it; redeclaring an existing name only warns. Without
// create, unknown names warn and get a fresh unbounded region so the link
// can continue.
func (ctx *Context) LookupMemoryRegion(name string, create bool) *MemoryRegion {
	if name == "" {
		return nil
	}

	if r := ctx.findMemoryRegion(name); r != nil {
		if create {
			ctx.Warnf(ctx.pos.Loc(), "redeclaration of memory region `%s'", name)
		}
		return r
	}

	if !create {
		ctx.Warnf(ctx.pos.Loc(), "memory region `%s' not declared", name)
	}
	r := ctx.newMemoryRegion(name)
	ctx.Regions = append(ctx.Regions, r)
	return r
}

// AddMemoryRegion declares a MEMORY entry. attrs uses the ld attribute
// letters; origin and length are folded when regions are reset.
func (ctx *Context) AddMemoryRegion(name, attrs string, origin, length Expr) *MemoryRegion {
	r := ctx.LookupMemoryRegion(name, true)
	r.OriginExp = origin
	r.LengthExp = length
	ctx.setRegionFlags(r, attrs, false)
	ctx.foldMemoryRegion(r, false)
	return r
}

// AliasMemoryRegion implements REGION_ALIAS(alias, region).
func (ctx *Context) AliasMemoryRegion(alias, regionName string) {
	if alias == DefaultRegionName || regionName == DefaultRegionName {
		ctx.Fatalf(ctx.pos.Loc(), "alias for default memory region")
	}

	var region *MemoryRegion
	for _, r := range ctx.Regions {
		if region == nil && r.HasName(regionName) {
			region = r
		}
		if r.HasName(alias) {
			ctx.Fatalf(ctx.pos.Loc(), "redefinition of memory region alias `%s'", alias)
		}
	}
	if region == nil {
		ctx.Fatalf(ctx.pos.Loc(),
			"memory region `%s' for alias `%s' does not exist", regionName, alias)
	}
	region.Names = append(region.Names, alias)
}

func (ctx *Context) setRegionFlags(r *MemoryRegion, attrs string, invert bool) {
	flags := &r.Flags
	if invert {
		flags = &r.NotFlags
	}

	for _, c := range attrs {
		switch c {
		case '!':
			invert = !invert
			if invert {
				flags = &r.NotFlags
			} else {
				flags = &r.Flags
			}
		case 'A', 'a':
			*flags |= SecAlloc
		case 'R', 'r':
			*flags |= SecReadonly
		case 'W', 'w':
			*flags |= SecData
		case 'X', 'x':
			*flags |= SecCode
		case 'L', 'l', 'I', 'i':
			*flags |= SecLoad
		default:
			ctx.Fatalf(ctx.pos.Loc(), "invalid character %c (%d) in flags", c, c)
		}
	}
}

// RegionAttrString renders the attribute masks back to ld letters.
func RegionAttrString(r *MemoryRegion) string {
	var sb strings.Builder
	letters := func(f SecFlags) {
		if f&SecReadonly != 0 {
			sb.WriteByte('r')
		}
		if f&SecData != 0 {
			sb.WriteByte('w')
		}
		if f&SecCode != 0 {
			sb.WriteByte('x')
		}
		if f&SecAlloc != 0 {
			sb.WriteByte('a')
		}
		if f&SecLoad != 0 {
			sb.WriteByte('l')
		}
	}
	letters(r.Flags)
	if r.NotFlags != 0 {
		sb.WriteByte('!')
		letters(r.NotFlags)
	}
	return sb.String()
}

func (ctx *Context) foldMemoryRegion(r *MemoryRegion, report bool) {
	if r.OriginExp != nil {
		res := ctx.Fold(r.OriginExp, nil, 0)
		if res.Valid {
			r.Origin = res.Value
			r.Current = r.Origin
		} else if report {
			ctx.Errorf(ctx.pos.Loc(), "invalid origin for memory region %s", r.Name())
		}
	}
	if r.LengthExp != nil {
		res := ctx.Fold(r.LengthExp, nil, 0)
		if res.Valid {
			r.Length = res.Value
		} else if report {
			ctx.Errorf(ctx.pos.Loc(), "invalid length for memory region %s", r.Name())
		}
	}
}

// FoldMemoryRegions evaluates every region's origin and length once all
// symbols the expressions may use are known.
func FoldMemoryRegions(ctx *Context) {
	for _, r := range ctx.Regions {
		ctx.foldMemoryRegion(r, true)
	}
}

// regionCategory widens the flags used for region matching: plain
// allocated sections count as writable data.
func regionCategory(flags SecFlags) SecFlags {
	if flags&(SecAlloc|SecReadonly|SecCode) == SecAlloc {
		flags |= SecData
	}
	return flags
}

// memoryDefault picks the first declared region whose attributes accept
// a section with the given flags.
func (ctx *Context) memoryDefault(flags SecFlags) *MemoryRegion {
	flags = regionCategory(flags)
	for _, r := range ctx.Regions {
		if r.Flags&flags != 0 && r.NotFlags&flags == 0 {
			return r
		}
	}
	return ctx.DefaultRegion
}

// ResetMemoryRegions rewinds every region cursor and forgets the sizes of
// the previous pass, keeping them in RawSize for SIZEOF and relaxation.
func ResetMemoryRegions(ctx *Context) {
	for _, r := range ctx.allRegions() {
		r.Current = r.Origin
		r.LastOS = nil
	}

	for _, os := range ctx.Tree.OutputSections() {
		os.ProcessedVMA = false
		os.ProcessedLMA = false
	}

	for _, osec := range ctx.OutputSections {
		osec.RawSize = osec.Size
		if osec.Flags&SecFixedSize == 0 {
			osec.Size = 0
		}
	}
}

func (ctx *Context) allRegions() []*MemoryRegion {
	return append(append([]*MemoryRegion{}, ctx.Regions...), ctx.DefaultRegion)
}

// regionCheck reports a cursor outside the region. The exact end of the
// region is allowed when the section has a nonzero base so regions ending
// at the top of the address space do not wrap.
func (ctx *Context) regionCheck(
	os *OutputSectionStatement, r *MemoryRegion, tree Expr, rbase uint64,
) {
	if (r.Current < r.Origin || r.Current-r.Origin > r.Length) &&
		(r.Current != r.Origin+r.Length || rbase == 0) {
		if tree != nil {
			ctx.Errorf(ctx.stmtLoc(os.Idx),
				"address 0x%x of section `%s' is not within region `%s'",
				r.Current, os.Name, r.Name())
		} else if !r.HadFullMessage {
			r.HadFullMessage = true
			ctx.Errorf(ctx.stmtLoc(os.Idx),
				"section `%s' will not fit in region `%s'", os.Name, r.Name())
		}
	}
}

// PrintMemoryUsage writes the --print-memory-usage table.
func PrintMemoryUsage(ctx *Context, w io.Writer) {
	fmt.Fprintf(w, "%16s: %16s %12s %8s\n", "Memory region", "Used Size", "Region Size", "%age Used")
	for _, r := range ctx.Regions {
		used := r.Used()
		pct := 0.0
		if r.Length != 0 {
			pct = float64(used) * 100 / float64(r.Length)
		}
		fmt.Fprintf(w, "%16s: %16s %12s %8.2f%%\n",
			r.Name(), humanSize(used), humanSize(r.Length), pct)
	}
}

func humanSize(n uint64) string {
	switch {
	case n != 0 && n%(1<<30) == 0:
		return fmt.Sprintf("%d GB", n>>30)
	case n != 0 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n != 0 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KB", n>>10)
	}
	return fmt.Sprintf("%d B", n)
}

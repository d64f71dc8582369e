package linker

import (
	"github.com/ksco/ldlayout/pkg/utils"
	"github.com/pattyshack/gt/parseutil"
)

type OrphanHandling uint8

const (
	OrphanPlace OrphanHandling = iota
	OrphanWarn
	OrphanError
	OrphanDiscard
)

var orphanHandlingNames = [...]string{"place", "warn", "error", "discard"}

func (o OrphanHandling) String() string { return orphanHandlingNames[o] }

func ParseOrphanHandling(s string) (OrphanHandling, bool) {
	for i, name := range orphanHandlingNames {
		if name == s {
			return OrphanHandling(i), true
		}
	}
	return OrphanPlace, false
}

type ContextArg struct {
	Output    string
	Emulation MachineType

	LibraryPaths []string
	ScriptPath   string
	ConfigPath   string

	PrintMap         bool
	MapFile          string
	PrintMemoryUsage bool

	OrphanHandling OrphanHandling
	SortSection    SortMode
	MaxRelaxTrips  int
	Relax          bool
	Relro          bool
	SeparateCode   bool
	StripDebug     bool

	StrictRegions                bool
	CheckSections                bool
	NonContiguousRegions         bool
	NonContiguousRegionsWarnings bool
	WarnSectionAlign             bool
	FatalWarnings                bool

	CommonPageSize uint64
	MaxPageSize    uint64

	Undefined      []string
	RequireDefined []string
}

type Context struct {
	Arg  ContextArg
	Diag Diagnostics

	Tree Tree

	Regions       []*MemoryRegion
	DefaultRegion *MemoryRegion
	Phdrs         []*PhdrDecl
	Segments      []*Segment

	SymbolMap map[string]*Symbol

	FilePriority int64
	Visited      utils.MapSet[string]

	Objs []*ObjectFile

	OutputSections []*OutputSection
	AbsSection     *OutputSection

	Relaxer Relaxer
	Orphans OrphanStrategy

	Phase   Phase
	DataSeg DataSegment

	RelroStart uint64
	RelroEnd   uint64

	osByName map[string][]*OutputSectionStatement
	prefix   *prefixNode

	defaultCommonSection *OutputSectionStatement
	orphanTail           map[*OutputSectionStatement]*OutputSectionStatement
	wildStmts            []StmtIdx
	headersUsed          bool

	// Builder state.
	pos     parseutil.StartEndPos
	current *[]StmtIdx
	parents []*[]StmtIdx
	curOS   *OutputSectionStatement
	overlay *overlayState

	// Sizing state.
	dot                uint64
	exprLoc            parseutil.Location
	sizingIteration    int
	statementIteration int
	relaxTrip          int
	relaxing           bool
	relaxAgain         bool
}

func NewContext() *Context {
	ctx := &Context{
		Arg: ContextArg{
			Emulation:      MachineTypeNone,
			Output:         "a.out",
			MaxRelaxTrips:  2,
			CheckSections:  true,
			CommonPageSize: hostPageSize(),
			MaxPageSize:    0x1000,
		},
		SymbolMap:    make(map[string]*Symbol),
		Visited:      utils.NewMapSet[string](),
		FilePriority: 10000,
		Orphans:      ElfOrphanStrategy{},
		osByName:     make(map[string][]*OutputSectionStatement),
		orphanTail:   make(map[*OutputSectionStatement]*OutputSectionStatement),
		DataSeg: DataSegment{
			relroStartStmt: NoStmt,
			relroEndStmt:   NoStmt,
		},
	}
	if ctx.Arg.MaxPageSize < ctx.Arg.CommonPageSize {
		ctx.Arg.MaxPageSize = ctx.Arg.CommonPageSize
	}

	ctx.current = &ctx.Tree.Root
	ctx.DefaultRegion = ctx.newMemoryRegion(DefaultRegionName)
	ctx.DefaultRegion.Length = ^uint64(0)

	abs := ctx.LookupOutputSection(AbsSectionName, ConstraintNormal, 1, nil)
	ctx.AbsSection = NewOutputSection(AbsSectionName, SecAlloc, 0)
	ctx.AbsSection.Stmt = abs
	abs.Section = ctx.AbsSection
	return ctx
}

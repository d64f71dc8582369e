package linker

// SymbolTrack makes a symbol follow a boundary of its output section
// instead of holding a fixed value.
type SymbolTrack uint8

const (
	TrackNone SymbolTrack = iota
	TrackStart
	TrackStop
	TrackSize
)

// Symbol is a global name visible to script expressions. Definitions come
// from input objects, resolved by rank, or from script assignments.
type Symbol struct {
	File         *ObjectFile
	InputSection *InputSection
	Section      *OutputSection

	Value uint64
	Name  string

	SymIdx int32
	Track  SymbolTrack

	Defined    bool
	Referenced bool
	Provided   bool
	Hidden     bool
	Script     bool
	IsWeak     bool
	IsCommon   bool
}

func NewSymbol(name string) *Symbol {
	s := &Symbol{
		Name:   name,
		SymIdx: -1,
	}
	return s
}

func GetSymbolByName(ctx *Context, name string) *Symbol {
	if sym, ok := ctx.SymbolMap[name]; ok {
		return sym
	}
	ctx.SymbolMap[name] = NewSymbol(name)
	return ctx.SymbolMap[name]
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.Section = nil
}

func (s *Symbol) SetOutputSection(osec *OutputSection) {
	s.InputSection = nil
	s.Section = osec
}

func (s *Symbol) ElfSym() *Sym {
	return &s.File.ElfSyms[s.SymIdx]
}

// Addr returns the current address of s. Object symbols follow their
// input section, so the value moves as sizing progresses.
func (s *Symbol) Addr() (uint64, bool) {
	if !s.Defined {
		return 0, false
	}
	if s.Track != TrackNone && s.Section != nil {
		switch s.Track {
		case TrackStart:
			return s.Section.VMA, true
		case TrackStop:
			return s.Section.VMA + s.Section.Size, true
		}
		return s.Section.Size, true
	}
	if s.InputSection == nil {
		return s.Value, true
	}
	osec := s.InputSection.OutputSection
	if osec == nil {
		return 0, false
	}
	return osec.VMA + s.InputSection.OutputOffset + s.Value, true
}

func (s *Symbol) Clear() {
	s.File = nil
	s.InputSection = nil
	s.Section = nil
	s.SymIdx = -1
	s.Track = TrackNone
	s.Defined = false
	s.IsWeak = false
	s.IsCommon = false
}

func (s *Symbol) GetRank() uint64 {
	if s.Script {
		return 0
	}
	if s.File == nil {
		return 7 << 24
	}
	if s.SymIdx < 0 {
		return (1 << 24) + uint64(s.File.Priority)
	}
	return GetRank(s.File, s.ElfSym(), s.File.ArchiveName != "")
}

// provideApplies reports whether PROVIDE(name = ...) takes effect: the
// name must be referenced and not defined by an input object.
func (ctx *Context) provideApplies(name string) bool {
	sym, ok := ctx.SymbolMap[name]
	if !ok || !sym.Referenced {
		return false
	}
	return !sym.Defined || sym.Provided
}

// defineScriptSymbol records an assignment. The symbol moves with osec.
func (ctx *Context) defineScriptSymbol(a *AssignmentStatement, value uint64, osec *OutputSection) {
	sym := GetSymbolByName(ctx, a.Dst)
	if sym.File != nil {
		sym.Clear()
	}
	sym.Script = true
	sym.Defined = true
	sym.Track = TrackNone
	sym.Provided = a.Provide
	sym.Hidden = a.Hidden
	sym.Value = value
	sym.Section = osec
}

// CheckRequiredSymbols reports --require-defined names that nothing
// defined.
func CheckRequiredSymbols(ctx *Context) {
	for _, name := range ctx.Arg.RequireDefined {
		sym, ok := ctx.SymbolMap[name]
		if !ok || !sym.Defined {
			ctx.Errorf(ctx.pos.Loc(), "required symbol `%s' not defined", name)
		}
	}
}

// MarkUndefined creates --undefined names so scripts can test them.
func MarkUndefined(ctx *Context) {
	for _, name := range append(ctx.Arg.Undefined, ctx.Arg.RequireDefined...) {
		GetSymbolByName(ctx, name).Referenced = true
	}
}

// InitStartStopSymbols defines the boundary symbols of output sections
// that something references but nothing defines: .startof.S and
// .sizeof.S for every section, __start_S and __stop_S when S is a valid
// C identifier.
func InitStartStopSymbols(ctx *Context) {
	for _, os := range ctx.Tree.OutputSections()[1:] {
		osec := os.Section
		if os.Constraint < 0 || osec == nil || osec == ctx.AbsSection {
			continue
		}
		ctx.defineTracking(".startof."+osec.Name, osec, TrackStart)
		ctx.defineTracking(".sizeof."+osec.Name, osec, TrackSize)
		if isCIdentifier(osec.Name) {
			ctx.defineTracking("__start_"+osec.Name, osec, TrackStart)
			ctx.defineTracking("__stop_"+osec.Name, osec, TrackStop)
		}
	}
}

func (ctx *Context) defineTracking(name string, osec *OutputSection, track SymbolTrack) {
	sym, ok := ctx.SymbolMap[name]
	if !ok || !sym.Referenced || sym.Defined {
		return
	}
	sym.Script = true
	sym.Defined = true
	sym.Section = osec
	sym.Track = track
}

func isCIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range []byte(name) {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

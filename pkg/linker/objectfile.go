package linker

import (
	"debug/elf"
	"strings"
	"unsafe"

	"github.com/ksco/ldlayout/pkg/utils"
)

type ObjectFile struct {
	InputFile
	ArchiveName string
	Sections    []*InputSection

	// JustSyms objects contribute symbols only; their sections keep
	// the addresses recorded in the object.
	JustSyms bool

	SymtabSec      *Shdr
	SymtabShndxSec []uint32

	common *InputSection
}

func NewObjectFile(file *File, archiveName string) *ObjectFile {
	o := &ObjectFile{InputFile: *NewInputFile(file), ArchiveName: archiveName}
	o.IsAlive = archiveName == ""
	return o
}

// NewSyntheticObject creates an object with no ELF image behind it. The
// caller adds sections with AddSection.
func NewSyntheticObject(ctx *Context, name, archiveName string) *ObjectFile {
	o := &ObjectFile{
		InputFile:   InputFile{File: &File{Name: name}, IsAlive: true},
		ArchiveName: archiveName,
	}
	o.Priority = uint32(ctx.FilePriority)
	ctx.FilePriority++
	ctx.Objs = append(ctx.Objs, o)
	return o
}

func (o *ObjectFile) Name() string {
	return o.File.Name
}

// DisplayName is the archive(member) form used in diagnostics and maps.
func (o *ObjectFile) DisplayName() string {
	if o.ArchiveName != "" {
		return o.ArchiveName + "(" + o.File.Name + ")"
	}
	return o.File.Name
}

func (o *ObjectFile) AddSection(isec *InputSection) {
	isec.File = o
	o.Sections = append(o.Sections, isec)
}

// DefineSymbol gives a synthetic object a global definition at value
// bytes into isec.
func (o *ObjectFile) DefineSymbol(ctx *Context, name string, isec *InputSection, value uint64) {
	sym := GetSymbolByName(ctx, name)
	if sym.Defined && sym.File != nil && sym.File != o {
		ctx.Errorf(ctx.pos.Loc(), "%s: multiple definition of `%s'", o.DisplayName(), name)
		return
	}
	sym.File = o
	sym.SetInputSection(isec)
	sym.Value = value
	sym.Defined = true
}

func (o *ObjectFile) parse(ctx *Context) {
	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int64(o.SymtabSec.Info)

		o.InputFile.FillUpElfSyms(o.SymtabSec)
		o.InputFile.SymbolStrtab = o.InputFile.
			GetBytesFromIdx(int64(o.SymtabSec.Link))
	}

	o.initializeSections()
	o.initializeSymbols(ctx)
}

func (o *ObjectFile) initializeSections() {
	o.Sections = make([]*InputSection, len(o.InputFile.ElfSections))
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if (shdr.Flags&uint64(SHF_EXCLUDE) != 0) &&
			(shdr.Flags&uint64(elf.SHF_ALLOC) == 0) &&
			(shdr.Type != SHT_LLVM_ADDRSIG) {
			continue
		}

		switch elf.SectionType(shdr.Type) {
		case elf.SHT_GROUP:
			// Ignore
		case elf.SHT_SYMTAB_SHNDX:
			o.FillUpSymtabShndxSec(shdr)
		case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA,
			elf.SHT_NULL:
			break
		default:
			name := getName(o.InputFile.ShStrtab, shdr.Name)

			if name == ".note.GNU-stack" {
				continue
			}
			if strings.HasPrefix(name, ".gnu.warning.") {
				continue
			}

			o.Sections[i] = NewInputSection(o, name, int64(i))
		}
	}
}

func (o *ObjectFile) initializeSymbols(ctx *Context) {
	if o.SymtabSec == nil {
		return
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		name := getName(o.SymbolStrtab, esym.Name)
		o.Symbols[i] = GetSymbolByName(ctx, name)
	}
}

func (o *ObjectFile) FillUpSymtabShndxSec(s *Shdr) {
	bs := o.InputFile.GetBytesFromShdr(s)
	nums := len(bs) / int(unsafe.Sizeof(uint32(1)))
	o.SymtabShndxSec = make([]uint32, 0, nums)
	for nums > 0 {
		o.SymtabShndxSec = append(o.SymtabShndxSec, utils.Read[uint32](bs))
		bs = bs[4:]
		nums--
	}
}

func (o *ObjectFile) GetSection(esym *Sym, idx int64) *InputSection {
	shndx := o.GetShndx(esym, idx)
	if shndx >= int64(len(o.Sections)) {
		return nil
	}
	return o.Sections[shndx]
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int64) int64 {
	utils.Assert(idx >= 0 && idx < int64(len(o.ElfSyms)))
	if esym.Shndx == uint16(elf.SHN_XINDEX) {
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

func (o *ObjectFile) ResolveSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		sym := o.Symbols[i]
		esym := &o.ElfSyms[i]

		if esym.IsUndef() {
			continue
		}

		var isec *InputSection
		if !esym.IsAbs() && !esym.IsCommon() {
			isec = o.GetSection(esym, i)
			if isec == nil {
				continue
			}
		}

		if GetRank(o, esym, !o.IsAlive) < sym.GetRank() {
			sym.File = o
			sym.SetInputSection(isec)
			sym.Value = esym.Val
			sym.SymIdx = int32(i)
			sym.IsWeak = esym.IsWeak()
			sym.IsCommon = esym.IsCommon()
			sym.Defined = true
		}
	}
}

// MarkLiveObjects pulls in the archive members that define a symbol an
// alive object needs.
func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(*ObjectFile)) {
	utils.Assert(o.IsAlive)

	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]

		if esym.IsUndef() {
			sym.Referenced = true
		}

		if esym.IsWeak() {
			continue
		}

		if sym.File == nil {
			continue
		}

		keep := esym.IsUndef() || (esym.IsCommon() && sym.SymIdx >= 0 && !sym.ElfSym().IsCommon())
		if keep && !sym.File.SwapIsAlive(true) {
			feeder(sym.File)
		}
	}
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.GetGlobalSyms() {
		if sym.File == o {
			sym.Clear()
		}
	}
}

// AllocateCommon lays out the common symbols this object won into a
// per-object COMMON section ahead of placement.
func (o *ObjectFile) AllocateCommon() {
	if o.SymtabSec == nil {
		return
	}

	var size uint64
	var p2align uint8
	for i := o.FirstGlobal; i < int64(len(o.ElfSyms)); i++ {
		esym := &o.ElfSyms[i]
		sym := o.Symbols[i]
		if !esym.IsCommon() || sym.File != o || !sym.IsCommon {
			continue
		}

		align := toP2Align(utils.BitCeil(max(esym.Val, 1)))
		p2align = max(p2align, align)
		size = utils.AlignPower(size, align)

		if o.common == nil {
			o.common = NewSyntheticSection(o, "COMMON", SecAlloc|SecIsCommon, 0, 0)
			o.Sections = append(o.Sections, o.common)
		}
		sym.SetInputSection(o.common)
		sym.Value = size
		size += esym.Size
	}

	if o.common != nil {
		o.common.Size = size
		o.common.P2Align = p2align
	}
}

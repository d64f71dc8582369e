package linker

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"github.com/ksco/ldlayout/pkg/utils"
)

// InputFile holds the raw ELF tables of an object. Objects described by
// a layout script have no File and carry their sections directly.
type InputFile struct {
	File         *File
	Symbols      []*Symbol
	ElfSections  []Shdr
	FirstGlobal  int64
	ShStrtab     []byte
	SymbolStrtab []byte

	ElfSyms  []Sym
	IsAlive  bool
	Priority uint32

	Is32 bool
}

func NewInputFile(file *File) *InputFile {
	f := &InputFile{File: file}
	if len(file.Contents) < int(unsafe.Sizeof(Ehdr32{})) {
		utils.Fatal(file.Name + ": file too small")
	}
	if !CheckMagic(file.Contents) {
		utils.Fatal(file.Name + ": not an ELF file")
	}
	if file.Contents[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
		utils.Fatal(file.Name + ": big-endian objects are not supported")
	}
	f.Is32 = file.Contents[elf.EI_CLASS] == byte(elf.ELFCLASS32)

	ehdr := f.GetEhdr()

	f.ElfSections = []Shdr{f.readShdr(ehdr.ShOff)}
	shdr := &f.ElfSections[0]

	numSections := int64(ehdr.ShNum)
	if numSections == 0 {
		numSections = int64(shdr.Size)
	}

	off := ehdr.ShOff
	for i := int64(1); i < numSections; i++ {
		off += f.shdrSize()
		f.ElfSections = append(f.ElfSections, f.readShdr(off))
	}

	shstrtabIdx := int64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrtabIdx = int64(f.ElfSections[0].Link)
	}

	f.ShStrtab = f.GetBytesFromIdx(shstrtabIdx)
	return f
}

func (f *InputFile) shdrSize() uint64 {
	if f.Is32 {
		return uint64(unsafe.Sizeof(Shdr32{}))
	}
	return uint64(unsafe.Sizeof(Shdr{}))
}

func (f *InputFile) readShdr(off uint64) Shdr {
	if off+f.shdrSize() > uint64(len(f.File.Contents)) {
		utils.Fatal(fmt.Sprintf("%s: section header is out of range: %d", f.File.Name, off))
	}
	if f.Is32 {
		s := utils.Read[Shdr32](f.File.Contents[off:])
		return s.widen()
	}
	return utils.Read[Shdr](f.File.Contents[off:])
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) []byte {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil
	}
	end := s.Offset + s.Size
	if uint64(len(f.File.Contents)) < end {
		utils.Fatal(fmt.Sprintf("%s: section header is out of range: %d", f.File.Name, s.Offset))
	}

	return f.File.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(idx int64) []byte {
	utils.Assert(idx < int64(len(f.ElfSections)))
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(s *Shdr) {
	bs := f.GetBytesFromShdr(s)
	if f.Is32 {
		size := int(unsafe.Sizeof(Sym32{}))
		for ; len(bs) >= size; bs = bs[size:] {
			sym := utils.Read[Sym32](bs)
			f.ElfSyms = append(f.ElfSyms, sym.widen())
		}
		return
	}

	size := int(unsafe.Sizeof(Sym{}))
	for ; len(bs) >= size; bs = bs[size:] {
		f.ElfSyms = append(f.ElfSyms, utils.Read[Sym](bs))
	}
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		sec := &f.ElfSections[i]
		if sec.Type == ty {
			return sec
		}
	}
	return nil
}

func (f *InputFile) SwapIsAlive(isAlive bool) bool {
	old := f.IsAlive
	f.IsAlive = isAlive
	return old
}

func (f *InputFile) GetGlobalSyms() []*Symbol {
	return f.Symbols[f.FirstGlobal:]
}

func (f *InputFile) GetEhdr() Ehdr {
	if f.Is32 {
		e := utils.Read[Ehdr32](f.File.Contents)
		return e.widen()
	}
	return utils.Read[Ehdr](f.File.Contents)
}

// readChdr decodes the compression header in front of SHF_COMPRESSED
// contents.
func (f *InputFile) readChdr(contents []byte) Chdr {
	if f.Is32 {
		c := utils.Read[Chdr32](contents)
		return c.widen()
	}
	return utils.Read[Chdr](contents)
}

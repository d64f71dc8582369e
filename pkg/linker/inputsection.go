package linker

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/ldlayout/pkg/utils"
)

// InputSection is one section of an input object as seen by placement:
// a name, a flag word and a size. Contents are never read.
type InputSection struct {
	File    *ObjectFile
	Name    string
	Shndx   uint32
	Flags   SecFlags
	ElfType uint32

	Size    uint64
	RawSize uint64
	P2Align uint8
	EntSize uint64

	// VMA is the address recorded in the object; only meaningful for
	// --just-symbols inputs.
	VMA uint64

	OutputSection   *OutputSection
	OutputOffset    uint64
	AlreadyAssigned *OutputSection
}

func toP2Align(alignment uint64) uint8 {
	if alignment == 0 {
		return 0
	}
	return uint8(utils.CountrZero[uint64](alignment))
}

func NewInputSection(file *ObjectFile, name string, shndx int64) *InputSection {
	shdr := &file.ElfSections[shndx]
	s := &InputSection{
		File:    file,
		Name:    name,
		Shndx:   uint32(shndx),
		ElfType: shdr.Type,
		Flags:   FlagsFromShdr(name, shdr.Type, shdr.Flags),
		EntSize: shdr.EntSize,
		VMA:     shdr.Addr,
	}

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 {
		chdr := file.readChdr(file.GetBytesFromShdr(shdr))
		s.Size = chdr.Size
		s.P2Align = toP2Align(chdr.AddrAlign)
	} else {
		s.Size = shdr.Size
		s.P2Align = toP2Align(shdr.AddrAlign)
	}
	return s
}

// NewSyntheticSection creates a section that has no backing ELF header,
// such as the COMMON bucket of an object or a section described in a
// layout script.
func NewSyntheticSection(file *ObjectFile, name string, flags SecFlags, size uint64, p2align uint8) *InputSection {
	typ := uint32(elf.SHT_PROGBITS)
	if flags&SecHasContents == 0 {
		typ = uint32(elf.SHT_NOBITS)
	}
	return &InputSection{
		File:    file,
		Name:    name,
		Shndx:   ^uint32(0),
		Flags:   flags,
		ElfType: typ,
		Size:    size,
		P2Align: p2align,
	}
}

func (s *InputSection) Alignment() uint64 {
	return uint64(1) << s.P2Align
}

// Addr is the run-time address once the section has been sized.
func (s *InputSection) Addr() uint64 {
	if s.OutputSection == nil {
		return 0
	}
	return s.OutputSection.VMA + s.OutputOffset
}

// Discarded reports sections routed to /DISCARD/ or dropped for being
// excluded.
func (s *InputSection) Discarded() bool {
	return s.OutputSection != nil && s.OutputSection.Name == AbsSectionName
}

func (s *InputSection) String() string {
	if s.File == nil {
		return s.Name
	}
	return fmt.Sprintf("%s(%s)", s.File.DisplayName(), s.Name)
}

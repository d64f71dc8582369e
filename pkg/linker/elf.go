package linker

import (
	"bytes"
	"debug/elf"
)

const SHF_EXCLUDE uint32 = 0x80000000
const SHT_LLVM_ADDRSIG uint32 = 0x6fff4c03

// Ehdr, Shdr, Phdr, Sym and Chdr are the ELF64 layouts. ELF32 files are read
// through the 32-bit twins below and widened.
type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

type Chdr struct {
	Type      uint32
	Reserved  uint32
	Size      uint64
	AddrAlign uint64
}

type Ehdr32 struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	PhOff     uint32
	ShOff     uint32
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

func (e *Ehdr32) widen() Ehdr {
	return Ehdr{
		Ident: e.Ident, Type: e.Type, Machine: e.Machine, Version: e.Version,
		Entry: uint64(e.Entry), PhOff: uint64(e.PhOff), ShOff: uint64(e.ShOff),
		Flags: e.Flags, EhSize: e.EhSize, PhEntSize: e.PhEntSize, PhNum: e.PhNum,
		ShEntSize: e.ShEntSize, ShNum: e.ShNum, ShStrndx: e.ShStrndx,
	}
}

type Shdr32 struct {
	Name      uint32
	Type      uint32
	Flags     uint32
	Addr      uint32
	Offset    uint32
	Size      uint32
	Link      uint32
	Info      uint32
	AddrAlign uint32
	EntSize   uint32
}

func (s *Shdr32) widen() Shdr {
	return Shdr{
		Name: s.Name, Type: s.Type, Flags: uint64(s.Flags), Addr: uint64(s.Addr),
		Offset: uint64(s.Offset), Size: uint64(s.Size), Link: s.Link, Info: s.Info,
		AddrAlign: uint64(s.AddrAlign), EntSize: uint64(s.EntSize),
	}
}

type Phdr32 struct {
	Type     uint32
	Offset   uint32
	VAddr    uint32
	PAddr    uint32
	FileSize uint32
	MemSize  uint32
	Flags    uint32
	Align    uint32
}

type Sym32 struct {
	Name  uint32
	Val   uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

func (s *Sym32) widen() Sym {
	return Sym{
		Name: s.Name, Info: s.Info, Other: s.Other, Shndx: s.Shndx,
		Val: uint64(s.Val), Size: uint64(s.Size),
	}
}

type Chdr32 struct {
	Type      uint32
	Size      uint32
	AddrAlign uint32
}

func (c *Chdr32) widen() Chdr {
	return Chdr{Type: c.Type, Size: uint64(c.Size), AddrAlign: uint64(c.AddrAlign)}
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsDefined() bool {
	return !s.IsUndef()
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == uint8(elf.STB_WEAK)
}

func (s *Sym) Type() uint8 {
	return s.Info & 0xf
}

func (s *Sym) Bind() uint8 {
	return s.Info >> 4
}

func getName(strTab []byte, offset uint32) string {
	if int(offset) >= len(strTab) {
		return ""
	}
	length := bytes.IndexByte(strTab[offset:], 0)
	if length < 0 {
		return string(strTab[offset:])
	}
	return string(strTab[offset : offset+uint32(length)])
}

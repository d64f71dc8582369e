package linker

import (
	"debug/elf"
	"encoding/binary"
	"strings"
)

type MachineType = int8

const (
	MachineTypeNone    MachineType = iota
	MachineTypeRISCV32 MachineType = iota
	MachineTypeRISCV64 MachineType = iota
	MachineTypeI386    MachineType = iota
	MachineTypeX86_64  MachineType = iota
	MachineTypeARM     MachineType = iota
	MachineTypeAArch64 MachineType = iota
)

var machineTypes = []struct {
	mt      MachineType
	machine elf.Machine
	class   elf.Class
	name    string
}{
	{MachineTypeRISCV32, elf.EM_RISCV, elf.ELFCLASS32, "riscv32"},
	{MachineTypeRISCV64, elf.EM_RISCV, elf.ELFCLASS64, "riscv64"},
	{MachineTypeI386, elf.EM_386, elf.ELFCLASS32, "i386"},
	{MachineTypeX86_64, elf.EM_X86_64, elf.ELFCLASS64, "x86_64"},
	{MachineTypeARM, elf.EM_ARM, elf.ELFCLASS32, "arm"},
	{MachineTypeAArch64, elf.EM_AARCH64, elf.ELFCLASS64, "aarch64"},
}

func GetMachineTypeFromContents(contents []byte) MachineType {
	ft := GetFileType(contents)

	switch ft {
	case FileTypeObject, FileTypeDso:
		machine := elf.Machine(binary.LittleEndian.Uint16(contents[18:]))
		class := elf.Class(contents[elf.EI_CLASS])
		for _, m := range machineTypes {
			if m.machine == machine && m.class == class {
				return m.mt
			}
		}
	}

	return MachineTypeNone
}

// ParseMachineType accepts the names printed by MachineTypeStringer and
// the common ld emulation spellings (elf64lriscv, elf_x86_64, ...).
func ParseMachineType(s string) (MachineType, bool) {
	switch s {
	case "elf32lriscv":
		return MachineTypeRISCV32, true
	case "elf64lriscv":
		return MachineTypeRISCV64, true
	case "elf_i386":
		return MachineTypeI386, true
	case "elf_x86_64":
		return MachineTypeX86_64, true
	case "armelf":
		return MachineTypeARM, true
	case "aarch64elf", "aarch64linux":
		return MachineTypeAArch64, true
	}
	for _, m := range machineTypes {
		if strings.EqualFold(m.name, s) {
			return m.mt, true
		}
	}
	return MachineTypeNone, false
}

// AddressBits is the width of a target address, used to detect VMA and
// LMA wraparound.
func AddressBits(mt MachineType) int {
	for _, m := range machineTypes {
		if m.mt == mt && m.class == elf.ELFCLASS32 {
			return 32
		}
	}
	return 64
}

type MachineTypeStringer struct {
	MachineType
}

func (mts MachineTypeStringer) String() string {
	for _, m := range machineTypes {
		if m.mt == mts.MachineType {
			return m.name
		}
	}
	return "none"
}

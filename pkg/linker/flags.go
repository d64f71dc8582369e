package linker

import (
	"debug/elf"
	"strings"
)

// SecFlags is the format independent flag word carried by input and output
// sections. Placement decisions only ever look at these bits.
type SecFlags uint32

const (
	SecAlloc SecFlags = 1 << iota
	SecLoad
	SecReloc
	SecReadonly
	SecCode
	SecData
	SecHasContents
	SecNeverLoad
	SecThreadLocal
	SecSmallData
	SecMerge
	SecStrings
	SecExclude
	SecKeep
	SecDebugging
	SecIsCommon
	SecLinkerCreated
	SecFixedSize
	SecElfReverseCopy
	SecGroup
)

const SecNoFlags SecFlags = 0

var secFlagNames = []struct {
	flag SecFlags
	name string
}{
	{SecHasContents, "CONTENTS"},
	{SecAlloc, "ALLOC"},
	{SecLoad, "LOAD"},
	{SecReloc, "RELOC"},
	{SecReadonly, "READONLY"},
	{SecCode, "CODE"},
	{SecData, "DATA"},
	{SecNeverLoad, "NEVER_LOAD"},
	{SecThreadLocal, "THREAD_LOCAL"},
	{SecSmallData, "SMALL_DATA"},
	{SecMerge, "MERGE"},
	{SecStrings, "STRINGS"},
	{SecExclude, "EXCLUDE"},
	{SecKeep, "KEEP"},
	{SecDebugging, "DEBUGGING"},
	{SecIsCommon, "IS_COMMON"},
	{SecLinkerCreated, "LINKER_CREATED"},
	{SecFixedSize, "FIXED_SIZE"},
	{SecElfReverseCopy, "REVERSE_COPY"},
	{SecGroup, "GROUP"},
}

func (f SecFlags) String() string {
	names := make([]string, 0)
	for _, n := range secFlagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ", ")
}

func (f SecFlags) Has(mask SecFlags) bool {
	return f&mask == mask
}

// IsTbss reports sections that occupy thread local address space
// without taking up room in the image.
func (f SecFlags) IsTbss() bool {
	return f&(SecLoad|SecThreadLocal) == SecThreadLocal
}

// Ignored sections take no part in address assignment checks.
func (f SecFlags) Ignored() bool {
	return f&SecAlloc == 0 || f.IsTbss()
}

var smallDataPrefixes = []string{".sdata", ".sbss", ".srodata", ".gnu.linkonce.s."}

// FlagsFromShdr translates ELF section header attributes into SecFlags.
func FlagsFromShdr(name string, typ uint32, flags uint64) SecFlags {
	f := SecNoFlags
	if typ != uint32(elf.SHT_NOBITS) && typ != uint32(elf.SHT_NULL) {
		f |= SecHasContents
	}
	if flags&uint64(elf.SHF_ALLOC) != 0 {
		f |= SecAlloc
		if typ != uint32(elf.SHT_NOBITS) {
			f |= SecLoad
		}
	}
	if flags&uint64(elf.SHF_WRITE) == 0 {
		f |= SecReadonly
	}
	if flags&uint64(elf.SHF_EXECINSTR) != 0 {
		f |= SecCode
	} else if f&SecLoad != 0 {
		f |= SecData
	}
	if flags&uint64(elf.SHF_TLS) != 0 {
		f |= SecThreadLocal
	}
	if flags&uint64(elf.SHF_MERGE) != 0 {
		f |= SecMerge
	}
	if flags&uint64(elf.SHF_STRINGS) != 0 {
		f |= SecStrings
	}
	if flags&uint64(SHF_EXCLUDE) != 0 {
		f |= SecExclude
	}
	if flags&uint64(elf.SHF_GROUP) != 0 {
		f |= SecGroup
	}

	if f&SecAlloc == 0 &&
		(strings.HasPrefix(name, ".debug") ||
			strings.HasPrefix(name, ".zdebug") ||
			strings.HasPrefix(name, ".gnu.linkonce.wi.") ||
			strings.HasPrefix(name, ".line") ||
			strings.HasPrefix(name, ".stab")) {
		f |= SecDebugging
	}

	for _, prefix := range smallDataPrefixes {
		if f&SecAlloc != 0 && strings.HasPrefix(name, prefix) {
			f |= SecSmallData
			break
		}
	}
	return f
}

// ParseSecFlags reads a comma separated list of flag names as printed by
// SecFlags.String. Unknown names are reported through ok.
func ParseSecFlags(s string) (f SecFlags, ok bool) {
	ok = true
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		found := false
		for _, n := range secFlagNames {
			if n.name == part {
				f |= n.flag
				found = true
				break
			}
		}
		if !found {
			ok = false
		}
	}
	return f, ok
}

package linker

import (
	"debug/elf"
	"strings"
)

var stemPrefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".tbss.", ".tdata.", ".gcc_except_table.",
	".ctors.", ".dtors.", ".sdata.", ".sbss.", ".srodata.",
}

// OrphanStem returns the conventional output section for an input
// section name: .text.hot goes to .text, mergeable constants to
// .rodata.str or .rodata.cst.
func OrphanStem(name string, flags SecFlags) string {
	if (name == ".rodata" || strings.HasPrefix(name, ".rodata.")) && flags&SecMerge != 0 {
		if flags&SecStrings != 0 {
			return ".rodata.str"
		}
		return ".rodata.cst"
	}

	for _, prefix := range stemPrefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

// canonicalElfType gives array sections their dedicated type even when
// they were fed from PROGBITS inputs such as .ctors.
func canonicalElfType(name string, typ uint32) uint32 {
	if typ == uint32(elf.SHT_PROGBITS) {
		if name == ".init_array" || strings.HasPrefix(name, ".init_array.") {
			return uint32(elf.SHT_INIT_ARRAY)
		}
		if name == ".fini_array" || strings.HasPrefix(name, ".fini_array.") {
			return uint32(elf.SHT_FINI_ARRAY)
		}
	}
	return typ
}

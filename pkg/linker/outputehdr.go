package linker

import (
	"unsafe"
)

func (ctx *Context) is32() bool {
	return AddressBits(ctx.Arg.Emulation) == 32
}

func (ctx *Context) phdrSize() uint64 {
	if ctx.is32() {
		return uint64(unsafe.Sizeof(Phdr32{}))
	}
	return uint64(unsafe.Sizeof(Phdr{}))
}

func (ctx *Context) ehdrSize() uint64 {
	if ctx.is32() {
		return uint64(unsafe.Sizeof(Ehdr32{}))
	}
	return uint64(unsafe.Sizeof(Ehdr{}))
}

// SizeofHeaders is the size of the ELF header plus the program header
// table. Without PHDRS the table size is estimated from the default
// segment map of the current layout.
func (ctx *Context) SizeofHeaders() uint64 {
	ctx.headersUsed = true
	n := len(ctx.Phdrs)
	if n == 0 {
		n = len(ctx.defaultSegments(0))
	}
	return ctx.ehdrSize() + uint64(n)*ctx.phdrSize()
}

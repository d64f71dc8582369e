//go:build !unix

package linker

func hostPageSize() uint64 {
	return 0x1000
}

//go:build unix

package linker

import "golang.org/x/sys/unix"

func hostPageSize() uint64 {
	return uint64(unix.Getpagesize())
}

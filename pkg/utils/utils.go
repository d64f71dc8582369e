package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"runtime/debug"
	"strings"
)

type Uint interface {
	uint8 | uint16 | uint32 | uint64
}

func CountrZero[T Uint](n T) int {
	switch any(n).(type) {
	case uint8:
		return bits.TrailingZeros8(uint8(n))
	case uint16:
		return bits.TrailingZeros16(uint16(n))
	case uint32:
		return bits.TrailingZeros32(uint32(n))
	case uint64:
		return bits.TrailingZeros64(uint64(n))
	}

	Fatal("unreachable")
	return 0
}

func CountlZero[T Uint](n T) int {
	switch any(n).(type) {
	case uint8:
		return bits.LeadingZeros8(uint8(n))
	case uint16:
		return bits.LeadingZeros16(uint16(n))
	case uint32:
		return bits.LeadingZeros32(uint32(n))
	case uint64:
		return bits.LeadingZeros64(uint64(n))
	}

	Fatal("unreachable")
	return 0
}

func hasSingleBit(n uint64) bool {
	return n&(n-1) == 0
}

func BitCeil(val uint64) uint64 {
	if hasSingleBit(val) {
		return val
	}
	return 1 << (64 - CountlZero(val))
}

// Log2 returns the power of two of an alignment value, rounding up
// values that are not a power of two.
func Log2(val uint64) uint8 {
	if val <= 1 {
		return 0
	}
	return uint8(CountrZero(BitCeil(val)))
}

func MustNo(err error) {
	if err != nil {
		Fatal(err)
	}
}

func Fatal(v any) {
	fmt.Println("ldlayout: "+"\033[0;1;31mfatal:\033[0m", fmt.Sprintf("%s", v))
	debug.PrintStack()
	os.Exit(1)
}

func Warn(v any) {
	fmt.Fprintln(os.Stderr, "ldlayout: "+"\033[0;1;35mwarning:\033[0m", fmt.Sprintf("%s", v))
}

func Assert(condition bool) {
	if !condition {
		Fatal("Assert failed")
	}
}

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) & ^(align - 1)
}

func AlignPower(val uint64, p2align uint8) uint64 {
	return AlignTo(val, uint64(1)<<p2align)
}

func Read[T any](data []byte) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, binary.LittleEndian, &val)
	MustNo(err)
	return
}

func RemoveIf[T any](elems []T, condition func(T) bool) []T {
	i := 0

	for _, elem := range elems {
		if condition(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}

func RemovePrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		s = strings.TrimPrefix(s, prefix)
		return s, true
	}
	return s, false
}

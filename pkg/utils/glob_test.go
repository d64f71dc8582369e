package utils

import "testing"

func TestMatchStarCrossesSlash(t *testing.T) {
	if !Match("*crtbegin.o", "/usr/lib/gcc/crtbegin.o") {
		t.Fatalf("expected '*' to match across '/'")
	}
	if !Match("lib*.a", "libc.a") {
		t.Fatalf("expected lib*.a to match libc.a")
	}
	if Match("lib*.a", "libc.so") {
		t.Fatalf("unexpected match of libc.so")
	}
}

func TestMatchClassesAndQuestionMark(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{".text.[a-c]*", ".text.alpha", true},
		{".text.[a-c]*", ".text.delta", false},
		{".text.[!a-c]*", ".text.delta", true},
		{".data?", ".data1", true},
		{".data?", ".data", false},
		{"*", "", true},
		{"", "", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"[]]", "]", true},
		{"[", "[", true},
		{"\\*", "*", true},
		{"\\*", "x", false},
	}

	for _, c := range cases {
		if got := Match(c.pattern, c.name); got != c.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestIsWildcard(t *testing.T) {
	if IsWildcard(".text") {
		t.Fatalf(".text is not a wildcard")
	}
	if !IsWildcard(".text.*") || !IsWildcard("foo?") || !IsWildcard("[ab]") {
		t.Fatalf("expected wildcards to be detected")
	}
}

func TestAlignPowerAndLog2(t *testing.T) {
	if got := AlignPower(0x1001, 4); got != 0x1010 {
		t.Fatalf("AlignPower = %#x", got)
	}
	if got := Log2(16); got != 4 {
		t.Fatalf("Log2(16) = %d", got)
	}
	if got := Log2(24); got != 5 {
		t.Fatalf("Log2(24) = %d", got)
	}
	if got := Log2(0); got != 0 {
		t.Fatalf("Log2(0) = %d", got)
	}
}

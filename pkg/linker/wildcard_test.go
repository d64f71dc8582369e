package linker

import (
	"debug/elf"
	"strings"
	"testing"

	"github.com/ksco/ldlayout/pkg/utils"
)

func TestSectionSpecMatch(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{".text", ".text", true},
		{".text", ".text.x", false},
		{".text.*", ".text.hot", true},
		{".text.*", ".text", false},
		{"*.rodata", "foo.rodata", true},
		{"*.rodata", ".rodata", true},
		{"*.rodata", "x.rodata1", false},
		{"[ab]*", "abc", true},
		{"[ab]*", "c", false},
		{".t?xt", ".text", true},
		{".t?xt", ".tet", false},
		{".data*.data", ".data", false},
		{".data*.data", ".data.data", true},
		{"ab*ba", "aba", false},
		{"ab*ba", "abba", true},
		{".t*t", ".t", false},
		{".t*t", ".tt", true},
		{"", ".anything", true},
	}

	for _, c := range cases {
		spec := &SectionSpec{Name: c.pattern}
		spec.analyze()
		if got := spec.match(c.name); got != c.want {
			t.Fatalf("%q matching %q = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestPrefixTreeAgreesWithGlob(t *testing.T) {
	patterns := []string{
		".text", ".text.*", "*.rodata", ".data*.data", "ab*ba", ".t*t",
		".t?t", "[ab]*", "*", ".bss", ".bss.*", "*.a?c",
	}
	names := []string{
		".text", ".text.hot", ".tex", ".t", ".tt", ".tat", ".data",
		".data.data", ".dataXdata", "aba", "abba", "ab", "foo.rodata",
		".rodata", "x.rodata1", ".bss", ".bss.", ".bssx", "x.abc", ".abcd",
	}

	ctx := NewContext()
	file := NewSyntheticObject(ctx, "a.o", "")
	root := &prefixNode{}
	wilds := make(map[*WildStatement]string)
	for _, pattern := range patterns {
		w := wildOf("", pattern)
		w.analyze()
		root.insert(w)
		wilds[w] = pattern
	}

	for _, name := range names {
		isec := newSection(name, elf.SHF_ALLOC, 4, 0)
		got := make(map[string]bool)
		root.candidates(name, func(w *WildStatement) {
			if _, ok := w.matchSection(file, isec); ok {
				got[wilds[w]] = true
			}
		})
		for _, pattern := range patterns {
			if want := utils.Match(pattern, name); got[pattern] != want {
				t.Fatalf("%q on %q: tree %v, glob %v", pattern, name, got[pattern], want)
			}
		}
	}
}

func TestShortNameNotPlacedByOverlappingPattern(t *testing.T) {
	ctx := NewContext()
	short := newSection(".t", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, 0)
	long := newSection(".tat", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, 0)
	newObject(ctx, "a.o", short, long)

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".tt"})
		ctx.AddWild(wildOf("", ".t*t"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if long.OutputSection == nil || long.OutputSection.Name != ".tt" {
		t.Fatalf(".tat placed in %v", long.OutputSection)
	}
	if short.OutputSection != nil && short.OutputSection.Name == ".tt" {
		t.Fatalf(".t placed in .tt")
	}
}

func TestWildMatchFile(t *testing.T) {
	ctx := NewContext()
	member := NewSyntheticObject(ctx, "foo.o", "libc.a")
	plain := NewSyntheticObject(ctx, "crt0.o", "")

	cases := []struct {
		filename string
		excludes []string
		member   bool
		plain    bool
	}{
		{"", nil, true, true},
		{"libc.a:", nil, true, false},
		{":crt0.o", nil, false, true},
		{":foo.o", nil, false, false},
		{"libc.a:foo.o", nil, true, false},
		{"lib*.a:f*", nil, true, false},
		{"libc.a", nil, true, false},
		{"*.o", nil, true, true},
		{"", []string{"*crt0.o"}, true, false},
		{"", []string{"libc.a"}, false, true},
		{"", []string{"libc.a:"}, false, true},
	}

	for _, c := range cases {
		w := &WildStatement{Filename: c.filename, ExcludeFiles: c.excludes}
		if got := w.matchFile(member); got != c.member {
			t.Fatalf("%q %v on archive member = %v", c.filename, c.excludes, got)
		}
		if got := w.matchFile(plain); got != c.plain {
			t.Fatalf("%q %v on plain file = %v", c.filename, c.excludes, got)
		}
	}
}

func TestWildFlagsAccept(t *testing.T) {
	w := &WildStatement{RequireFlags: SecAlloc, RejectFlags: SecData}
	code := newSection(".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, 0)
	data := newSection(".data", elf.SHF_ALLOC|elf.SHF_WRITE, 4, 0)
	note := newSection(".comment", 0, 4, 0)

	if !w.flagsAccept(code) {
		t.Fatalf("code rejected")
	}
	if w.flagsAccept(data) {
		t.Fatalf("writable data accepted")
	}
	if w.flagsAccept(note) {
		t.Fatalf("non-alloc section accepted")
	}
}

func TestWildString(t *testing.T) {
	w := &WildStatement{
		Filename:        "*crtbegin.o",
		FilenamesSorted: true,
		Keep:            true,
		Sections: []*SectionSpec{
			{Name: ".ctors", Sort: SortByName},
			{Name: ".dtors", ExcludeFiles: []string{"*crtend.o"}},
		},
	}
	want := "KEEP(SORT(*crtbegin.o)(SORT_BY_NAME(.ctors) EXCLUDE_FILE(*crtend.o) .dtors))"
	if got := w.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseSortMode(t *testing.T) {
	cases := map[string]SortMode{
		"name":                  SortByName,
		"alignment":             SortByAlignment,
		"SORT_BY_INIT_PRIORITY": SortByInitPriority,
		"sort_none":             SortByNone,
		"":                      SortNone,
	}
	for s, want := range cases {
		got, ok := ParseSortMode(s)
		if !ok || got != want {
			t.Fatalf("ParseSortMode(%q) = %v, %v", s, got, ok)
		}
	}
	if _, ok := ParseSortMode("size"); ok {
		t.Fatalf("size accepted")
	}
}

func TestFirstMatchingStatementWins(t *testing.T) {
	ctx := NewContext()
	hot := newSection(".text.hot", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, 0)
	cold := newSection(".text.cold", elf.SHF_ALLOC|elf.SHF_EXECINSTR, 4, 0)
	newObject(ctx, "a.o", hot, cold)

	mustBuild(t, ctx, func() {
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".text"})
		ctx.AddWild(wildOf("", ".text.hot"))
		ctx.LeaveOutputSection(SectionTail{})
		ctx.EnterOutputSection(OutputSectionSpec{Name: ".other"})
		ctx.AddWild(wildOf("", ".text.*"))
		ctx.LeaveOutputSection(SectionTail{})
	})
	mustProcess(t, ctx)

	if hot.OutputSection == nil || hot.OutputSection.Name != ".text" {
		t.Fatalf(".text.hot placed in %v", hot.OutputSection)
	}
	if cold.OutputSection == nil || cold.OutputSection.Name != ".other" {
		t.Fatalf(".text.cold placed in %v", cold.OutputSection)
	}
}

func memberNames(osec *OutputSection) string {
	names := make([]string, 0, len(osec.Members))
	for _, m := range osec.Members {
		names = append(names, m.Name)
	}
	return strings.Join(names, " ")
}

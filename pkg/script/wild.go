package script

import (
	"fmt"
	"strings"

	"github.com/ksco/ldlayout/pkg/linker"
)

// ParseInputSpec parses an input section description in script syntax:
//
//	KEEP(*crtbegin.o(.ctors))
//	EXCLUDE_FILE(*crtend.o) *(.text .text.*)
//	*(SORT_BY_NAME(.init_array.*) EXCLUDE_FILE(foo.o) .init_array)
//	INPUT_SECTION_FLAGS(SHF_ALLOC & !SHF_WRITE) *(.data)
//	libc.a:(.text)
//
// A bare file pattern without a section list takes every section of the
// matching files.
func ParseInputSpec(src string) (*linker.WildStatement, error) {
	p, err := newParser(src, true)
	if err != nil {
		return nil, err
	}

	w := &linker.WildStatement{}
	keep := p.tok.kind == tokName && p.tok.text == "KEEP"
	if keep {
		if err := p.keyword("KEEP"); err != nil {
			return nil, err
		}
		w.Keep = true
	}

	if p.tok.kind == tokName && p.tok.text == "INPUT_SECTION_FLAGS" {
		if err := p.sectionFlags(w); err != nil {
			return nil, err
		}
	}

	if err := p.fileSpec(w); err != nil {
		return nil, err
	}

	if p.is("(") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for !p.is(")") {
			if p.tok.kind == tokEOF {
				return nil, fmt.Errorf("unterminated section list")
			}
			if p.is(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			spec, err := p.sectionSpec()
			if err != nil {
				return nil, err
			}
			w.Sections = append(w.Sections, spec)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	if keep {
		if err := p.expect(")"); err != nil {
			return nil, err
		}
	}
	return w, p.end()
}

// keyword consumes `NAME (`.
func (p *parser) keyword(name string) error {
	if p.tok.kind != tokName || p.tok.text != name {
		return fmt.Errorf("expected `%s', found %s", name, p.tok)
	}
	if err := p.advance(); err != nil {
		return err
	}
	return p.expect("(")
}

// nameList reads names up to the closing parenthesis and consumes it.
func (p *parser) nameList() ([]string, error) {
	var names []string
	for !p.is(")") {
		if p.is(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		name, err := p.name()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, p.advance()
}

func (p *parser) excludeFiles() ([]string, error) {
	if p.tok.kind != tokName || p.tok.text != "EXCLUDE_FILE" {
		return nil, nil
	}
	if err := p.keyword("EXCLUDE_FILE"); err != nil {
		return nil, err
	}
	return p.nameList()
}

func (p *parser) fileSpec(w *linker.WildStatement) error {
	excludes, err := p.excludeFiles()
	if err != nil {
		return err
	}
	w.ExcludeFiles = excludes

	if p.tok.kind == tokName && (p.tok.text == "SORT" || p.tok.text == "SORT_BY_NAME") {
		if err := p.keyword(p.tok.text); err != nil {
			return err
		}
		w.FilenamesSorted = true
		if w.Filename, err = p.name(); err != nil {
			return err
		}
		if err := p.expect(")"); err != nil {
			return err
		}
	} else if w.Filename, err = p.name(); err != nil {
		return err
	}

	if w.Filename == "*" {
		w.Filename = ""
	}
	return nil
}

var sortKeywords = map[string]linker.SortMode{
	"SORT":                  linker.SortByName,
	"SORT_BY_NAME":          linker.SortByName,
	"SORT_BY_ALIGNMENT":     linker.SortByAlignment,
	"SORT_BY_INIT_PRIORITY": linker.SortByInitPriority,
	"SORT_NONE":             linker.SortByNone,
}

func combineSort(outer, inner linker.SortMode) (linker.SortMode, error) {
	switch {
	case outer == inner:
		return outer, nil
	case outer == linker.SortByName && inner == linker.SortByAlignment:
		return linker.SortByNameAlignment, nil
	case outer == linker.SortByAlignment && inner == linker.SortByName:
		return linker.SortByAlignmentName, nil
	}
	return linker.SortNone, fmt.Errorf("invalid nesting of %s and %s", outer, inner)
}

func (p *parser) sectionSpec() (*linker.SectionSpec, error) {
	spec := &linker.SectionSpec{}

	if p.tok.kind == tokName {
		if mode, ok := sortKeywords[p.tok.text]; ok {
			if err := p.keyword(p.tok.text); err != nil {
				return nil, err
			}
			inner, err := p.sectionSpec()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			if inner.Sort != linker.SortNone {
				if mode, err = combineSort(mode, inner.Sort); err != nil {
					return nil, err
				}
			}
			inner.Sort = mode
			return inner, nil
		}
	}

	excludes, err := p.excludeFiles()
	if err != nil {
		return nil, err
	}
	spec.ExcludeFiles = excludes

	name, err := p.name()
	if err != nil {
		return nil, err
	}
	if name != "*" {
		spec.Name = name
	}
	return spec, nil
}

// sectionFlags reads INPUT_SECTION_FLAGS(a & !b ...). Both the ELF
// SHF_ names and the names printed for section flags are accepted.
func (p *parser) sectionFlags(w *linker.WildStatement) error {
	if err := p.keyword("INPUT_SECTION_FLAGS"); err != nil {
		return err
	}
	names, err := p.nameList()
	if err != nil {
		return err
	}

	for _, name := range strings.Split(strings.Join(names, "&"), "&") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		negate := strings.HasPrefix(name, "!")
		name = strings.TrimPrefix(name, "!")

		flag, inverted, ok := shfFlag(name)
		if !ok {
			return fmt.Errorf("unknown section flag `%s'", name)
		}
		if negate != inverted {
			w.RejectFlags |= flag
		} else {
			w.RequireFlags |= flag
		}
	}
	return nil
}

// shfFlag maps an ELF section flag name onto the flag word. SHF_WRITE is
// the absence of READONLY, so it comes back inverted.
func shfFlag(name string) (flag linker.SecFlags, inverted, ok bool) {
	switch name {
	case "SHF_WRITE":
		return linker.SecReadonly, true, true
	case "SHF_ALLOC":
		return linker.SecAlloc, false, true
	case "SHF_EXECINSTR":
		return linker.SecCode, false, true
	case "SHF_MERGE":
		return linker.SecMerge, false, true
	case "SHF_STRINGS":
		return linker.SecStrings, false, true
	case "SHF_TLS":
		return linker.SecThreadLocal, false, true
	case "SHF_GROUP":
		return linker.SecGroup, false, true
	case "SHF_EXCLUDE":
		return linker.SecExclude, false, true
	}
	flag, ok = linker.ParseSecFlags(name)
	return flag, false, ok && flag != 0
}

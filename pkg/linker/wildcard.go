package linker

import (
	"strings"

	"github.com/ksco/ldlayout/pkg/utils"
)

type SortMode uint8

const (
	SortNone SortMode = iota
	SortByName
	SortByAlignment
	SortByNameAlignment
	SortByAlignmentName
	SortByInitPriority
	// SortByNone is SORT_NONE: the spec opts out of --sort-section.
	SortByNone
)

var sortModeNames = [...]string{
	"", "SORT_BY_NAME", "SORT_BY_ALIGNMENT", "SORT_BY_NAME_ALIGNMENT",
	"SORT_BY_ALIGNMENT_NAME", "SORT_BY_INIT_PRIORITY", "SORT_NONE",
}

func (m SortMode) String() string { return sortModeNames[m] }

func (m SortMode) sorted() bool {
	return m != SortNone && m != SortByNone
}

func ParseSortMode(s string) (SortMode, bool) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return SortNone, true
	case "SORT", "NAME", "SORT_BY_NAME":
		return SortByName, true
	case "ALIGNMENT":
		return SortByAlignment, true
	case "SORT_NONE":
		return SortByNone, true
	}
	for i, name := range sortModeNames {
		if name != "" && name == strings.ToUpper(s) {
			return SortMode(i), true
		}
	}
	return SortNone, false
}

// SectionSpec is one section-name pattern of a wild statement.
type SectionSpec struct {
	Name         string
	ExcludeFiles []string
	Sort         SortMode

	prefixLen int
	suffixLen int
}

// analyze splits the pattern into a literal prefix, a glob middle and a
// literal suffix so most names are rejected by two compares.
func (spec *SectionSpec) analyze() {
	spec.prefixLen = strings.IndexAny(spec.Name, "?*[")
	if spec.prefixLen < 0 {
		spec.prefixLen = len(spec.Name)
	}
	rest := spec.Name[spec.prefixLen:]
	spec.suffixLen = len(rest) - 1 - strings.LastIndexAny(rest, "?*]")
}

// match reports whether name satisfies the section pattern. An empty
// pattern matches everything.
func (spec *SectionSpec) match(name string) bool {
	if spec.Name == "" {
		return true
	}
	nl, pl, sl := len(spec.Name), spec.prefixLen, spec.suffixLen

	// The literal prefix and suffix may not overlap in name.
	if len(name) < pl+sl {
		return false
	}
	if pl > 0 && name[:pl] != spec.Name[:pl] {
		return false
	}
	if sl > 0 {
		if name[len(name)-sl:] != spec.Name[nl-sl:] {
			return false
		}
	}

	if nl == pl+sl+1 && spec.Name[pl] == '*' {
		return true
	}
	if nl > pl {
		return utils.Match(spec.Name[pl:], name[pl:])
	}
	return len(name) == nl
}

// WildStatement is `file(section ...)` inside an output section.
type WildStatement struct {
	Filename        string
	FilenamesSorted bool
	ExcludeFiles    []string
	Sections        []*SectionSpec
	Keep            bool

	// INPUT_SECTION_FLAGS: every bit of RequireFlags must be set and no
	// bit of RejectFlags.
	RequireFlags SecFlags
	RejectFlags  SecFlags

	Matching []MatchingSection

	idx       StmtIdx
	anySorted bool
}

// MatchingSection records one input section a wild statement accepted.
type MatchingSection struct {
	Spec    *SectionSpec
	Section *InputSection
	File    *ObjectFile
}

func (w *WildStatement) analyze() {
	w.anySorted = false
	for _, spec := range w.Sections {
		spec.analyze()
		if spec.Sort.sorted() {
			w.anySorted = true
		}
	}
}

func (w *WildStatement) needsSort() bool {
	return w.FilenamesSorted || w.anySorted
}

func isSimpleWild(pattern string) bool {
	n := strings.IndexAny(pattern, "*?[")
	return n >= 4 && n == len(pattern)-1 && pattern[n] == '*'
}

// nameMatch matches a file or section name the way patterns in scripts
// do: a cheap prefix compare for the common `.text.*` shape, fnmatch
// for other globs, string equality otherwise.
func nameMatch(pattern, name string) bool {
	if isSimpleWild(pattern) {
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	}
	if utils.IsWildcard(pattern) {
		return utils.Match(pattern, name)
	}
	return pattern == name
}

// matchArchivePath handles the `archive:member` form. A bare `archive:`
// matches every member of the archive and `:member` matches only files
// given outside any archive.
func matchArchivePath(pattern string, sep int, file *ObjectFile) bool {
	member := pattern[sep+1:]
	if member != "" && !nameMatch(member, file.Name()) {
		return false
	}
	if (sep != 0) != (file.ArchiveName != "") {
		return false
	}
	if sep != 0 {
		return nameMatch(pattern[:sep], file.ArchiveName)
	}
	return true
}

func fileExcluded(excludes []string, file *ObjectFile) bool {
	for _, pattern := range excludes {
		if sep := strings.IndexByte(pattern, ':'); sep >= 0 {
			if matchArchivePath(pattern, sep, file) {
				return true
			}
		} else if nameMatch(pattern, file.Name()) {
			return true
		} else if file.ArchiveName != "" && nameMatch(pattern, file.ArchiveName) {
			return true
		}
	}
	return false
}

func (w *WildStatement) matchFile(file *ObjectFile) bool {
	switch {
	case w.Filename == "":
	case strings.IndexByte(w.Filename, ':') >= 0:
		if !matchArchivePath(w.Filename, strings.IndexByte(w.Filename, ':'), file) {
			return false
		}
	case utils.IsWildcard(w.Filename):
		if !utils.Match(w.Filename, file.Name()) {
			return false
		}
	default:
		// A plain name also selects every member of an archive with
		// that name.
		if w.Filename != file.Name() && w.Filename != file.ArchiveName {
			return false
		}
	}
	return !fileExcluded(w.ExcludeFiles, file)
}

// matchSection returns the first spec of w accepting isec, or ok == false.
// The file filter is checked first.
func (w *WildStatement) matchSection(file *ObjectFile, isec *InputSection) (*SectionSpec, bool) {
	if !w.matchFile(file) {
		return nil, false
	}
	if len(w.Sections) == 0 {
		return nil, true
	}
	for _, spec := range w.Sections {
		if spec.match(isec.Name) && !fileExcluded(spec.ExcludeFiles, file) {
			return spec, true
		}
	}
	return nil, false
}

func (w *WildStatement) flagsAccept(isec *InputSection) bool {
	return isec.Flags&w.RequireFlags == w.RequireFlags && isec.Flags&w.RejectFlags == 0
}

// String renders the statement in script syntax, for the map file.
func (w *WildStatement) String() string {
	var sb strings.Builder
	if w.Keep {
		sb.WriteString("KEEP(")
	}
	file := w.Filename
	if file == "" {
		file = "*"
	}
	if w.FilenamesSorted {
		file = "SORT(" + file + ")"
	}
	if len(w.ExcludeFiles) > 0 {
		file = "EXCLUDE_FILE(" + strings.Join(w.ExcludeFiles, " ") + ") " + file
	}
	sb.WriteString(file)
	sb.WriteByte('(')
	for i, spec := range w.Sections {
		if i > 0 {
			sb.WriteByte(' ')
		}
		name := spec.Name
		if name == "" {
			name = "*"
		}
		if len(spec.ExcludeFiles) > 0 {
			name = "EXCLUDE_FILE(" + strings.Join(spec.ExcludeFiles, " ") + ") " + name
		}
		if spec.Sort.sorted() || spec.Sort == SortByNone {
			name = spec.Sort.String() + "(" + name + ")"
		}
		sb.WriteString(name)
	}
	sb.WriteByte(')')
	if w.Keep {
		sb.WriteByte(')')
	}
	return sb.String()
}

package linker

import (
	"strconv"
	"strings"
)

// initPriority extracts the priority GCC encodes in .init_array.N and
// .ctors.N style names. The .ctors and .dtors forms count down from
// 65535. It returns -1 when the name carries no priority.
func initPriority(name string) int {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 || dot+1 >= len(name) || name[dot+1] < '0' || name[dot+1] > '9' {
		return -1
	}
	n, err := strconv.ParseUint(name[dot+1:], 10, 64)
	if err != nil {
		return -1
	}
	if dot == 6 && (strings.HasPrefix(name, ".ctors") || strings.HasPrefix(name, ".dtors")) {
		n = 65535 - n
	}
	if n > 1<<31-1 {
		return -1
	}
	return int(n)
}

// compareSections orders two input sections under mode. Larger
// alignment sorts first.
func compareSections(mode SortMode, a, b *InputSection) int {
	byAlign := func() int { return int(b.P2Align) - int(a.P2Align) }

	switch mode {
	case SortByInitPriority:
		pa, pb := initPriority(a.Name), initPriority(b.Name)
		if pa >= 0 && pb >= 0 && pa != pb {
			return pa - pb
		}
		return strings.Compare(a.Name, b.Name)
	case SortByAlignmentName:
		if r := byAlign(); r != 0 {
			return r
		}
		return strings.Compare(a.Name, b.Name)
	case SortByName:
		return strings.Compare(a.Name, b.Name)
	case SortByNameAlignment:
		if r := strings.Compare(a.Name, b.Name); r != 0 {
			return r
		}
		return byAlign()
	case SortByAlignment:
		return byAlign()
	}
	return 0
}

type sectionNode struct {
	left, right *sectionNode
	m           MatchingSection
}

// sectionTree is the ordering tree of a sorted wild statement. Equal
// keys go right, so an in-order walk keeps discovery order among them.
// Matches whose spec does not sort are appended at the rightmost slot.
type sectionTree struct {
	w         *WildStatement
	root      *sectionNode
	rightmost **sectionNode
}

func newSectionTree(w *WildStatement) *sectionTree {
	t := &sectionTree{w: w}
	t.rightmost = &t.root
	return t
}

func sortFileName(file *ObjectFile) string {
	if file.ArchiveName != "" {
		return file.ArchiveName
	}
	return file.Name()
}

func (t *sectionTree) slot(m MatchingSection) **sectionNode {
	if !t.w.FilenamesSorted && (m.Spec == nil || !m.Spec.Sort.sorted()) {
		return t.rightmost
	}

	p := &t.root
	for *p != nil {
		n := *p
		if t.w.FilenamesSorted {
			fa, la := m.File.ArchiveName != "", n.m.File.ArchiveName != ""
			if r := strings.Compare(sortFileName(m.File), sortFileName(n.m.File)); r != 0 {
				if r > 0 {
					p = &n.right
				} else {
					p = &n.left
				}
				continue
			}
			if fa || la {
				fn, ln := sortFileName(m.File), sortFileName(n.m.File)
				if fa {
					fn = m.File.Name()
				}
				if la {
					ln = n.m.File.Name()
				}
				if r := strings.Compare(fn, ln); r != 0 {
					if r > 0 {
						p = &n.right
					} else {
						p = &n.left
					}
					continue
				}
			}
		}

		if m.Spec != nil && m.Spec.Sort.sorted() &&
			compareSections(m.Spec.Sort, m.Section, n.m.Section) < 0 {
			p = &n.left
		} else {
			p = &n.right
		}
	}
	return p
}

func (t *sectionTree) insert(m MatchingSection) {
	p := t.slot(m)
	n := &sectionNode{m: m}
	*p = n
	if p == t.rightmost {
		t.rightmost = &n.right
	}
}

func (t *sectionTree) walk(fn func(MatchingSection)) {
	var rec func(*sectionNode)
	rec = func(n *sectionNode) {
		if n == nil {
			return
		}
		rec(n.left)
		fn(n.m)
		rec(n.right)
	}
	rec(t.root)
}

// applySortSection folds --sort-section into every spec that did not ask
// for an ordering itself. .init and .fini keep their input order.
func (ctx *Context) applySortSection(mode SortMode) {
	if mode != SortByName && mode != SortByAlignment {
		return
	}
	for _, idx := range ctx.wildStmts {
		w := ctx.Tree.At(idx).Wild
		for _, spec := range w.Sections {
			if spec.Name == ".init" || spec.Name == ".fini" {
				continue
			}
			switch spec.Sort {
			case SortNone:
				spec.Sort = mode
			case SortByName:
				if mode == SortByAlignment {
					spec.Sort = SortByNameAlignment
				}
			case SortByAlignment:
				if mode == SortByName {
					spec.Sort = SortByAlignmentName
				}
			}
			w.anySorted = true
		}
	}
}

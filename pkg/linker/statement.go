package linker

import (
	"github.com/pattyshack/gt/parseutil"
)

// StmtIdx addresses a statement inside the Tree arena.
type StmtIdx int32

const NoStmt StmtIdx = -1

type StmtKind uint8

const (
	StmtWild StmtKind = iota
	StmtOutputSection
	StmtGroup
	StmtInputSection
	StmtAssignment
	StmtData
	StmtFill
	StmtPadding
	StmtAddress
	StmtInsert
	StmtReloc
	StmtTarget
	StmtConstructors
)

var stmtKindNames = [...]string{
	StmtWild:          "wild",
	StmtOutputSection: "output-section",
	StmtGroup:         "group",
	StmtInputSection:  "input-section",
	StmtAssignment:    "assignment",
	StmtData:          "data",
	StmtFill:          "fill",
	StmtPadding:       "padding",
	StmtAddress:       "address",
	StmtInsert:        "insert",
	StmtReloc:         "reloc",
	StmtTarget:        "target",
	StmtConstructors:  "constructors",
}

func (k StmtKind) String() string {
	if int(k) < len(stmtKindNames) {
		return stmtKindNames[k]
	}
	return "unknown"
}

// Statement is one node of the script. Exactly one payload pointer is set,
// selected by Kind. Output sections, groups and wild statements own their
// children through Children.
type Statement struct {
	parseutil.StartEndPos

	Kind     StmtKind
	Children []StmtIdx

	Wild    *WildStatement
	Output  *OutputSectionStatement
	Input   *InputStatement
	Assign  *AssignmentStatement
	Data    *DataStatement
	Fill    *FillStatement
	Pad     *PaddingStatement
	Address *AddressStatement
	Insert  *InsertStatement
	Reloc   *RelocStatement
	Target  string
}

type InputStatement struct {
	Section *InputSection
	Spec    *SectionSpec
}

type AssignmentStatement struct {
	Dst     string
	Src     Expr
	Provide bool
	Hidden  bool
}

func (a *AssignmentStatement) IsDot() bool {
	return a.Dst == "."
}

type DataType uint8

const (
	DataByte DataType = iota
	DataShort
	DataLong
	DataQuad
	DataSquad
)

func (d DataType) Size() uint64 {
	switch d {
	case DataQuad, DataSquad:
		return 8
	case DataLong:
		return 4
	case DataShort:
		return 2
	}
	return 1
}

func (d DataType) String() string {
	return [...]string{"BYTE", "SHORT", "LONG", "QUAD", "SQUAD"}[d]
}

type DataStatement struct {
	Type         DataType
	Exp          Expr
	Value        uint64
	Output       *OutputSection
	OutputOffset uint64
}

type FillStatement struct {
	Fill   []byte
	Output *OutputSection
}

type PaddingStatement struct {
	Fill         []byte
	Output       *OutputSection
	OutputOffset uint64
	Size         uint64
}

// AddressStatement pins an output section to an address from outside
// the SECTIONS body, as -Ttext and friends do.
type AddressStatement struct {
	SectionName string
	Address     Expr
}

type InsertStatement struct {
	Where    string
	IsBefore bool
}

type RelocStatement struct {
	Name         string
	Size         uint64
	Addend       Expr
	AddendValue  uint64
	Output       *OutputSection
	OutputOffset uint64
}

// Tree is the statement arena. Root holds the top level statements in
// script order; OsList holds every output section statement in layout
// order independent of nesting.
type Tree struct {
	Nodes        []*Statement
	Root         []StmtIdx
	OsList       []StmtIdx
	Constructors []StmtIdx
}

func (t *Tree) At(idx StmtIdx) *Statement {
	return t.Nodes[idx]
}

func (t *Tree) New(kind StmtKind, pos parseutil.StartEndPos) (StmtIdx, *Statement) {
	s := &Statement{StartEndPos: pos, Kind: kind}
	t.Nodes = append(t.Nodes, s)
	return StmtIdx(len(t.Nodes) - 1), s
}

func (t *Tree) InsertAt(list *[]StmtIdx, pos int, idxs ...StmtIdx) {
	tail := append([]StmtIdx{}, (*list)[pos:]...)
	*list = append(append((*list)[:pos], idxs...), tail...)
}

func removeAt(list *[]StmtIdx, pos int) {
	*list = append((*list)[:pos], (*list)[pos+1:]...)
}

func indexOf(list []StmtIdx, idx StmtIdx) int {
	for i, s := range list {
		if s == idx {
			return i
		}
	}
	return -1
}

// Walk visits list and every nested child list in pre-order.
func (t *Tree) Walk(list []StmtIdx, fn func(StmtIdx, *Statement)) {
	for _, idx := range list {
		s := t.At(idx)
		fn(idx, s)
		switch s.Kind {
		case StmtOutputSection, StmtGroup, StmtWild:
			t.Walk(s.Children, fn)
		}
	}
}

// OutputSections returns the output section statements in OsList order.
func (t *Tree) OutputSections() []*OutputSectionStatement {
	ret := make([]*OutputSectionStatement, 0, len(t.OsList))
	for _, idx := range t.OsList {
		ret = append(ret, t.At(idx).Output)
	}
	return ret
}

// prevOutputSection walks OsList backwards from os skipping excluded
// statements.
func (t *Tree) prevOutputSection(os *OutputSectionStatement) *OutputSectionStatement {
	i := indexOf(t.OsList, os.Idx)
	for i--; i >= 0; i-- {
		if prev := t.At(t.OsList[i]).Output; prev.Constraint >= 0 {
			return prev
		}
	}
	return nil
}

// containingList finds the child list holding idx and its position there.
func (t *Tree) containingList(idx StmtIdx) (*[]StmtIdx, int) {
	var search func(list *[]StmtIdx) (*[]StmtIdx, int)
	search = func(list *[]StmtIdx) (*[]StmtIdx, int) {
		for i, child := range *list {
			if child == idx {
				return list, i
			}
			s := t.At(child)
			switch s.Kind {
			case StmtOutputSection, StmtGroup, StmtWild:
				if l, j := search(&s.Children); l != nil {
					return l, j
				}
			}
		}
		return nil, -1
	}
	return search(&t.Root)
}

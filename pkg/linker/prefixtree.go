package linker

// prefixNode indexes wild statements by the literal prefix of their
// section patterns. A child keyed by 0 holds statements whose pattern is
// a plain name, so they are only tried when the name ends there.
type prefixNode struct {
	c        byte
	children []*prefixNode
	stmts    []*WildStatement
}

func (t *prefixNode) child(c byte, insert bool) *prefixNode {
	for _, n := range t.children {
		if n.c == c {
			return n
		}
	}
	if !insert {
		return nil
	}
	n := &prefixNode{c: c}
	t.children = append(t.children, n)
	return n
}

func (t *prefixNode) insert(w *WildStatement) {
	if len(w.Sections) == 0 {
		t.stmts = append(t.stmts, w)
		return
	}

	for _, spec := range w.Sections {
		name := spec.Name
		if name == "" {
			name = "*"
		}
		node := t
		i := 0
		for ; i < len(name); i++ {
			c := name[i]
			if c == '*' || c == '[' || c == '?' {
				break
			}
			node = node.child(c, true)
		}
		if i == len(name) {
			node = node.child(0, true)
		}
		node.stmts = append(node.stmts, w)
	}
}

// candidates calls fn for every statement whose literal prefix matches
// name. A statement reached through several prefixes is reported once.
func (t *prefixNode) candidates(name string, fn func(*WildStatement)) {
	var seen []*WildStatement
	node := t
	for i := 0; node != nil; i++ {
	next:
		for _, w := range node.stmts {
			for _, s := range seen {
				if s == w {
					continue next
				}
			}
			seen = append(seen, w)
			fn(w)
		}
		if i > len(name) {
			break
		}
		var c byte
		if i < len(name) {
			c = name[i]
		}
		node = node.child(c, false)
	}
}

// buildPrefixTree indexes every wild statement of the script. It runs
// once, before the first match.
func (ctx *Context) buildPrefixTree() {
	if ctx.prefix != nil {
		return
	}
	ctx.prefix = &prefixNode{}
	for _, idx := range ctx.wildStmts {
		w := ctx.Tree.At(idx).Wild
		w.analyze()
		ctx.prefix.insert(w)
	}
}

// resolveWilds records every input section on the wild statements that
// accept it. Previous results are dropped first.
func (ctx *Context) resolveWilds() {
	ctx.buildPrefixTree()
	for _, idx := range ctx.wildStmts {
		ctx.Tree.At(idx).Wild.Matching = nil
	}

	for _, file := range ctx.Objs {
		if file.JustSyms {
			continue
		}
		for _, isec := range file.Sections {
			if isec == nil {
				continue
			}
			ctx.prefix.candidates(isec.Name, func(w *WildStatement) {
				if spec, ok := w.matchSection(file, isec); ok {
					w.Matching = append(w.Matching, MatchingSection{
						Spec:    spec,
						Section: isec,
						File:    file,
					})
				}
			})
		}
	}
}

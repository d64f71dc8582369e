package linker

// ProcessInsertStatements moves the statements written before each
// INSERT [AFTER|BEFORE] next to the output section it names.
func ProcessInsertStatements(ctx *Context) {
	ctx.processInserts(&ctx.Tree.Root)
}

func (ctx *Context) processInserts(list *[]StmtIdx) {
	var moving []*OutputSectionStatement

	for i := 0; i < len(*list); i++ {
		s := ctx.Tree.At((*list)[i])
		switch s.Kind {
		case StmtOutputSection:
			// Hide the statement from lookups while it is in transit.
			os := s.Output
			os.Constraint = -2 - os.Constraint
			moving = append(moving, os)

		case StmtGroup:
			ctx.processInserts(&s.Children)

		case StmtInsert:
			ins := s.Insert
			ctx.pos = s.StartEndPos
			if ctx.Arg.NonContiguousRegions {
				ctx.Warnf(s.Loc(),
					"INSERT statement in linker script is incompatible with non-contiguous regions")
			}

			where := ctx.FindOutputSection(ins.Where)
			if where != nil && ins.IsBefore {
				where = ctx.prevLiveOutputSection(where)
			}
			if where == nil {
				ctx.Fatalf(s.Loc(), "%s not found for insert", ins.Where)
			}

			for _, os := range moving {
				os.Constraint = -2 - os.Constraint
			}
			firstMoved := len(moving) > 0 && len(ctx.Tree.OsList) > 1 &&
				ctx.Tree.OsList[1] == moving[0].Idx
			ctx.moveOsList(moving, where)

			block := append([]StmtIdx{}, (*list)[:i]...)
			*list = append([]StmtIdx{}, (*list)[i+1:]...)

			target, pos := list, 0
			if where == ctx.AbsSection.Stmt {
				// The moved sections go to the head of the list but
				// stay after the first assignment to dot, unless they
				// were already at the head.
				pos = ctx.insertOsAfter(*list, -1, !firstMoved)
			} else {
				l, j := ctx.Tree.containingList(where.Idx)
				if l == nil {
					ctx.Fatalf(s.Loc(), "%s not found for insert", ins.Where)
				}
				target = l
				pos = ctx.insertOsAfter(*l, j, false)
			}
			ctx.Tree.InsertAt(target, pos, block...)

			moving = nil
			i = -1
		}
	}

	for _, os := range moving {
		os.Constraint = -2 - os.Constraint
	}
}

// prevLiveOutputSection steps back over excluded statements. The *ABS*
// statement at the head of OsList stops the walk.
func (ctx *Context) prevLiveOutputSection(os *OutputSectionStatement) *OutputSectionStatement {
	i := indexOf(ctx.Tree.OsList, os.Idx)
	for i--; i >= 0; i-- {
		if prev := ctx.Tree.At(ctx.Tree.OsList[i]).Output; prev.Constraint >= 0 {
			return prev
		}
	}
	return nil
}

// moveOsList relinks the moved statements right after where in OsList.
func (ctx *Context) moveOsList(moving []*OutputSectionStatement, where *OutputSectionStatement) {
	if len(moving) == 0 {
		return
	}
	idxs := make([]StmtIdx, 0, len(moving))
	for _, os := range moving {
		idxs = append(idxs, os.Idx)
		removeAt(&ctx.Tree.OsList, indexOf(ctx.Tree.OsList, os.Idx))
	}
	at := indexOf(ctx.Tree.OsList, where.Idx) + 1
	ctx.Tree.InsertAt(&ctx.Tree.OsList, at, idxs...)
}

// insertOsAfter finds where a new output section statement goes when it
// should follow list[after]: before the next output section, and before
// the dot assignment leading into it. The first dot assignment of the
// list is left alone when ignoreFirst is set, as it usually sets the
// start address.
func (ctx *Context) insertOsAfter(list []StmtIdx, after int, ignoreFirst bool) int {
	assign := -1
	for i := after + 1; i < len(list); i++ {
		s := ctx.Tree.At(list[i])
		switch s.Kind {
		case StmtAssignment:
			if assign < 0 && s.Assign.IsDot() {
				if !ignoreFirst {
					assign = i
				}
				ignoreFirst = false
			}

		case StmtWild, StmtInputSection, StmtFill, StmtData,
			StmtReloc, StmtPadding, StmtConstructors:
			assign = -1
			ignoreFirst = false

		case StmtOutputSection:
			if assign >= 0 {
				osec := s.Output.Section
				if osec == nil || !osec.HasInput() || osec.Flags&SecAlloc != 0 {
					return assign
				}
			}
			return i
		}
	}
	return len(list)
}

package linker

import (
	"errors"
	"fmt"

	"github.com/pattyshack/gt/parseutil"
)

// Diagnostics collects errors and warnings raised while laying out a link.
// Errors do not stop the link until the current pass finishes; fatal
// errors abort it through Context.Fatalf.
type Diagnostics struct {
	parseutil.Emitter

	warnings []string
}

func (d *Diagnostics) Warn(loc parseutil.Location, format string, args ...any) {
	d.warnings = append(d.warnings, locPrefix(loc)+fmt.Sprintf(format, args...))
}

func (d *Diagnostics) Warnings() []string {
	return d.warnings
}

func (d *Diagnostics) Err() error {
	if !d.HasErrors() {
		return nil
	}
	return errors.Join(d.Errors()...)
}

func locPrefix(loc parseutil.Location) string {
	if loc.FileName == "" && loc.Line == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d: ", loc.FileName, loc.Line, loc.Column)
}

// abortLink unwinds Process after a fatal diagnostic.
type abortLink struct{}

func (ctx *Context) Errorf(loc parseutil.Location, format string, args ...any) {
	ctx.Diag.Emit(loc, format, args...)
}

func (ctx *Context) Warnf(loc parseutil.Location, format string, args ...any) {
	ctx.Diag.Warn(loc, format, args...)
	if ctx.Arg.FatalWarnings {
		ctx.Diag.Emit(loc, "warning treated as error: "+format, args...)
	}
}

func (ctx *Context) Fatalf(loc parseutil.Location, format string, args ...any) {
	ctx.Diag.Emit(loc, format, args...)
	panic(abortLink{})
}

// FatalOrWarnf aborts the link when strict is set and warns otherwise.
func (ctx *Context) FatalOrWarnf(strict bool, loc parseutil.Location, format string, args ...any) {
	if strict {
		ctx.Fatalf(loc, format, args...)
	} else {
		ctx.Warnf(loc, format, args...)
	}
}

func (ctx *Context) stmtLoc(idx StmtIdx) parseutil.Location {
	if idx == NoStmt || int(idx) >= len(ctx.Tree.Nodes) {
		return parseutil.Location{}
	}
	return ctx.Tree.At(idx).Loc()
}

// recoverAbort turns an abortLink panic back into a returned error.
func (ctx *Context) recoverAbort(err *error) {
	if r := recover(); r != nil {
		if _, ok := r.(abortLink); !ok {
			panic(r)
		}
		*err = ctx.Diag.Err()
	}
}

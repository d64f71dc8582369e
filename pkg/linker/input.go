package linker

import (
	"github.com/ksco/ldlayout/pkg/utils"
)

// ReadInputFiles loads objects and archives named on the command line.
// A "-l" prefix searches the library paths; "-R" reads the object for
// its symbols only.
func ReadInputFiles(ctx *Context, args []string) {
	for _, arg := range args {
		var ok bool
		if arg, ok = utils.RemovePrefix(arg, "-l"); ok {
			ReadFile(ctx, FindLibrary(ctx, arg), false)
		} else if arg, ok = utils.RemovePrefix(arg, "-R"); ok {
			ReadFile(ctx, MustNewFile(arg), true)
		} else {
			ReadFile(ctx, MustNewFile(arg), false)
		}
	}
}

func ReadFile(ctx *Context, file *File, justSyms bool) {
	if ctx.Visited.Contains(file.Name) {
		return
	}

	ft := GetFileType(file.Contents)
	switch ft {
	case FileTypeObject:
		obj := CreateObjectFile(ctx, file, "")
		obj.JustSyms = justSyms
		ctx.Objs = append(ctx.Objs, obj)
	case FileTypeThinAr, FileTypeAr:
		for _, child := range ReadArchiveMembers(file) {
			switch GetFileType(child.Contents) {
			case FileTypeObject:
				ctx.Objs = append(ctx.Objs, CreateObjectFile(ctx, child, file.Name))
			default:
				utils.Fatal(file.Name + "(" + child.Name + "): unknown file type")
			}
		}
		ctx.Visited.Add(file.Name)
	default:
		utils.Fatal(file.Name + ": unknown file type")
	}
}

func CreateObjectFile(ctx *Context, file *File, archiveName string) *ObjectFile {
	CheckFileCompatibility(ctx, file)

	obj := NewObjectFile(file, archiveName)
	obj.Priority = uint32(ctx.FilePriority)
	ctx.FilePriority++

	obj.parse(ctx)
	return obj
}

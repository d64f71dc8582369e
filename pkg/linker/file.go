package linker

import (
	"os"
	"path/filepath"

	"github.com/ksco/ldlayout/pkg/utils"
)

type File struct {
	Name     string
	Contents []byte

	Parent *File
}

func MustNewFile(filename string) *File {
	contents, err := os.ReadFile(filename)
	utils.MustNo(err)
	return &File{
		Name:     filename,
		Contents: contents,
	}
}

func OpenLibrary(ctx *Context, path string) *File {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	file := &File{Name: path, Contents: contents}
	ty := GetMachineTypeFromContents(file.Contents)
	if ty == MachineTypeNone || ctx.Arg.Emulation == MachineTypeNone || ty == ctx.Arg.Emulation {
		return file
	}

	utils.Fatal("incompatible file: " + path)
	return nil
}

func FindLibrary(ctx *Context, name string) *File {
	for _, dir := range ctx.Arg.LibraryPaths {
		stem := filepath.Join(dir, "lib"+name)
		if f := OpenLibrary(ctx, stem+".a"); f != nil {
			return f
		}
	}

	utils.Fatal("library not found: -l" + name)
	return nil
}

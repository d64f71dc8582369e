package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ksco/ldlayout/pkg/linker"
	"github.com/ksco/ldlayout/pkg/script"
	"github.com/ksco/ldlayout/pkg/utils"
)

var version string

func main() {
	ctx := linker.NewContext()
	utils.MustNo(linker.ApplyEnv(&ctx.Arg))
	remaining := parseNonpositionalArgs(ctx)

	if ctx.Arg.ScriptPath == "" {
		utils.Fatal("no layout script given (-T)")
	}
	if err := script.LoadFile(ctx, ctx.Arg.ScriptPath); err != nil {
		report(ctx)
		utils.Fatal(err)
	}

	if ctx.Arg.Emulation == linker.MachineTypeNone {
		for _, filename := range remaining {
			if strings.HasPrefix(filename, "-") {
				continue
			}
			file := linker.MustNewFile(filename)
			ctx.Arg.Emulation = linker.GetMachineTypeFromContents(file.Contents)
			if ctx.Arg.Emulation != linker.MachineTypeNone {
				break
			}
		}
	}

	linker.ReadInputFiles(ctx, remaining)

	err := linker.Process(ctx)
	report(ctx)
	if err != nil {
		utils.Fatal(err)
	}

	if ctx.Arg.PrintMap {
		utils.MustNo(linker.WriteMap(ctx, os.Stdout))
	}
	if ctx.Arg.MapFile != "" {
		file, err := os.Create(ctx.Arg.MapFile)
		utils.MustNo(err)
		utils.MustNo(linker.WriteMap(ctx, file))
		utils.MustNo(file.Close())
	}
	if ctx.Arg.PrintMemoryUsage {
		linker.PrintMemoryUsage(ctx, os.Stdout)
	}
}

func report(ctx *linker.Context) {
	for _, w := range ctx.Diag.Warnings() {
		utils.Warn(w)
	}
}

func parseNonpositionalArgs(ctx *linker.Context) []string {
	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		if name[0] == 'o' {
			return []string{"--" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	args := os.Args[1:]
	remaining := make([]string, 0)
	var arg string

	readArg := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					utils.Fatal(fmt.Sprintf("option -%s: argument missing", name))
					return false
				}
				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}

			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}
		return false
	}

	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	readSize := func() uint64 {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			utils.Fatal(fmt.Sprintf("invalid number: %s", arg))
		}
		return v
	}

	// -Ttext=ADDR and friends pin a section like an address statement.
	var addresses [][2]string
	readSectionAddr := func() bool {
		for _, name := range []string{"text", "data", "bss"} {
			if readArg("T" + name) {
				addresses = append(addresses, [2]string{"." + name, arg})
				return true
			}
		}
		if readArg("section-start") {
			name, addr, ok := strings.Cut(arg, "=")
			if !ok {
				utils.Fatal("--section-start: expected SECTION=ADDRESS")
			}
			addresses = append(addresses, [2]string{name, addr})
			return true
		}
		return false
	}

	for len(args) > 0 {
		if readFlag("help") {
			fmt.Printf("Usage: %s -T script.yaml [options] file...\n", os.Args[0])
			os.Exit(0)
		}

		if readArg("o") || readArg("output") {
			ctx.Arg.Output = arg
		} else if readFlag("v") || readFlag("version") {
			fmt.Printf("ldlayout %s\n", version)
			os.Exit(0)
		} else if readArg("m") {
			mt, ok := linker.ParseMachineType(arg)
			if !ok {
				utils.Fatal(fmt.Sprintf("unknown -m argument: %s", arg))
			}
			ctx.Arg.Emulation = mt
		} else if readSectionAddr() {
			// Applied once the arguments are parsed.
		} else if readArg("T") || readArg("script") {
			ctx.Arg.ScriptPath = arg
		} else if readArg("config") {
			ctx.Arg.ConfigPath = arg
			utils.MustNo(linker.LoadOptions(ctx, arg))
		} else if readArg("L") || readArg("library-path") {
			ctx.Arg.LibraryPaths = append(ctx.Arg.LibraryPaths, arg)
		} else if readArg("l") {
			remaining = append(remaining, "-l"+arg)
		} else if readArg("R") || readArg("just-symbols") {
			remaining = append(remaining, "-R"+arg)
		} else if readArg("undefined") || readArg("u") {
			ctx.Arg.Undefined = append(ctx.Arg.Undefined, arg)
		} else if readArg("require-defined") {
			ctx.Arg.RequireDefined = append(ctx.Arg.RequireDefined, arg)
		} else if readFlag("M") || readFlag("print-map") {
			ctx.Arg.PrintMap = true
		} else if readArg("Map") {
			ctx.Arg.MapFile = arg
		} else if readFlag("print-memory-usage") {
			ctx.Arg.PrintMemoryUsage = true
		} else if readArg("orphan-handling") {
			h, ok := linker.ParseOrphanHandling(arg)
			if !ok {
				utils.Fatal(fmt.Sprintf("unknown --orphan-handling argument: %s", arg))
			}
			ctx.Arg.OrphanHandling = h
		} else if readArg("sort-section") {
			m, ok := linker.ParseSortMode(arg)
			if !ok {
				utils.Fatal(fmt.Sprintf("unknown --sort-section argument: %s", arg))
			}
			ctx.Arg.SortSection = m
		} else if readArg("relax-trips") {
			ctx.Arg.MaxRelaxTrips = int(readSize())
		} else if readFlag("relax") {
			ctx.Arg.Relax = true
		} else if readFlag("no-relax") {
			ctx.Arg.Relax = false
		} else if readFlag("strip-debug") || readFlag("S") {
			ctx.Arg.StripDebug = true
		} else if readFlag("check-sections") {
			ctx.Arg.CheckSections = true
		} else if readFlag("no-check-sections") {
			ctx.Arg.CheckSections = false
		} else if readFlag("fatal-warnings") {
			ctx.Arg.FatalWarnings = true
		} else if readFlag("warn-section-align") {
			ctx.Arg.WarnSectionAlign = true
		} else if readFlag("enable-non-contiguous-regions") {
			ctx.Arg.NonContiguousRegions = true
		} else if readFlag("enable-non-contiguous-regions-warnings") {
			ctx.Arg.NonContiguousRegionsWarnings = true
		} else if readArg("z") {
			switch {
			case arg == "relro":
				ctx.Arg.Relro = true
			case arg == "norelro":
				ctx.Arg.Relro = false
			case arg == "separate-code":
				ctx.Arg.SeparateCode = true
			case arg == "noseparate-code":
				ctx.Arg.SeparateCode = false
			case strings.HasPrefix(arg, "common-page-size="):
				arg = strings.TrimPrefix(arg, "common-page-size=")
				ctx.Arg.CommonPageSize = readSize()
			case strings.HasPrefix(arg, "max-page-size="):
				arg = strings.TrimPrefix(arg, "max-page-size=")
				ctx.Arg.MaxPageSize = readSize()
			default:
				// Ignored
			}
		} else if readArg("sysroot") ||
			readArg("plugin") ||
			readArg("plugin-opt") ||
			readFlag("as-needed") ||
			readFlag("start-group") ||
			readFlag("end-group") ||
			readFlag("static") ||
			readFlag("s") {
			// Ignored
		} else {
			if args[0][0] == '-' {
				utils.Fatal(fmt.Sprintf("unknown command line option: %s", args[0]))
			}
			remaining = append(remaining, args[0])
			args = args[1:]
		}
	}

	for i, path := range ctx.Arg.LibraryPaths {
		ctx.Arg.LibraryPaths[i] = filepath.Clean(path)
	}
	if ctx.Arg.MaxPageSize < ctx.Arg.CommonPageSize {
		ctx.Arg.MaxPageSize = ctx.Arg.CommonPageSize
	}

	for _, a := range addresses {
		e, err := script.ParseExpr(a[1])
		if err != nil {
			utils.Fatal(fmt.Sprintf("invalid address for %s: %s", a[0], a[1]))
		}
		utils.MustNo(ctx.Build(func() { ctx.AddAddress(a[0], e) }))
	}

	return remaining
}

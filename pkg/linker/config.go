package linker

import (
	"fmt"
	"os"
	"strconv"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Options is the YAML options file. Unset fields leave the context
// defaults alone.
type Options struct {
	Emulation      string   `yaml:"emulation"`
	OrphanHandling string   `yaml:"orphan-handling"`
	SortSection    string   `yaml:"sort-section"`
	MaxRelaxTrips  *int     `yaml:"max-relax-trips"`
	Relax          *bool    `yaml:"relax"`
	Relro          *bool    `yaml:"relro"`
	SeparateCode   *bool    `yaml:"separate-code"`
	StripDebug     *bool    `yaml:"strip-debug"`
	StrictRegions  *bool    `yaml:"strict-regions"`
	CheckSections  *bool    `yaml:"check-sections"`
	FatalWarnings  *bool    `yaml:"fatal-warnings"`
	WarnAlign      *bool    `yaml:"warn-section-align"`
	CommonPageSize *uint64  `yaml:"common-page-size"`
	MaxPageSize    *uint64  `yaml:"max-page-size"`
	LibraryPaths   []string `yaml:"library-paths"`
	Undefined      []string `yaml:"undefined"`
	RequireDefined []string `yaml:"require-defined"`

	NonContiguousRegions         *bool `yaml:"enable-non-contiguous-regions"`
	NonContiguousRegionsWarnings *bool `yaml:"enable-non-contiguous-regions-warnings"`
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// LoadOptions reads a YAML options file into ctx.Arg.
func LoadOptions(ctx *Context, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var opts Options
	if err := yaml.Unmarshal(contents, &opts); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return opts.Apply(&ctx.Arg)
}

func (o *Options) Apply(arg *ContextArg) error {
	if o.Emulation != "" {
		mt, ok := ParseMachineType(o.Emulation)
		if !ok {
			return fmt.Errorf("unknown emulation: %s", o.Emulation)
		}
		arg.Emulation = mt
	}
	if o.OrphanHandling != "" {
		h, ok := ParseOrphanHandling(o.OrphanHandling)
		if !ok {
			return fmt.Errorf("unknown orphan handling: %s", o.OrphanHandling)
		}
		arg.OrphanHandling = h
	}
	if o.SortSection != "" {
		m, ok := ParseSortMode(o.SortSection)
		if !ok {
			return fmt.Errorf("unknown sort mode: %s", o.SortSection)
		}
		arg.SortSection = m
	}

	setIf(&arg.MaxRelaxTrips, o.MaxRelaxTrips)
	setIf(&arg.Relax, o.Relax)
	setIf(&arg.Relro, o.Relro)
	setIf(&arg.SeparateCode, o.SeparateCode)
	setIf(&arg.StripDebug, o.StripDebug)
	setIf(&arg.StrictRegions, o.StrictRegions)
	setIf(&arg.CheckSections, o.CheckSections)
	setIf(&arg.FatalWarnings, o.FatalWarnings)
	setIf(&arg.WarnSectionAlign, o.WarnAlign)
	setIf(&arg.CommonPageSize, o.CommonPageSize)
	setIf(&arg.MaxPageSize, o.MaxPageSize)
	setIf(&arg.NonContiguousRegions, o.NonContiguousRegions)
	setIf(&arg.NonContiguousRegionsWarnings, o.NonContiguousRegionsWarnings)

	arg.LibraryPaths = append(arg.LibraryPaths, o.LibraryPaths...)
	arg.Undefined = append(arg.Undefined, o.Undefined...)
	arg.RequireDefined = append(arg.RequireDefined, o.RequireDefined...)
	return arg.check()
}

// ApplyEnv lets LDLAYOUT_* environment variables override the options.
func ApplyEnv(arg *ContextArg) error {
	if env.Has("LDLAYOUT_MAX_RELAX_TRIPS") {
		arg.MaxRelaxTrips = env.Int("LDLAYOUT_MAX_RELAX_TRIPS", arg.MaxRelaxTrips)
	}
	if env.Has("LDLAYOUT_ORPHAN_HANDLING") {
		s := env.Str("LDLAYOUT_ORPHAN_HANDLING")
		h, ok := ParseOrphanHandling(s)
		if !ok {
			return fmt.Errorf("LDLAYOUT_ORPHAN_HANDLING: unknown orphan handling: %s", s)
		}
		arg.OrphanHandling = h
	}
	if env.Has("LDLAYOUT_STRICT_REGIONS") {
		arg.StrictRegions = env.Bool("LDLAYOUT_STRICT_REGIONS")
	}

	for name, dst := range map[string]*uint64{
		"LDLAYOUT_COMMON_PAGE_SIZE": &arg.CommonPageSize,
		"LDLAYOUT_MAX_PAGE_SIZE":    &arg.MaxPageSize,
	} {
		if !env.Has(name) {
			continue
		}
		v, err := strconv.ParseUint(env.Str(name), 0, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
	}
	return arg.check()
}

func (arg *ContextArg) check() error {
	if arg.MaxRelaxTrips < 1 {
		return fmt.Errorf("max relax trips must be at least 1, got %d", arg.MaxRelaxTrips)
	}
	for _, size := range []uint64{arg.CommonPageSize, arg.MaxPageSize} {
		if size == 0 || size&(size-1) != 0 {
			return fmt.Errorf("page size 0x%x is not a power of two", size)
		}
	}
	if arg.MaxPageSize < arg.CommonPageSize {
		arg.MaxPageSize = arg.CommonPageSize
	}
	return nil
}

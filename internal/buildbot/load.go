package buildbot

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"

	"go.starlark.net/starlark"
	"golang.org/x/sync/errgroup"

	"github.com/kiwibrowser/infratool/internal/pyl"
)

// Input file names inside the pyl directory.
const (
	WaterfallsFile = "waterfalls.pyl"
	TestSuitesFile = "test_suites.pyl"
	ExceptionsFile = "test_suite_exceptions.pyl"
	MixinsFile     = "mixins.pyl"
)

// Waterfall is one entry of waterfalls.pyl.
type Waterfall struct {
	Name              string
	ForbidScriptTests bool
	Mixins            []string
	Machines          map[string]*Tester
}

// Tester is one machine on a waterfall.
type Tester struct {
	// Config is the machine's full definition.
	Config map[string]any
	// TestSuites maps a test type such as "gtest_tests" to a suite name.
	TestSuites map[string]string
	Mixins     []string
}

// Inputs holds the decoded input files.
type Inputs struct {
	Dir            string
	Waterfalls     []*Waterfall
	BasicSuites    map[string]map[string]any
	CompoundSuites map[string][]string
	Exceptions     map[string]map[string]any
	Mixins         map[string]map[string]any

	// raw keeps the Starlark values by file name for key-order checks.
	raw map[string]starlark.Value
}

// Load reads the input files in dir concurrently. test_suite_exceptions.pyl
// and mixins.pyl are optional.
func Load(ctx context.Context, dir string) (*Inputs, error) {
	names := []string{WaterfallsFile, TestSuitesFile, ExceptionsFile, MixinsFile}
	optional := map[string]bool{ExceptionsFile: true, MixinsFile: true}
	files := make([]*pyl.File, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := pyl.LoadFile(filepath.Join(dir, name))
			if err != nil {
				if optional[name] && errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	in := &Inputs{
		Dir:        dir,
		Exceptions: map[string]map[string]any{},
		Mixins:     map[string]map[string]any{},
		raw:        map[string]starlark.Value{},
	}
	for i, f := range files {
		if f != nil {
			in.raw[names[i]] = f.Raw
		}
	}

	var err error
	if in.Waterfalls, err = decodeWaterfalls(files[0].Value); err != nil {
		return nil, err
	}
	if in.BasicSuites, in.CompoundSuites, err = decodeTestSuites(files[1].Value); err != nil {
		return nil, err
	}
	if files[2] != nil {
		if in.Exceptions, err = decodeDictOfDicts(ExceptionsFile, files[2].Value); err != nil {
			return nil, err
		}
	}
	if files[3] != nil {
		if in.Mixins, err = decodeDictOfDicts(MixinsFile, files[3].Value); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func decodeWaterfalls(v any) ([]*Waterfall, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, genErrorf("%s must contain a list of waterfalls", WaterfallsFile)
	}
	waterfalls := make([]*Waterfall, 0, len(list))
	for i, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, genErrorf("%s: waterfall %d must be a dictionary", WaterfallsFile, i)
		}
		name, _ := m["name"].(string)
		if name == "" {
			return nil, genErrorf("%s: waterfall %d has no name", WaterfallsFile, i)
		}
		machines, ok := m["machines"].(map[string]any)
		if !ok {
			return nil, genErrorf("%s: waterfall %s has no machines dictionary", WaterfallsFile, name)
		}
		w := &Waterfall{
			Name:              name,
			ForbidScriptTests: boolValue(m, "forbid_script_tests", false),
			Mixins:            stringsValue(m["mixins"]),
			Machines:          make(map[string]*Tester, len(machines)),
		}
		for testerName, cfg := range machines {
			config, ok := cfg.(map[string]any)
			if !ok {
				return nil, genErrorf("%s: machine %s on waterfall %s must be a dictionary",
					WaterfallsFile, testerName, name)
			}
			tester, err := decodeTester(config, testerName, name)
			if err != nil {
				return nil, err
			}
			w.Machines[testerName] = tester
		}
		waterfalls = append(waterfalls, w)
	}
	return waterfalls, nil
}

func decodeTester(config map[string]any, testerName, waterfall string) (*Tester, error) {
	t := &Tester{
		Config:     config,
		TestSuites: map[string]string{},
		Mixins:     stringsValue(config["mixins"]),
	}
	suites, ok := config["test_suites"]
	if !ok {
		return t, nil
	}
	m, ok := suites.(map[string]any)
	if !ok {
		return nil, genErrorf("test_suites of machine %s on waterfall %s must be a dictionary", testerName, waterfall)
	}
	for kind, suite := range m {
		name, ok := suite.(string)
		if !ok {
			return nil, genErrorf("Test suite for %s on machine %s on waterfall %s must be a suite name",
				kind, testerName, waterfall)
		}
		t.TestSuites[kind] = name
	}
	return t, nil
}

func decodeTestSuites(v any) (map[string]map[string]any, map[string][]string, error) {
	top, ok := v.(map[string]any)
	if !ok {
		return nil, nil, genErrorf("%s must contain a dictionary", TestSuitesFile)
	}
	for key := range top {
		if key != "basic_suites" && key != "compound_suites" {
			return nil, nil, genErrorf("%s: unknown top-level key %s", TestSuitesFile, key)
		}
	}

	basic, err := decodeDictOfDicts(TestSuitesFile+" basic_suites", orEmpty(top["basic_suites"]))
	if err != nil {
		return nil, nil, err
	}

	compoundRaw, ok := orEmpty(top["compound_suites"]).(map[string]any)
	if !ok {
		return nil, nil, genErrorf("%s: compound_suites must be a dictionary", TestSuitesFile)
	}
	compound := make(map[string][]string, len(compoundRaw))
	for name, refs := range compoundRaw {
		list, ok := refs.([]any)
		if !ok || !allStrings(list) {
			return nil, nil, genErrorf("%s: compound suite %s must be a list of suite names", TestSuitesFile, name)
		}
		compound[name] = stringsValue(list)
	}
	return basic, compound, nil
}

func decodeDictOfDicts(what string, v any) (map[string]map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, genErrorf("%s must contain a dictionary", what)
	}
	out := make(map[string]map[string]any, len(m))
	for key, val := range m {
		entry, ok := val.(map[string]any)
		if !ok {
			return nil, genErrorf("%s: entry %s must be a dictionary", what, key)
		}
		out[key] = entry
	}
	return out, nil
}

func orEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

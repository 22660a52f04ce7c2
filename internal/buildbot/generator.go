// Package buildbot turns the waterfall, test suite, exception and mixin .pyl
// files into one JSON file per waterfall describing the tests each machine
// runs, and checks the inputs and generated files for consistency.
package buildbot

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const (
	autogenHeader  = "AAAAA1 AUTOGENERATED FILE DO NOT EDIT"
	autogenPointer = "AAAAA2 See generate_buildbot_json.py to make changes"
)

type generateFunc func(g *Generator, w *Waterfall, testerName string, tester *Tester, tests map[string]any) ([]map[string]any, error)

type testGenerator struct {
	generate generateFunc
	sortKey  string
}

var generators = map[string]testGenerator{
	"gtest_tests":      {generate: (*Generator).generateGTests, sortKey: "test"},
	"isolated_scripts": {generate: (*Generator).generateIsolatedScripts, sortKey: "name"},
	"scripts":          {generate: (*Generator).generateScripts, sortKey: "name"},
	"junit_tests":      {generate: (*Generator).generateJUnitTests, sortKey: "test"},
}

// Generator produces waterfall JSON from loaded inputs.
type Generator struct {
	in     *Inputs
	logger *slog.Logger

	// suites holds basic suites and resolved compound suites by name.
	suites map[string]map[string]any
	linked bool
}

// NewGenerator wraps loaded inputs. Call Resolve before generating.
func NewGenerator(in *Inputs, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Generator{in: in, logger: logger}
}

// Resolve flattens compound suites and links waterfalls to them.
func (g *Generator) Resolve() error {
	if err := g.ResolveCompositionSuites(); err != nil {
		return err
	}
	return g.LinkWaterfalls()
}

// ResolveCompositionSuites expands every compound suite into the union of
// the basic suites it names.
func (g *Generator) ResolveCompositionSuites() error {
	suites := maps.Clone(g.in.BasicSuites)
	if suites == nil {
		suites = map[string]map[string]any{}
	}
	for _, name := range sortedKeys(g.in.CompoundSuites) {
		if _, ok := g.in.BasicSuites[name]; ok {
			return genErrorf("Composition test suite names may not duplicate basic test suite names (error found while processing %s)", name)
		}
		full := map[string]any{}
		seen := map[string]string{}
		for _, sub := range g.in.CompoundSuites[name] {
			if _, ok := g.in.CompoundSuites[sub]; ok {
				return genErrorf("Composition test suites may not refer to other composition test suites (error found while processing %s)", name)
			}
			basic, ok := g.in.BasicSuites[sub]
			if !ok {
				return genErrorf("Unable to find reference to %s while processing %s", sub, name)
			}
			for _, test := range sortedKeys(basic) {
				if prev, ok := seen[test]; ok {
					if !reflect.DeepEqual(full[test], basic[test]) {
						return genErrorf("Conflicting test definitions for %s from %s and %s in Composition test suite (error found while processing %s)",
							test, prev, sub, name)
					}
					continue
				}
				seen[test] = sub
				full[test] = basic[test]
			}
		}
		suites[name] = full
	}
	g.suites = suites
	return nil
}

// LinkWaterfalls checks that every machine names known test types and suites.
func (g *Generator) LinkWaterfalls() error {
	if g.suites == nil {
		return errors.New("composition test suites have not been resolved")
	}
	for _, w := range g.in.Waterfalls {
		for _, testerName := range sortedKeys(w.Machines) {
			tester := w.Machines[testerName]
			for _, kind := range sortedKeys(tester.TestSuites) {
				if _, ok := generators[kind]; !ok {
					return unknownTestSuiteType(kind, testerName, w.Name)
				}
				if suite := tester.TestSuites[kind]; g.suites[suite] == nil {
					return unknownTestSuite(suite, testerName, w.Name)
				}
			}
		}
	}
	g.linked = true
	return nil
}

// Waterfalls returns the waterfalls matching filters, or all of them when
// filters is empty. Naming an unknown waterfall is an error.
func (g *Generator) Waterfalls(filters []string) ([]*Waterfall, error) {
	if len(filters) == 0 {
		return g.in.Waterfalls, nil
	}
	var out []*Waterfall
	for _, name := range filters {
		idx := slices.IndexFunc(g.in.Waterfalls, func(w *Waterfall) bool { return w.Name == name })
		if idx < 0 {
			return nil, fmt.Errorf("unknown waterfall %s", name)
		}
		out = append(out, g.in.Waterfalls[idx])
	}
	return out, nil
}

// GenerateWaterfallJSON renders the JSON file for one waterfall.
func (g *Generator) GenerateWaterfallJSON(w *Waterfall) ([]byte, error) {
	if !g.linked {
		return nil, errors.New("inputs have not been resolved")
	}
	all := map[string]any{
		autogenHeader:  map[string]any{},
		autogenPointer: map[string]any{},
	}
	for _, testerName := range sortedKeys(w.Machines) {
		tester := w.Machines[testerName]
		tests := map[string]any{}
		if targets, ok := tester.Config["additional_compile_targets"]; ok {
			tests["additional_compile_targets"] = deepCopy(targets)
		}
		for _, kind := range sortedKeys(tester.TestSuites) {
			gen := generators[kind]
			generated, err := gen.generate(g, w, testerName, tester, g.suites[tester.TestSuites[kind]])
			if err != nil {
				return nil, err
			}
			slices.SortStableFunc(generated, func(a, b map[string]any) int {
				return cmp.Compare(fmt.Sprint(a[gen.sortKey]), fmt.Sprint(b[gen.sortKey]))
			})
			list := make([]any, len(generated))
			for i, t := range generated {
				list[i] = t
			}
			tests[kind] = list
		}
		all[testerName] = tests
	}
	return marshalJSON(all)
}

// marshalJSON writes v the way json.dumps(v, indent=2, sort_keys=True) does:
// sorted keys, two-space indentation, integral floats keep their ".0" and
// non-ASCII text is \u-escaped. A trailing newline is added.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(integralFloats(v)); err != nil {
		return nil, err
	}
	return escapeNonASCII(buf.Bytes()), nil
}

// integralFloats returns a copy of v with whole float64 values replaced by
// numbers that keep a ".0" suffix.
func integralFloats(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e16 {
			return json.Number(strconv.FormatFloat(val, 'f', -1, 64) + ".0")
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = integralFloats(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = integralFloats(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = integralFloats(item)
		}
		return out
	default:
		return v
	}
}

// escapeNonASCII rewrites every non-ASCII rune in encoded JSON as \uXXXX,
// using a surrogate pair above U+FFFF. Such runes only occur inside strings.
func escapeNonASCII(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
			continue
		}
		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			out = fmt.Appendf(out, `\u%04x\u%04x`, r1, r2)
			continue
		}
		out = fmt.Appendf(out, `\u%04x`, r)
	}
	return out
}

// Generate renders the selected waterfalls concurrently, keyed by file name.
func (g *Generator) Generate(ctx context.Context, filters []string) (map[string][]byte, error) {
	waterfalls, err := g.Waterfalls(filters)
	if err != nil {
		return nil, err
	}
	rendered := make([][]byte, len(waterfalls))
	eg, ctx := errgroup.WithContext(ctx)
	for i, w := range waterfalls {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := g.GenerateWaterfallJSON(w)
			if err != nil {
				return fmt.Errorf("waterfall %s: %w", w.Name, err)
			}
			rendered[i] = data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(waterfalls))
	for i, w := range waterfalls {
		out[OutputFileName(w.Name)] = rendered[i]
	}
	return out, nil
}

// OutputFileName is the generated file name for a waterfall.
func OutputFileName(waterfall string) string {
	return waterfall + ".json"
}

// WriteJSONs generates the selected waterfalls into outDir.
func (g *Generator) WriteJSONs(ctx context.Context, outDir string, filters []string) ([]string, error) {
	files, err := g.Generate(ctx, filters)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	var written []string
	for _, name := range sortedKeys(files) {
		path := filepath.Join(outDir, name)
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", name, err)
		}
		g.logger.Debug("wrote waterfall", slog.String("path", path))
		written = append(written, path)
	}
	return written, nil
}

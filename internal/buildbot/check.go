package buildbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.starlark.net/starlark"

	"github.com/kiwibrowser/infratool/internal/pyl"
)

// CheckConsistency validates the inputs beyond what generation needs: key
// order in every file, references from machines to suites, and that every
// suite, exception and mixin is used. All problems are returned joined.
func (g *Generator) CheckConsistency() error {
	problems := g.checkSorting()

	if err := g.Resolve(); err != nil {
		return errors.Join(append(problems, err)...)
	}

	problems = append(problems, g.checkUnreferencedSuites()...)
	problems = append(problems, g.checkExceptions()...)
	problems = append(problems, g.checkUnreferencedMixins()...)
	return errors.Join(problems...)
}

func (g *Generator) checkSorting() []error {
	var details []string
	bad := map[string]bool{}
	report := func(file string, found []string) {
		if len(found) > 0 {
			bad[file] = true
			details = append(details, found...)
		}
	}

	waterfalls := pyl.Items(g.in.raw[WaterfallsFile])
	var names []string
	for _, w := range waterfalls {
		name, _ := pyl.Lookup(w, "name").(starlark.String)
		names = append(names, string(name))
	}
	if prev, next, ok := pyl.FirstUnsorted(names); ok {
		report(WaterfallsFile, []string{fmt.Sprintf("%s: waterfall %q sorts after %q", WaterfallsFile, prev, next)})
	}
	for i, w := range waterfalls {
		label := fmt.Sprintf("%s: machines of %s", WaterfallsFile, names[i])
		report(WaterfallsFile, pyl.UnsortedKeys(pyl.Lookup(w, "machines"), label))
	}

	suites := g.in.raw[TestSuitesFile]
	for _, section := range []string{"basic_suites", "compound_suites"} {
		v := pyl.Lookup(suites, section)
		report(TestSuitesFile, pyl.UnsortedKeys(v, TestSuitesFile+": "+section))
		if section == "basic_suites" {
			for _, name := range pyl.Keys(v) {
				report(TestSuitesFile, pyl.UnsortedKeys(pyl.Lookup(v, name), TestSuitesFile+": "+name))
			}
		}
	}

	if exceptions, ok := g.in.raw[ExceptionsFile]; ok {
		report(ExceptionsFile, pyl.UnsortedKeys(exceptions, ExceptionsFile))
		for _, test := range pyl.Keys(exceptions) {
			if prev, next, ok := pyl.FirstUnsorted(pyl.Strings(pyl.Lookup(exceptions, test, "remove_from"))); ok {
				report(ExceptionsFile, []string{fmt.Sprintf("%s: remove_from of %s: %q sorts after %q",
					ExceptionsFile, test, prev, next)})
			}
		}
	}

	if mixins, ok := g.in.raw[MixinsFile]; ok {
		report(MixinsFile, pyl.UnsortedKeys(mixins, MixinsFile))
	}

	if len(bad) == 0 {
		return nil
	}
	g.logger.Debug("unsorted inputs", slog.Int("count", len(details)))
	return []error{genErrorf("The following files have invalid keys: %s. They are unsorted:\n  %s",
		strings.Join(sortedKeys(bad), ", "), strings.Join(details, "\n  "))}
}

func (g *Generator) checkUnreferencedSuites() []error {
	referenced := map[string]bool{}
	for _, w := range g.in.Waterfalls {
		for _, tester := range w.Machines {
			for _, suite := range tester.TestSuites {
				referenced[suite] = true
				for _, sub := range g.in.CompoundSuites[suite] {
					referenced[sub] = true
				}
			}
		}
	}
	var missing []string
	for name := range g.suites {
		if !referenced[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return []error{genErrorf("The following test suites were unreferenced by bots on the waterfalls: %s",
		strings.Join(missing, ", "))}
}

func (g *Generator) checkExceptions() []error {
	bots := map[string]bool{}
	for _, w := range g.in.Waterfalls {
		for name := range w.Machines {
			bots[name] = true
			bots[name+" "+w.Name] = true
		}
	}
	tests := map[string]bool{}
	for _, suite := range g.in.BasicSuites {
		for name := range suite {
			tests[name] = true
		}
	}

	missingBots := map[string]bool{}
	var unknownTests []string
	for _, testName := range sortedKeys(g.in.Exceptions) {
		exception := g.in.Exceptions[testName]
		if !tests[testName] {
			unknownTests = append(unknownTests, testName)
		}
		referenced := stringsValue(exception["remove_from"])
		for _, section := range []string{"modifications", "replacements"} {
			if m, ok := exception[section].(map[string]any); ok {
				referenced = append(referenced, sortedKeys(m)...)
			}
		}
		for _, bot := range referenced {
			if !bots[bot] {
				missingBots[bot] = true
			}
		}
	}

	var problems []error
	if len(missingBots) > 0 {
		problems = append(problems, genErrorf("The following nonexistent machines were referenced in the test suite exceptions: %s",
			strings.Join(sortedKeys(missingBots), ", ")))
	}
	if len(unknownTests) > 0 {
		problems = append(problems, genErrorf("The following test suite exceptions name tests that are in no suite: %s",
			strings.Join(unknownTests, ", ")))
	}
	return problems
}

func (g *Generator) checkUnreferencedMixins() []error {
	seen := map[string]bool{}
	mark := func(names []string) {
		for _, n := range names {
			seen[n] = true
		}
	}
	for _, w := range g.in.Waterfalls {
		mark(w.Mixins)
		for _, tester := range w.Machines {
			mark(tester.Mixins)
		}
	}
	for _, suite := range g.in.BasicSuites {
		for _, test := range suite {
			if m, ok := test.(map[string]any); ok {
				mark(stringsValue(m["mixins"]))
			}
		}
	}

	var missing []string
	for _, name := range sortedKeys(g.in.Mixins) {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return []error{genErrorf("The following mixins are unreferenced: %s. They must be referenced in a waterfall, machine, or test suite.",
		strings.Join(missing, ", "))}
}

// CheckOutputFiles regenerates the selected waterfalls and compares them with
// the files in outDir. When diff is non-nil a unified diff of every outdated
// file is written to it. The returned error matches ErrOutdated.
func (g *Generator) CheckOutputFiles(ctx context.Context, outDir string, filters []string, diff io.Writer) error {
	if !g.linked {
		if err := g.Resolve(); err != nil {
			return err
		}
	}
	expected, err := g.Generate(ctx, filters)
	if err != nil {
		return err
	}

	var outdated []string
	for _, name := range sortedKeys(expected) {
		current, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if string(current) == string(expected[name]) {
			continue
		}
		waterfall := strings.TrimSuffix(name, ".json")
		outdated = append(outdated, waterfall)
		if diff != nil {
			if err := writeDiff(diff, waterfall, string(expected[name]), string(current)); err != nil {
				return err
			}
		}
	}
	if len(outdated) > 0 {
		return &OutdatedError{Waterfalls: outdated}
	}
	return nil
}

func writeDiff(w io.Writer, waterfall, expected, current string) error {
	fmt.Fprintf(w, "Waterfall %s did not have the following expected contents:\n", waterfall)
	return difflib.WriteUnifiedDiff(w, difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(current),
		FromFile: "expected",
		ToFile:   "current",
		Context:  3,
	})
}

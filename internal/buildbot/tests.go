package buildbot

import (
	"maps"
	"slices"
)

func (g *Generator) generateGTests(w *Waterfall, testerName string, tester *Tester, tests map[string]any) ([]map[string]any, error) {
	return g.eachTest(w, testerName, tests, func(name string, def map[string]any) (map[string]any, error) {
		result := copyMap(def)
		if _, ok := result["test"]; ok {
			result["name"] = name
		} else {
			result["test"] = name
		}
		return g.swarmingTest(result, w, testerName, tester, name)
	})
}

func (g *Generator) generateIsolatedScripts(w *Waterfall, testerName string, tester *Tester, tests map[string]any) ([]map[string]any, error) {
	return g.eachTest(w, testerName, tests, func(name string, def map[string]any) (map[string]any, error) {
		result := copyMap(def)
		if _, ok := result["isolate_name"]; !ok {
			result["isolate_name"] = name
		}
		result["name"] = name
		return g.swarmingTest(result, w, testerName, tester, name)
	})
}

func (g *Generator) generateScripts(w *Waterfall, testerName string, _ *Tester, tests map[string]any) ([]map[string]any, error) {
	if w.ForbidScriptTests {
		return nil, genErrorf("Attempted to generate a script test on tester %s, which explicitly forbids script tests", testerName)
	}
	return g.eachTest(w, testerName, tests, func(name string, def map[string]any) (map[string]any, error) {
		script, ok := def["script"].(string)
		if !ok {
			return nil, genErrorf("Script test %s on tester %s has no script", name, testerName)
		}
		result := map[string]any{"name": name, "script": script}
		return g.updateAndCleanupTest(result, w, testerName, name)
	})
}

func (g *Generator) generateJUnitTests(w *Waterfall, testerName string, _ *Tester, tests map[string]any) ([]map[string]any, error) {
	return g.eachTest(w, testerName, tests, func(name string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"test": name}, nil
	})
}

// eachTest calls fn for every test of a suite that should run on the tester,
// in name order.
func (g *Generator) eachTest(w *Waterfall, testerName string, tests map[string]any,
	fn func(name string, def map[string]any) (map[string]any, error),
) ([]map[string]any, error) {
	var out []map[string]any
	for _, name := range sortedKeys(tests) {
		if !g.shouldRunOnTester(w, testerName, name) {
			g.logger.Debug("test removed by exception",
				"test", name, "tester", testerName, "waterfall", w.Name)
			continue
		}
		def, ok := tests[name].(map[string]any)
		if !ok {
			return nil, genErrorf("Definition of test %s must be a dictionary", name)
		}
		result, err := fn(name, def)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

// shouldRunOnTester reports whether no exception removes the test from the
// tester. remove_from entries may name "<tester>" or "<tester> <waterfall>".
func (g *Generator) shouldRunOnTester(w *Waterfall, testerName, testName string) bool {
	removeFrom := stringsValue(g.in.Exceptions[testName]["remove_from"])
	return !slices.Contains(removeFrom, testerName) && !slices.Contains(removeFrom, testerName+" "+w.Name)
}

// exceptionFor returns the tester's entry in one section of a test's
// exception, trying "<tester>" before "<tester> <waterfall>".
func (g *Generator) exceptionFor(section string, w *Waterfall, testerName, testName string) map[string]any {
	entries, _ := g.in.Exceptions[testName][section].(map[string]any)
	for _, key := range []string{testerName, testerName + " " + w.Name} {
		if m, ok := entries[key].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func (g *Generator) swarmingTest(result map[string]any, w *Waterfall, testerName string, tester *Tester, testName string) (map[string]any, error) {
	if err := initializeSwarming(result, tester.Config); err != nil {
		return nil, err
	}
	result, err := g.updateAndCleanupTest(result, w, testerName, testName)
	if err != nil {
		return nil, err
	}
	if result, err = g.applyMixins(result, w, testerName, tester, testName); err != nil {
		return nil, err
	}
	if sw, ok := result["swarming"].(map[string]any); ok {
		cleanSwarming(sw)
	}
	return result, nil
}

// updateAndCleanupTest merges the tester's modifications into the test and
// then applies argument replacements.
func (g *Generator) updateAndCleanupTest(test map[string]any, w *Waterfall, testerName, testName string) (map[string]any, error) {
	if mods := g.exceptionFor("modifications", w, testerName, testName); mods != nil {
		var err error
		if test, err = DictionaryMerge(test, mods); err != nil {
			return nil, err
		}
	}
	if repl := g.exceptionFor("replacements", w, testerName, testName); repl != nil {
		if err := replaceTestArgs(test, repl, testName, testerName); err != nil {
			return nil, err
		}
	}
	return test, nil
}

func initializeSwarming(test, tester map[string]any) error {
	sw, ok := test["swarming"].(map[string]any)
	if !ok {
		sw = map[string]any{}
		test["swarming"] = sw
	}
	if _, ok := sw["can_use_on_swarming_builders"]; !ok {
		sw["can_use_on_swarming_builders"] = boolValue(tester, "use_swarming", true)
	}
	testerSwarming, ok := tester["swarming"].(map[string]any)
	if !ok {
		return nil
	}
	if _, ok := sw["dimension_sets"]; !ok {
		if sets, ok := testerSwarming["dimension_sets"]; ok {
			sw["dimension_sets"] = deepCopy(sets)
		}
	}
	_, err := DictionaryMerge(sw, testerSwarming)
	return err
}

// applyMixins applies waterfall, tester and test mixins in that order,
// skipping any the test lists under remove_mixins.
func (g *Generator) applyMixins(test map[string]any, w *Waterfall, testerName string, tester *Tester, testName string) (map[string]any, error) {
	names := slices.Concat(w.Mixins, tester.Mixins, stringsValue(test["mixins"]))
	removed := stringsValue(test["remove_mixins"])
	delete(test, "mixins")
	delete(test, "remove_mixins")

	applied := map[string]bool{}
	for _, name := range names {
		if applied[name] || slices.Contains(removed, name) {
			continue
		}
		mixin, ok := g.in.Mixins[name]
		if !ok {
			return nil, genErrorf("Mixin %s referenced by test %s on tester %s does not exist", name, testName, testerName)
		}
		var err error
		if test, err = applyMixin(copyMap(mixin), test); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return test, nil
}

// applyMixin updates test with a mixin it owns. swarming "dimensions" are
// added to every dimension set, "$mixin_append" lists extend the test's
// lists, and all other keys replace the test's.
func applyMixin(mixin, test map[string]any) (map[string]any, error) {
	delete(mixin, "description")

	if swarming, ok := mixin["swarming"].(map[string]any); ok {
		sw, ok := test["swarming"].(map[string]any)
		if !ok {
			sw = map[string]any{}
			test["swarming"] = sw
		}
		if dims, ok := swarming["dimensions"].(map[string]any); ok {
			sets, _ := sw["dimension_sets"].([]any)
			if len(sets) == 0 {
				sets = []any{map[string]any{}}
			}
			for i, set := range sets {
				m, ok := set.(map[string]any)
				if !ok {
					m = map[string]any{}
				}
				maps.Copy(m, dims)
				sets[i] = m
			}
			sw["dimension_sets"] = sets
			delete(swarming, "dimensions")
		}
		maps.Copy(sw, swarming)
		delete(mixin, "swarming")
	}

	if appendRaw, ok := mixin["$mixin_append"]; ok {
		appends, ok := appendRaw.(map[string]any)
		if !ok {
			return nil, genErrorf("$mixin_append must be a dictionary")
		}
		for _, key := range sortedKeys(appends) {
			extra, ok := appends[key].([]any)
			if !ok {
				return nil, genErrorf("Key %q in $mixin_append must be a list.", key)
			}
			existing, ok := test[key].([]any)
			if _, present := test[key]; present && !ok {
				return nil, genErrorf("Cannot apply $mixin_append to non-list %q.", key)
			}
			test[key] = slices.Concat(existing, extra)
		}
		if args, ok := test["args"].([]any); ok && appends["args"] != nil {
			test["args"] = mergeFeatureArgs(args)
		}
		delete(mixin, "$mixin_append")
	}

	maps.Copy(test, mixin)
	return test, nil
}

// cleanSwarming drops redundant swarming entries. A test that cannot use
// swarming keeps only that flag.
func cleanSwarming(sw map[string]any) {
	if !boolValue(sw, "can_use_on_swarming_builders", false) {
		clear(sw)
		sw["can_use_on_swarming_builders"] = false
		return
	}
	if numberEquals(sw["shards"], 1) {
		delete(sw, "shards")
	}
	if numberEquals(sw["hard_timeout"], 0) {
		delete(sw, "hard_timeout")
	}
}

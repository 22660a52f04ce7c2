package buildbot

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

var featureFlagPrefixes = []string{"--enable-features=", "--disable-features="}

// DictionaryMerge merges b into a and returns a. Nested dicts merge
// recursively; equal leaves are left alone. Two lists of strings are
// concatenated, keeping argument order, with repeated feature flags folded
// into one. Other lists merge element by element. Otherwise b wins, and a
// nil in b deletes the key from a. A nil for a key a lacks is stored as nil,
// which encodes as null. b is never modified.
func DictionaryMerge(a, b map[string]any) (map[string]any, error) {
	return dictionaryMerge(a, b, nil)
}

func dictionaryMerge(a, b map[string]any, path []string) (map[string]any, error) {
	if a == nil {
		a = map[string]any{}
	}
	for _, key := range sortedKeys(b) {
		bv := b[key]
		av, exists := a[key]
		if !exists {
			a[key] = deepCopy(bv)
			continue
		}

		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		al, aIsList := av.([]any)
		bl, bIsList := bv.([]any)

		switch {
		case aIsMap && bIsMap:
			merged, err := dictionaryMerge(am, bm, appendPath(path, key))
			if err != nil {
				return nil, err
			}
			a[key] = merged
		case reflect.DeepEqual(av, bv):
		case aIsList && bIsList && allStrings(al, bl):
			joined := make([]any, 0, len(al)+len(bl))
			joined = append(joined, al...)
			joined = append(joined, deepCopy(bl).([]any)...)
			a[key] = mergeFeatureArgs(joined)
		case aIsList && bIsList:
			for idx := range bl {
				var (
					elemA map[string]any
					elemB map[string]any
					ok    bool
				)
				if idx < len(al) {
					elemA, ok = al[idx].(map[string]any)
				}
				if ok {
					elemB, ok = bl[idx].(map[string]any)
				}
				if !ok {
					return nil, genErrorf("Error merging list keys %s and indices %d at %s",
						key, idx, strings.Join(appendPath(path, key), "."))
				}
				merged, err := dictionaryMerge(elemA, elemB, appendPath(path, key, fmt.Sprint(idx)))
				if err != nil {
					return nil, err
				}
				al[idx] = merged
			}
		case bv == nil:
			delete(a, key)
		default:
			a[key] = deepCopy(bv)
		}
	}
	return a, nil
}

func appendPath(path []string, elems ...string) []string {
	return append(slices.Clip(path), elems...)
}

func mergeFeatureArgs(args []any) []any {
	for _, prefix := range featureFlagPrefixes {
		args = mergeCommandLineArgs(args, prefix, ",")
	}
	return args
}

// mergeCommandLineArgs folds every argument starting with prefix into the
// first such argument, joining their values with sep.
func mergeCommandLineArgs(args []any, prefix, sep string) []any {
	out := make([]any, 0, len(args))
	first := -1
	var values []string
	for _, arg := range args {
		s, _ := arg.(string)
		if value, ok := strings.CutPrefix(s, prefix); ok {
			values = append(values, value)
			if first >= 0 {
				continue
			}
			first = len(out)
		}
		out = append(out, arg)
	}
	if first >= 0 {
		out[first] = prefix + strings.Join(values, sep)
	}
	return out
}

var validReplacementKeys = []string{"args", "non_precommit_args", "precommit_args"}

// replaceTestArgs applies an exception's replacements to the argument lists
// of test. A replacement value rewrites "--flag" or "--flag=x" to
// "--flag=value"; nil removes the argument.
func replaceTestArgs(test map[string]any, replacements map[string]any, testName, tester string) error {
	for _, key := range sortedKeys(replacements) {
		if !slices.Contains(validReplacementKeys, key) {
			return genErrorf("Given replacement key %s for %s on %s is not in the list of valid keys %s",
				key, testName, tester, strings.Join(validReplacementKeys, ", "))
		}
		flags, ok := replacements[key].(map[string]any)
		if !ok {
			return genErrorf("Replacements for %s of %s on %s must be a dictionary", key, testName, tester)
		}
		args, _ := test[key].([]any)
		for _, flag := range sortedKeys(flags) {
			idx := slices.IndexFunc(args, func(arg any) bool {
				s, _ := arg.(string)
				return s == flag || strings.HasPrefix(s, flag+"=")
			})
			if idx < 0 {
				return genErrorf("Could not find %s in existing list of values for key %s in test %s on tester %s",
					flag, key, testName, tester)
			}
			if value := flags[flag]; value == nil {
				args = slices.Delete(args, idx, idx+1)
			} else {
				args[idx] = fmt.Sprintf("%s=%v", flag, value)
			}
		}
		test[key] = args
	}
	return nil
}

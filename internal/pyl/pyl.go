// Package pyl reads .pyl files: Python literal expressions (dicts, lists,
// strings, numbers, True/False/None, comments, trailing commas) used as
// configuration. Files are evaluated as a single Starlark expression with no
// predeclared names beyond the Starlark universe, so they cannot run code.
//
// Unlike Python, Starlark does not join adjacent string literals:
// ['--a=' 'b'] is a syntax error and must be written ['--a=' + 'b'].
package pyl

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// File is a loaded .pyl file. Raw keeps the Starlark value, whose dicts
// remember insertion order; Value is the plain Go form.
type File struct {
	Path  string
	Raw   starlark.Value
	Value any
}

// LoadFile reads and evaluates path.
func LoadFile(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := Parse(path, src)
	if err != nil {
		return nil, err
	}
	v, err := ToGo(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{Path: path, Raw: raw, Value: v}, nil
}

// Parse evaluates src as one expression.
func Parse(filename string, src []byte) (starlark.Value, error) {
	thread := &starlark.Thread{
		Name:  filename,
		Print: func(*starlark.Thread, string) {},
	}
	v, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, filename, src, nil)
	if err != nil {
		var synErr syntax.Error
		if errors.As(err, &synErr) && strings.HasPrefix(synErr.Msg, "got string literal") {
			return nil, fmt.Errorf("failed to parse %s: %w (adjacent string literals must be joined with +, or a comma is missing)", filename, err)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return v, nil
}

// ToGo converts a Starlark value into string, int64, float64, bool, []any,
// map[string]any, or nil. Integer dict keys become decimal strings.
func ToGo(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case *starlark.List:
		return sequenceToGo(val)
	case starlark.Tuple:
		return sequenceToGo(val)
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, err := keyString(item[0])
			if err != nil {
				return nil, err
			}
			gv, err := ToGo(item[1])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			out[key] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

func sequenceToGo(seq starlark.Indexable) ([]any, error) {
	out := make([]any, seq.Len())
	for i := range out {
		gv, err := ToGo(seq.Index(i))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = gv
	}
	return out, nil
}

func keyString(k starlark.Value) (string, error) {
	switch key := k.(type) {
	case starlark.String:
		return string(key), nil
	case starlark.Int:
		if i, ok := key.Int64(); ok {
			return strconv.FormatInt(i, 10), nil
		}
	}
	return "", fmt.Errorf("unsupported dict key %s of type %s", k, k.Type())
}

// Keys returns the keys of a dict in the order they appear in the file.
// It returns nil for anything that is not a dict.
func Keys(v starlark.Value) []string {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil
	}
	keys := make([]string, 0, d.Len())
	for _, k := range d.Keys() {
		if s, err := keyString(k); err == nil {
			keys = append(keys, s)
		}
	}
	return keys
}

// Lookup walks nested dicts by key and returns nil if any step is missing.
func Lookup(v starlark.Value, path ...string) starlark.Value {
	for _, key := range path {
		d, ok := v.(*starlark.Dict)
		if !ok {
			return nil
		}
		next, found, err := d.Get(starlark.String(key))
		if err != nil || !found {
			return nil
		}
		v = next
	}
	return v
}

// Strings returns the string elements of a list or tuple in file order.
func Strings(v starlark.Value) []string {
	seq, ok := sequence(v)
	if !ok {
		return nil
	}
	var out []string
	for i := 0; i < seq.Len(); i++ {
		if s, ok := seq.Index(i).(starlark.String); ok {
			out = append(out, string(s))
		}
	}
	return out
}

// FirstUnsorted returns the first adjacent pair of names that is out of
// ascending order.
func FirstUnsorted(names []string) (prev, next string, ok bool) {
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			return names[i-1], names[i], true
		}
	}
	return "", "", false
}

// UnsortedKeys reports the dict v when its keys are not in ascending order.
// Each report reads "<path>: <key> sorts after <key>".
func UnsortedKeys(v starlark.Value, path string) []string {
	prev, next, ok := FirstUnsorted(Keys(v))
	if !ok {
		return nil
	}
	return []string{fmt.Sprintf("%s: %q sorts after %q", path, prev, next)}
}

// Items returns the elements of a list or tuple.
func Items(v starlark.Value) []starlark.Value {
	seq, ok := sequence(v)
	if !ok {
		return nil
	}
	out := make([]starlark.Value, seq.Len())
	for i := range out {
		out[i] = seq.Index(i)
	}
	return out
}

// sequence accepts lists and tuples; strings are indexable too but are not
// sequences here.
func sequence(v starlark.Value) (starlark.Indexable, bool) {
	switch seq := v.(type) {
	case *starlark.List:
		return seq, true
	case starlark.Tuple:
		return seq, true
	}
	return nil, false
}

// Package pipeline runs a graph of shell tasks declared in a YAML file.
// Tasks name the files they read and write so that tasks whose outputs are
// newer than their inputs can be skipped, and they run through the parallel
// step runner once all of their dependencies have finished.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"github.com/kiwibrowser/infratool/internal/dag"
)

// Task is one command in the pipeline. Dir is absolute; Inputs and Outputs
// are relative to Dir.
type Task struct {
	Name    string
	Command []string
	Deps    []string
	Inputs  []string
	Outputs []string
	Dir     string
	Env     map[string]string
}

// CommandLine returns the command quoted for display.
func (t *Task) CommandLine() string {
	return shellquote.Join(t.Command...)
}

// EnvList returns Env as sorted KEY=value pairs.
func (t *Task) EnvList() []string {
	env := make([]string, 0, len(t.Env))
	for k, v := range t.Env {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)
	return env
}

func (t *Task) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(t.Dir, rel)
}

// Pipeline is a validated, acyclic set of tasks.
type Pipeline struct {
	Path  string
	Tasks []*Task
	graph *dag.Graph[*Task]
}

// command accepts either a shell-style string or a list of arguments.
type command []string

func (c *command) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		argv, err := shellquote.Split(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*c = argv
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := value.Decode(&argv); err != nil {
			return err
		}
		*c = argv
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list", value.Line)
	}
}

type taskFile struct {
	Name    string            `yaml:"name"`
	Command command           `yaml:"command"`
	Deps    []string          `yaml:"deps"`
	Inputs  []string          `yaml:"inputs"`
	Outputs []string          `yaml:"outputs"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

type pipelineFile struct {
	Tasks []taskFile `yaml:"tasks"`
}

// Load reads a pipeline file. Task directories resolve against the file's
// directory.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Path = abs
	return p, nil
}

// Parse decodes and validates a pipeline. Names must be unique, commands
// non-empty, deps known, and the graph acyclic.
func Parse(data []byte, baseDir string) (*Pipeline, error) {
	var f pipelineFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, errors.New("pipeline has no tasks")
	}

	p := &Pipeline{graph: dag.New[*Task]()}
	for i, tf := range f.Tasks {
		if tf.Name == "" {
			return nil, fmt.Errorf("task %d has no name", i+1)
		}
		if _, exists := p.graph.Node(tf.Name); exists {
			return nil, fmt.Errorf("duplicate task %q", tf.Name)
		}
		if len(tf.Command) == 0 {
			return nil, fmt.Errorf("task %q has no command", tf.Name)
		}
		dir := tf.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		t := &Task{
			Name:    tf.Name,
			Command: tf.Command,
			Deps:    tf.Deps,
			Inputs:  tf.Inputs,
			Outputs: tf.Outputs,
			Dir:     dir,
			Env:     tf.Env,
		}
		p.Tasks = append(p.Tasks, t)
		p.graph.AddNode(t.Name, t)
	}

	for _, t := range p.Tasks {
		for _, dep := range t.Deps {
			if _, ok := p.graph.Node(dep); !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.Name, dep)
			}
			if err := p.graph.AddEdge(dep, t.Name); err != nil {
				return nil, fmt.Errorf("task %q: %w", t.Name, err)
			}
		}
	}
	if cycle := p.graph.FindCycle(); cycle != nil {
		return nil, cycle
	}
	return p, nil
}

// Graph returns the dependency graph; an edge runs from a dependency to its
// dependent.
func (p *Pipeline) Graph() *dag.Graph[*Task] {
	return p.graph
}

// Task returns the task with the given name.
func (p *Pipeline) Task(name string) (*Task, bool) {
	return p.graph.Node(name)
}

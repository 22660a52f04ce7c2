package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/kiwibrowser/infratool/internal/dag"
)

// PlanOptions selects which tasks to consider.
type PlanOptions struct {
	// Select names tasks to run; empty means all. Their dependencies are
	// always included.
	Select []string
	// Downstream also includes every task depending on a selected one.
	Downstream bool
	// Force treats every task as stale.
	Force bool
}

// Plan is the set of tasks for one run in dependency order, with their
// up-to-date state.
type Plan struct {
	Pipeline *Pipeline
	// Order lists the planned tasks topologically.
	Order []string
	// UpToDate marks tasks whose outputs are current.
	UpToDate map[string]bool
	// Reasons says why each stale task must run.
	Reasons map[string]string

	graph *dag.Graph[*Task]
}

// Stale returns the tasks that need to run, in order.
func (p *Plan) Stale() []string {
	var out []string
	for _, name := range p.Order {
		if !p.UpToDate[name] {
			out = append(out, name)
		}
	}
	return out
}

// Plan selects tasks and works out which are up to date. A task is up to
// date when it declares outputs, all of them exist, none of its dependencies
// is stale, and its oldest output is newer than every input and every output
// of its dependencies.
func (p *Pipeline) Plan(opts PlanOptions) (*Plan, error) {
	selected := p.graph.IDs()
	if len(opts.Select) > 0 {
		for _, name := range opts.Select {
			if _, ok := p.graph.Node(name); !ok {
				return nil, fmt.Errorf("unknown task %q", name)
			}
		}
		selected = slices.Clone(opts.Select)
		if opts.Downstream {
			selected = p.graph.Downstream(selected...)
		}
		selected = append(selected, p.graph.Upstream(selected...)...)
	}

	sub := p.graph.Subgraph(selected)
	order, err := sub.TopologicalSort()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Pipeline: p,
		Order:    order,
		UpToDate: make(map[string]bool, len(order)),
		Reasons:  make(map[string]string),
		graph:    sub,
	}
	for _, name := range order {
		t, _ := sub.Node(name)
		if opts.Force {
			plan.Reasons[name] = "forced"
			continue
		}
		fresh, reason := plan.check(t)
		if fresh {
			plan.UpToDate[name] = true
		} else {
			plan.Reasons[name] = reason
		}
	}
	return plan, nil
}

func (p *Plan) check(t *Task) (bool, string) {
	if len(t.Outputs) == 0 {
		return false, "no outputs declared"
	}
	for _, dep := range t.Deps {
		if !p.UpToDate[dep] {
			return false, fmt.Sprintf("dependency %s is stale", dep)
		}
	}

	var oldestOutput time.Time
	for _, out := range t.Outputs {
		mtime, err := modTime(t.path(out))
		if err != nil {
			return false, fmt.Sprintf("output %s: %v", out, err)
		}
		if oldestOutput.IsZero() || mtime.Before(oldestOutput) {
			oldestOutput = mtime
		}
	}

	check := func(kind string, owner *Task, rel string) (bool, string) {
		mtime, err := modTime(owner.path(rel))
		if err != nil {
			return false, fmt.Sprintf("%s %s: %v", kind, rel, err)
		}
		if !oldestOutput.After(mtime) {
			return false, fmt.Sprintf("%s %s is newer than the outputs", kind, rel)
		}
		return true, ""
	}
	for _, in := range t.Inputs {
		if ok, reason := check("input", t, in); !ok {
			return false, reason
		}
	}
	for _, dep := range t.Deps {
		d, _ := p.graph.Node(dep)
		for _, out := range d.Outputs {
			if ok, reason := check("dependency output", d, out); !ok {
				return false, reason
			}
		}
	}
	return true, ""
}

func modTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, errors.New("missing")
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// The component graph executor wires job types into a declarative DAG:
// a YAML document names components, their inputs and their ordering, and
// the executor runs them synchronously in topological order. A component
// input of the form "@id" consumes the output of an earlier component.

// PortSpec describes one input port of a component type.
type PortSpec struct {
	Name     string
	Required bool
	Default  any
}

// ComponentSpec is the typed schema of a component: its input ports and
// whether it produces an output value. At most one output per component.
type ComponentSpec struct {
	Inputs    []PortSpec
	HasOutput bool
}

// componentSpecs declares the schema of every graph component type. Each
// component mirrors a job type; its inputs become job options and its
// output is the result's primary output path.
func componentSpecs() map[JobType]ComponentSpec {
	return map[JobType]ComponentSpec{
		JobConvert: {
			Inputs: []PortSpec{
				{Name: "input", Required: true},
				{Name: "output", Required: true},
				{Name: "chunks"},
				{Name: "spacing"},
			},
			HasOutput: true,
		},
		JobDeform: {
			Inputs: []PortSpec{
				{Name: "fix", Required: true},
				{Name: "move", Required: true},
				{Name: "output_dir", Required: true},
				{Name: "name", Default: "round"},
				{Name: "blocksize"},
				{Name: "overlap", Default: 0.3},
				{Name: "init_transforms"},
				{Name: "workers"},
				{Name: "resume", Default: false},
			},
			HasOutput: true,
		},
		JobApply: {
			Inputs: []PortSpec{
				{Name: "input", Required: true},
				{Name: "output", Required: true},
				{Name: "field"},
				{Name: "affines"},
				{Name: "blocksize"},
			},
			HasOutput: true,
		},
		JobTune: {
			Inputs: []PortSpec{
				{Name: "fix", Required: true},
				{Name: "move", Required: true},
				{Name: "output", Required: true},
			},
			HasOutput: true,
		},
		JobStitch: {
			Inputs: []PortSpec{
				{Name: "layout", Required: true},
				{Name: "output_dir", Required: true},
				{Name: "overlap"},
				{Name: "chunks"},
			},
			HasOutput: true,
		},
		JobBlend: {
			Inputs: []PortSpec{
				{Name: "layout", Required: true},
				{Name: "output_dir", Required: true},
				{Name: "overlap"},
				{Name: "chunks"},
			},
			HasOutput: true,
		},
		JobResample: {
			Inputs: []PortSpec{
				{Name: "input", Required: true},
				{Name: "output", Required: true},
				{Name: "spacing"},
				{Name: "chunks"},
			},
			HasOutput: true,
		},
		JobDownsample: {
			Inputs: []PortSpec{
				{Name: "input", Required: true},
				{Name: "output", Required: true},
				{Name: "factors", Default: []any{2, 2, 2}},
				{Name: "order", Default: 1},
			},
			HasOutput: true,
		},
		JobStack: {
			Inputs: []PortSpec{
				{Name: "input", Required: true},
				{Name: "second", Required: true},
				{Name: "output", Required: true},
			},
			HasOutput: true,
		},
		JobReorient: {
			Inputs: []PortSpec{
				{Name: "input", Required: true},
				{Name: "output", Required: true},
				{Name: "rotation", Default: 0},
				{Name: "flip_z", Default: false},
			},
			HasOutput: true,
		},
		JobPreview: {
			Inputs: []PortSpec{
				{Name: "input", Required: true},
				{Name: "output", Required: true},
				{Name: "axis", Default: 0},
				{Name: "width", Default: 0},
			},
			HasOutput: true,
		},
	}
}

// GraphDoc is a parsed pipeline graph.
type GraphDoc struct {
	Name       string      `yaml:"name"`
	Components []GraphNode `yaml:"components"`
}

// GraphNode is one component instance in a graph.
type GraphNode struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	After  []string       `yaml:"after"`
	Inputs map[string]any `yaml:"inputs"`
}

// LoadGraph parses and validates a YAML graph definition: unique ids,
// known component types, required inputs satisfied, references resolvable.
func LoadGraph(path string) (*GraphDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	var doc GraphDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("load graph %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("graph %s: %w", path, err)
	}
	return &doc, nil
}

// Validate checks the structural rules of the graph.
func (d *GraphDoc) Validate() error {
	if len(d.Components) == 0 {
		return fmt.Errorf("no components")
	}
	specs := componentSpecs()
	ids := map[string]bool{}
	for _, n := range d.Components {
		if n.ID == "" {
			return fmt.Errorf("component with empty id")
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate component id %q", n.ID)
		}
		ids[n.ID] = true
		if _, ok := specs[JobType(n.Type)]; !ok {
			return fmt.Errorf("component %q: unknown type %q", n.ID, n.Type)
		}
	}
	for _, n := range d.Components {
		spec := specs[JobType(n.Type)]
		for _, port := range spec.Inputs {
			if _, set := n.Inputs[port.Name]; !set && port.Required {
				return fmt.Errorf("component %q: required input %q missing", n.ID, port.Name)
			}
		}
		for name, v := range n.Inputs {
			known := false
			for _, port := range spec.Inputs {
				if port.Name == name {
					known = true
					break
				}
			}
			if !known {
				return fmt.Errorf("component %q: unknown input %q", n.ID, name)
			}
			if ref, ok := refTarget(v); ok && !ids[ref] {
				return fmt.Errorf("component %q: input %q references unknown component %q", n.ID, name, ref)
			}
		}
		for _, dep := range n.After {
			if !ids[dep] {
				return fmt.Errorf("component %q: after references unknown component %q", n.ID, dep)
			}
		}
	}
	return nil
}

func refTarget(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "@") {
		return "", false
	}
	return s[1:], true
}

// dependencies lists every upstream component a node waits for, explicit
// After edges plus implicit @reference edges.
func (n *GraphNode) dependencies() []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, dep := range n.After {
		add(dep)
	}
	for _, v := range n.Inputs {
		if ref, ok := refTarget(v); ok {
			add(ref)
		}
	}
	sort.Strings(out)
	return out
}

// topoOrder returns the components in dependency order, or an error on a
// cycle.
func (d *GraphDoc) topoOrder() ([]*GraphNode, error) {
	nodes := map[string]*GraphNode{}
	indeg := map[string]int{}
	dependents := map[string][]string{}
	for i := range d.Components {
		n := &d.Components[i]
		nodes[n.ID] = n
		indeg[n.ID] = 0
	}
	for i := range d.Components {
		n := &d.Components[i]
		for _, dep := range n.dependencies() {
			indeg[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	// Ready nodes run in declaration order to keep execution deterministic.
	var order []*GraphNode
	var ready []string
	for _, n := range d.Components {
		if indeg[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, nodes[id])
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(order) != len(d.Components) {
		return nil, fmt.Errorf("dependency cycle in graph %q", d.Name)
	}
	return order, nil
}

// GraphExecutor runs parsed graphs against a job processor.
type GraphExecutor struct {
	log   *slog.Logger
	proc  Processor
	specs map[JobType]ComponentSpec
}

// NewGraphExecutor binds the component types to a processor.
func NewGraphExecutor(logger *slog.Logger, proc Processor) *GraphExecutor {
	return &GraphExecutor{log: logger, proc: proc, specs: componentSpecs()}
}

// Execute runs the graph synchronously in topological order, returning
// the output of every component by id. A failed component populates no
// output and aborts the graph.
func (e *GraphExecutor) Execute(ctx context.Context, doc *GraphDoc) (map[string]any, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	order, err := doc.topoOrder()
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{}
	for _, n := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := e.buildJob(doc, n, outputs)
		if err != nil {
			return nil, err
		}
		e.log.Info("graph component starting", "graph", doc.Name, "component", n.ID, "type", n.Type)
		res := e.proc.Process(ctx, job)
		if res.Error != nil {
			e.log.Error("graph component failed",
				"graph", doc.Name, "component", n.ID, "error", res.Error.Error())
			return nil, fmt.Errorf("component %q: %w", n.ID, res.Error)
		}
		if e.specs[JobType(n.Type)].HasOutput {
			outputs[n.ID] = res.Meta["output"]
		}
	}
	return outputs, nil
}

// buildJob resolves a node's inputs (defaults and @references) into a Job.
// The ports named input/layout and output/output_dir map onto the job's
// input and output paths; everything else becomes an option.
func (e *GraphExecutor) buildJob(doc *GraphDoc, n *GraphNode, outputs map[string]any) (Job, error) {
	job := Job{
		ID:      doc.Name + "/" + n.ID,
		Type:    JobType(n.Type),
		Options: map[string]any{},
	}
	for _, port := range e.specs[job.Type].Inputs {
		v, set := n.Inputs[port.Name]
		if !set {
			if port.Default == nil {
				continue
			}
			v = port.Default
		}
		if ref, ok := refTarget(v); ok {
			resolved, have := outputs[ref]
			if !have {
				return Job{}, fmt.Errorf("component %q: input %q references %q, which produced no output", n.ID, port.Name, ref)
			}
			v = resolved
		}
		switch port.Name {
		case "input", "layout":
			s, ok := v.(string)
			if !ok {
				return Job{}, fmt.Errorf("component %q: input %q must be a path", n.ID, port.Name)
			}
			job.InputPath = s
		case "output", "output_dir":
			s, ok := v.(string)
			if !ok {
				return Job{}, fmt.Errorf("component %q: input %q must be a path", n.ID, port.Name)
			}
			job.Output = s
		default:
			job.Options[port.Name] = v
		}
	}
	return job, nil
}

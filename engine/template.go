// Package engine executes workflow templates: directed graphs of agent,
// decision, approval, parallel, and map/reduce nodes over the event log.
// Execution is checkpointed at node boundaries, suspends fully across
// approval gates, and compensates completed steps on rollback.
package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atriumhq/conductor/core"
)

// Node kinds.
const (
	KindAgent     = "agent"
	KindDecision  = "decision"
	KindApproval  = "approval"
	KindParallel  = "parallel"
	KindMapReduce = "map_reduce"
)

// RetryPolicy is a per-node override of the engine default. Durations are
// milliseconds in YAML.
type RetryPolicy struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BackoffBaseMS int      `yaml:"backoff_base_ms"`
	BackoffCapMS  int      `yaml:"backoff_cap_ms"`
	JitterMS      int      `yaml:"jitter_ms"`
	RetryOn       []string `yaml:"retry_on"` // timeout, external, lock, conflict
}

// Base returns the backoff base as a duration.
func (p *RetryPolicy) Base() time.Duration { return time.Duration(p.BackoffBaseMS) * time.Millisecond }

// Cap returns the backoff cap as a duration.
func (p *RetryPolicy) Cap() time.Duration { return time.Duration(p.BackoffCapMS) * time.Millisecond }

// Jitter returns the jitter bound as a duration.
func (p *RetryPolicy) Jitter() time.Duration { return time.Duration(p.JitterMS) * time.Millisecond }

// Edge is one labeled outcome of a decision node. When keywords are
// given, the edge matches if any of them appears in the deciding text;
// otherwise it is only reachable through the model's label choice.
type Edge struct {
	Label string   `yaml:"label"`
	When  []string `yaml:"when"`
	To    string   `yaml:"to"`
}

// Node is one vertex of a workflow template.
type Node struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`

	// Agent, parallel branches and map/reduce mapping dispatch on
	// Capability through the registry.
	Capability string `yaml:"capability"`
	// Task is the instruction handed to the agent. Defaults to the
	// workflow's task descriptor.
	Task string `yaml:"task"`
	// Role gates tool selection for this step.
	Role string `yaml:"role"`

	// Resources to lock (lexicographically) for the node's duration.
	Resources []string `yaml:"resources"`

	// Next is the following node; empty means the workflow completes
	// after this node. Decision nodes route through Edges instead.
	Next  string `yaml:"next"`
	Edges []Edge `yaml:"edges"`

	// Descriptor is what an approval node asks a human to approve.
	// Defaults to the workflow's task descriptor.
	Descriptor string `yaml:"descriptor"`

	// Children are executed concurrently by a parallel node.
	Children []string `yaml:"children"`

	// ItemsKey names the input field holding the list a map_reduce node
	// fans out over.
	ItemsKey string `yaml:"items_key"`

	// Compensation is the capability invoked to undo this node during
	// rollback. Nodes without one are skipped.
	Compensation string `yaml:"compensation"`

	// DeadlineMS bounds one agent invocation. Zero uses the client default.
	DeadlineMS int `yaml:"deadline_ms"`

	Retry *RetryPolicy `yaml:"retry"`
}

// Template is a named workflow graph.
type Template struct {
	ID    string  `yaml:"id"`
	Entry string  `yaml:"entry"`
	Nodes []*Node `yaml:"nodes"`

	byID map[string]*Node
}

// Node returns a node by ID, or nil.
func (t *Template) Node(id string) *Node { return t.byID[id] }

type templateFile struct {
	Templates []*Template `yaml:"templates"`
}

// LoadTemplates reads and validates workflow templates from a YAML file.
func LoadTemplates(path string) (map[string]*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var doc templateFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	out := make(map[string]*Template, len(doc.Templates))
	for _, t := range doc.Templates {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := out[t.ID]; dup {
			return nil, templateErr(t.ID, "duplicate template id")
		}
		out[t.ID] = t
	}
	return out, nil
}

func templateErr(id, msg string) error {
	return &core.Error{
		Op: "engine.LoadTemplates", Kind: "template", ID: id,
		Message: msg, Err: core.ErrInvalidConfig,
	}
}

func (t *Template) validate() error {
	if t.ID == "" {
		return templateErr("", "template has no id")
	}
	t.byID = make(map[string]*Node, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			return templateErr(t.ID, "node has no id")
		}
		if _, dup := t.byID[n.ID]; dup {
			return templateErr(t.ID, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		t.byID[n.ID] = n
	}
	if t.Node(t.Entry) == nil {
		return templateErr(t.ID, fmt.Sprintf("entry node %q not found", t.Entry))
	}
	for _, n := range t.Nodes {
		if err := t.validateNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (t *Template) validateNode(n *Node) error {
	bad := func(msg string) error {
		return templateErr(t.ID, fmt.Sprintf("node %q: %s", n.ID, msg))
	}
	if n.Next != "" && t.Node(n.Next) == nil {
		return bad(fmt.Sprintf("next %q not found", n.Next))
	}
	switch n.Kind {
	case KindAgent:
		if n.Capability == "" {
			return bad("agent node needs a capability")
		}
	case KindDecision:
		if len(n.Edges) == 0 {
			return bad("decision node needs edges")
		}
		seen := map[string]bool{}
		for _, e := range n.Edges {
			if e.Label == "" {
				return bad("decision edge needs a label")
			}
			if seen[e.Label] {
				return bad(fmt.Sprintf("duplicate edge label %q", e.Label))
			}
			seen[e.Label] = true
			if t.Node(e.To) == nil {
				return bad(fmt.Sprintf("edge %q target %q not found", e.Label, e.To))
			}
		}
	case KindApproval:
		// Descriptor defaults to the workflow's task at run time.
	case KindParallel:
		if len(n.Children) == 0 {
			return bad("parallel node needs children")
		}
		for _, c := range n.Children {
			child := t.Node(c)
			if child == nil {
				return bad(fmt.Sprintf("child %q not found", c))
			}
			if child.Kind != KindAgent {
				return bad(fmt.Sprintf("child %q must be an agent node", c))
			}
		}
	case KindMapReduce:
		if n.Capability == "" || n.ItemsKey == "" {
			return bad("map_reduce node needs a capability and items_key")
		}
	default:
		return bad(fmt.Sprintf("unknown kind %q", n.Kind))
	}
	if n.Retry != nil && n.Retry.MaxAttempts < 1 {
		return bad("retry max_attempts must be >= 1")
	}
	return nil
}

// Package toolselect narrows the tool catalog to the handful of tools an
// agent actually needs for a task. Handing an agent the full catalog
// wastes its context window and invites misuse of privileged tools, so
// selection filters by role, then relevance, then a hard budget.
package toolselect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

// DefaultBudget caps the summed token cost of one selection. Each tool
// declares its cost via cost_hint; selection trims the lowest-scored
// tools until the sum fits.
const DefaultBudget = 4000

// catalogFile is the YAML document shape of the tool catalog.
type catalogFile struct {
	Tools []catalogTool `yaml:"tools"`
}

type catalogTool struct {
	ID           string                 `yaml:"id"`
	Server       string                 `yaml:"server"`
	Description  string                 `yaml:"description"`
	Tags         []string               `yaml:"tags"`
	Roles        []string               `yaml:"roles"`
	CostHint     int                    `yaml:"cost_hint"`
	InputSchema  map[string]interface{} `yaml:"input_schema"`
	OutputSchema map[string]interface{} `yaml:"output_schema"`
}

// LoadCatalog reads the tool catalog from a YAML file.
func LoadCatalog(path string) ([]core.ToolHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	tools := make([]core.ToolHandle, 0, len(doc.Tools))
	seen := make(map[string]bool, len(doc.Tools))
	for i, t := range doc.Tools {
		if t.ID == "" {
			return nil, &core.Error{
				Op: "toolselect.LoadCatalog", Kind: "config", ID: path,
				Message: fmt.Sprintf("tool %d has no id", i),
				Err:     core.ErrInvalidConfig,
			}
		}
		if seen[t.ID] {
			return nil, &core.Error{
				Op: "toolselect.LoadCatalog", Kind: "config", ID: path,
				Message: fmt.Sprintf("duplicate tool id %q", t.ID),
				Err:     core.ErrInvalidConfig,
			}
		}
		seen[t.ID] = true
		handle := core.ToolHandle{
			ID:          t.ID,
			Server:      t.Server,
			Description: t.Description,
			Tags:        t.Tags,
			Roles:       t.Roles,
			CostHint:    t.CostHint,
		}
		if t.InputSchema != nil {
			handle.InputSchema, _ = json.Marshal(t.InputSchema)
		}
		if t.OutputSchema != nil {
			handle.OutputSchema, _ = json.Marshal(t.OutputSchema)
		}
		tools = append(tools, handle)
	}
	return tools, nil
}

// Request describes one selection.
type Request struct {
	// TaskText is what the agent is about to do.
	TaskText string
	// Role gates privileged tools. Empty role sees only unrestricted tools.
	Role string
	// Budget overrides the selector's token budget when positive and
	// smaller.
	Budget int
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets a structured logger.
func WithLogger(l core.Logger) Option {
	return func(s *Selector) { s.logger = core.ComponentLogger(l, "toolselect") }
}

// WithRetriever enables semantic ranking through a vector store. Without
// one, ranking falls back to keyword overlap.
func WithRetriever(r core.Retriever, collection string) Option {
	return func(s *Selector) {
		s.retriever = r
		s.collection = collection
	}
}

// WithBudget sets the default token budget.
func WithBudget(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.budget = n
		}
	}
}

// Selector picks relevant tools from a static catalog.
type Selector struct {
	catalog    []core.ToolHandle
	retriever  core.Retriever
	collection string
	budget     int
	logger     core.Logger
}

// New creates a Selector over the catalog.
func New(catalog []core.ToolHandle, opts ...Option) *Selector {
	s := &Selector{
		catalog: catalog,
		budget:  DefaultBudget,
		logger:  &core.NoOpLogger{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Catalog returns the full catalog, for the listing endpoint.
func (s *Selector) Catalog() []core.ToolHandle {
	return append([]core.ToolHandle(nil), s.catalog...)
}

// Select returns the most relevant tools for the request, ordered by
// descending relevance with lexicographic tool ID as the tie break, so
// identical requests always produce identical selections.
func (s *Selector) Select(ctx context.Context, req Request) ([]core.ToolHandle, error) {
	budget := s.budget
	if req.Budget > 0 && req.Budget < budget {
		budget = req.Budget
	}

	allowed := s.roleFilter(req.Role)
	if len(allowed) == 0 {
		return nil, nil
	}

	scores := s.keywordScores(req.TaskText, allowed)
	if s.retriever != nil {
		if semantic, err := s.semanticScores(ctx, req.TaskText); err == nil && len(semantic) > 0 {
			scores = semantic
		} else if err != nil {
			// Degrade to keyword ranking rather than failing selection.
			s.logger.WarnWithContext(ctx, "semantic ranking unavailable", map[string]interface{}{
				"error": err,
			})
		}
	}

	sort.Slice(allowed, func(i, j int) bool {
		si, sj := scores[allowed[i].ID], scores[allowed[j].ID]
		if si != sj {
			return si > sj
		}
		return allowed[i].ID < allowed[j].ID
	})

	// Tools with zero relevance only survive when nothing scored at all;
	// a blank task text still deserves a deterministic catalog slice.
	anyScored := false
	for _, v := range scores {
		if v > 0 {
			anyScored = true
			break
		}
	}
	if anyScored {
		kept := allowed[:0]
		for _, tool := range allowed {
			if scores[tool.ID] > 0 {
				kept = append(kept, tool)
			}
		}
		allowed = kept
	}

	// Budget enforcement: the selection's summed cost_hint must fit the
	// token budget, so the lowest-scored tools go first. A lone tool that
	// alone exceeds the budget is still returned; an empty selection
	// helps no one.
	total := 0
	for _, tool := range allowed {
		total += tool.CostHint
	}
	for total > budget && len(allowed) > 1 {
		last := allowed[len(allowed)-1]
		total -= last.CostHint
		allowed = allowed[:len(allowed)-1]
		telemetry.Counter("toolselect.budget_trim", "tool", last.ID)
	}
	telemetry.Counter("toolselect.selected", "role", req.Role)
	telemetry.Histogram("toolselect.selection_size", float64(len(allowed)))
	return allowed, nil
}

func (s *Selector) roleFilter(role string) []core.ToolHandle {
	var out []core.ToolHandle
	for _, tool := range s.catalog {
		if len(tool.Roles) == 0 {
			out = append(out, tool)
			continue
		}
		for _, r := range tool.Roles {
			if r == role {
				out = append(out, tool)
				break
			}
		}
	}
	return out
}

func (s *Selector) keywordScores(taskText string, tools []core.ToolHandle) map[string]float64 {
	words := tokenize(taskText)
	scores := make(map[string]float64, len(tools))
	for _, tool := range tools {
		haystack := strings.ToLower(tool.Description + " " + strings.Join(tool.Tags, " ") + " " + tool.ID)
		var score float64
		for w := range words {
			if strings.Contains(haystack, w) {
				score++
			}
		}
		scores[tool.ID] = score
	}
	return scores
}

func (s *Selector) semanticScores(ctx context.Context, taskText string) (map[string]float64, error) {
	chunks, err := s.retriever.Query(ctx, taskText, s.collection, len(s.catalog))
	if err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(chunks))
	for _, c := range chunks {
		scores[c.ID] = c.Score
	}
	return scores, nil
}

func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if len(w) < 3 {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

package toolselect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/conductor/core"
)

func testCatalog() []core.ToolHandle {
	return []core.ToolHandle{
		{ID: "git.clone", Description: "clone a git repository", Tags: []string{"git", "scm"}},
		{ID: "git.push", Description: "push commits to a git remote", Tags: []string{"git", "scm"}},
		{ID: "deploy.k8s", Description: "deploy a service to kubernetes", Tags: []string{"deploy"}, Roles: []string{"operator"}},
		{ID: "db.migrate", Description: "run database migration scripts", Tags: []string{"database"}, Roles: []string{"operator", "team_lead"}},
		{ID: "fs.read", Description: "read files from the workspace", Tags: []string{"files"}},
		{ID: "slack.notify", Description: "send a slack notification message", Tags: []string{"chat"}},
	}
}

func TestSelectKeywordRanking(t *testing.T) {
	s := New(testCatalog())

	got, err := s.Select(context.Background(), Request{
		TaskText: "clone the git repository and push the fix",
		Role:     "developer",
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "git.clone", got[0].ID)
	assert.Equal(t, "git.push", got[1].ID)
	for _, tool := range got {
		assert.NotEqual(t, "slack.notify", tool.ID, "irrelevant tool leaked into selection")
	}
}

func TestSelectRoleGating(t *testing.T) {
	s := New(testCatalog())
	ctx := context.Background()

	// Developers never see operator-only tools, however relevant.
	got, err := s.Select(ctx, Request{TaskText: "deploy to kubernetes", Role: "developer"})
	require.NoError(t, err)
	for _, tool := range got {
		assert.NotEqual(t, "deploy.k8s", tool.ID)
	}

	got, err = s.Select(ctx, Request{TaskText: "deploy to kubernetes", Role: "operator"})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "deploy.k8s", got[0].ID)
}

func TestSelectBudgetSumsCostHints(t *testing.T) {
	var catalog []core.ToolHandle
	for i := 0; i < 10; i++ {
		catalog = append(catalog, core.ToolHandle{
			ID:          fmt.Sprintf("tool.%02d", i),
			Description: "generic workspace helper",
			CostHint:    100,
		})
	}
	s := New(catalog, WithBudget(450))

	// All ten tools score identically at 100 tokens each; only four fit
	// a 450-token budget, and the lexicographically-first four survive
	// because trimming drops from the low-scored tail.
	got, err := s.Select(context.Background(), Request{TaskText: "workspace helper"})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "tool.00", got[0].ID)
	assert.Equal(t, "tool.03", got[3].ID)

	got, err = s.Select(context.Background(), Request{TaskText: "workspace helper", Budget: 150})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSelectBudgetDropsLowestScoredFirst(t *testing.T) {
	catalog := []core.ToolHandle{
		{ID: "git.clone", Description: "clone a git repository", CostHint: 200},
		{ID: "git.push", Description: "push commits to a git remote", CostHint: 200},
		{ID: "fs.read", Description: "read files from the workspace", CostHint: 200},
	}
	s := New(catalog, WithBudget(400))

	got, err := s.Select(context.Background(), Request{
		TaskText: "clone the git repository and push the fix",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "git.clone", got[0].ID)
	assert.Equal(t, "git.push", got[1].ID)
}

func TestSelectBudgetKeepsLoneOversizedTool(t *testing.T) {
	catalog := []core.ToolHandle{
		{ID: "db.migrate", Description: "run database migration scripts", CostHint: 900},
	}
	s := New(catalog, WithBudget(100))

	got, err := s.Select(context.Background(), Request{TaskText: "run the database migration"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "db.migrate", got[0].ID)
}

func TestSelectDeterministicOnBlankTask(t *testing.T) {
	s := New(testCatalog())

	first, err := s.Select(context.Background(), Request{Role: "developer"})
	require.NoError(t, err)
	second, err := s.Select(context.Background(), Request{Role: "developer"})
	require.NoError(t, err)
	require.Equal(t, first, second)
	// Nothing scored: lexicographic catalog order.
	assert.Equal(t, "fs.read", first[0].ID)
}

type stubRetriever struct {
	chunks []core.ScoredChunk
	err    error
}

func (s *stubRetriever) Query(ctx context.Context, text, collection string, topK int) ([]core.ScoredChunk, error) {
	return s.chunks, s.err
}

func TestSelectSemanticRanking(t *testing.T) {
	r := &stubRetriever{chunks: []core.ScoredChunk{
		{ID: "slack.notify", Score: 0.9},
		{ID: "fs.read", Score: 0.4},
	}}
	s := New(testCatalog(), WithRetriever(r, "tools"))

	got, err := s.Select(context.Background(), Request{TaskText: "tell the team the build is green"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "slack.notify", got[0].ID)
	assert.Equal(t, "fs.read", got[1].ID)
}

func TestSelectSemanticFallbackOnError(t *testing.T) {
	r := &stubRetriever{err: errors.New("vector store down")}
	s := New(testCatalog(), WithRetriever(r, "tools"))

	got, err := s.Select(context.Background(), Request{TaskText: "clone the git repository"})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "git.clone", got[0].ID)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - id: git.clone
    server: scm-tools
    description: clone a git repository
    tags: [git]
    cost_hint: 2
    input_schema:
      type: object
      properties:
        url: {type: string}
  - id: deploy.k8s
    server: infra-tools
    description: deploy to kubernetes
    roles: [operator]
`), 0o600))

	tools, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "scm-tools", tools[0].Server)
	assert.Equal(t, 2, tools[0].CostHint)
	assert.JSONEq(t,
		`{"type":"object","properties":{"url":{"type":"string"}}}`,
		string(tools[0].InputSchema))
	assert.Equal(t, []string{"operator"}, tools[1].Roles)
}

func TestLoadCatalogRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - id: git.clone
    description: a
  - id: git.clone
    description: b
`), 0o600))

	_, err := LoadCatalog(path)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

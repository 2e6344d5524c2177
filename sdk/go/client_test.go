package siftsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksift/internal/classify"
	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/db"
	"tasksift/internal/domain"
	"tasksift/internal/engine"
	"tasksift/internal/migrate"
	"tasksift/internal/server"
	siftsdk "tasksift/sdk/go"
)

var gidPattern = regexp.MustCompile(`\[GID: ([^\]]+)\]`)

type board struct{ tasks map[string][]domain.SourceTask }

func (b board) Me(context.Context) (domain.BoardUser, error) {
	return domain.BoardUser{ID: "u1", Name: "Sam"}, nil
}

func (b board) ListIncompleteTasks(_ context.Context, projectID string) ([]domain.SourceTask, error) {
	return b.tasks[projectID], nil
}

func (b board) MoveTask(context.Context, string, string) error { return nil }

func (b board) ListProjects(context.Context) ([]domain.Workspace, error) {
	return []domain.Workspace{{ID: "w1", Name: "Acme", Projects: []domain.ProjectRef{{ID: "src"}, {ID: "dest"}}}}, nil
}

type llm struct{}

func (llm) Complete(_ context.Context, system, prompt string) (string, error) {
	switch {
	case strings.Contains(system, "connectivity check"):
		return "OK", nil
	case strings.Contains(system, "task classifier"):
		var out []map[string]any
		for _, m := range gidPattern.FindAllStringSubmatch(prompt, -1) {
			out = append(out, map[string]any{"task_gid": m[1], "score": 0.8, "reasoning": "fits"})
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	case strings.Contains(system, "refines classification"):
		return `{"summary":"Billing v2","includePatterns":{"themes":["billing"]},"confidenceThreshold":0.7,"learnedRules":["refunds count"]}`, nil
	default:
		return `{"summary":"Billing","includePatterns":{"themes":["billing"]}}`, nil
	}
}

func newClient(t *testing.T) *siftsdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	b := board{tasks: map[string][]domain.SourceTask{"dest": {{ID: "d1", Name: "Invoice run"}}}}
	for i := 1; i <= 6; i++ {
		b.tasks["src"] = append(b.tasks["src"], domain.SourceTask{ID: fmt.Sprintf("t%d", i), Name: fmt.Sprintf("Refund %d", i)})
	}
	e := engine.New(conn, config.Default(), nil)
	e.NewSource = func(credentials.Secret) engine.TaskSource { return b }
	e.NewCompleter = func(context.Context, credentials.Classifier) (classify.Completer, error) { return llm{}, nil }

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret", DevLogin: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return siftsdk.New(srv.URL)
}

func TestClientLearningLoop(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.Credentials(ctx)
	var apiErr *siftsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "not_authenticated", apiErr.Code)

	_, err = c.DevLogin(ctx, "sam")
	require.NoError(t, err)
	status, err := c.ConnectBoard(ctx, "pat")
	require.NoError(t, err)
	assert.True(t, status.BoardConnected)
	status, err = c.ConfigureClassifier(ctx, "ollama", "")
	require.NoError(t, err)
	assert.True(t, status.ClassifierConfigured)
	assert.Equal(t, "ollama", status.Provider)

	ws, err := c.BoardProjects(ctx)
	require.NoError(t, err)
	require.Len(t, ws, 1)

	pairing, err := c.Connect(ctx, siftsdk.ProjectRef{ID: "src"}, siftsdk.ProjectRef{ID: "dest"})
	require.NoError(t, err)
	require.NotNil(t, pairing.Skill)
	connID := pairing.Connection.ID
	assert.Equal(t, "src", pairing.Connection.SourceProjectName)

	polled, err := c.Poll(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, 6, polled.NewCandidates)

	pending, err := c.Candidates(ctx, connID, "pending")
	require.NoError(t, err)
	require.Len(t, pending, 6)

	var last siftsdk.ReviewResult
	for i, cand := range pending[:5] {
		action := "approve"
		if i%2 == 1 {
			action = "reject"
		}
		last, err = c.Review(ctx, cand.ID, action, "")
		require.NoError(t, err)
	}
	assert.True(t, last.SkillRefined)
	assert.Equal(t, 2, last.SkillVersion)

	view, err := c.Skill(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.TotalVersions)
	assert.Equal(t, []string{"refunds count"}, view.Skill.Criteria.LearnedRules)

	skills, err := c.Skills(ctx, connID)
	require.NoError(t, err)
	require.Len(t, skills, 2)
	assert.Equal(t, 2, skills[0].Version)

	state, err := c.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, siftsdk.Stats{Pending: 1, Moved: 3, Rejected: 2, SkillVersion: 2}, state.Stats)

	_, err = c.Review(ctx, pending[0].ID, "reject", "changed my mind")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "conflict", apiErr.Code)

	_, err = c.Bootstrap(ctx, connID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	status, err = c.DisconnectBoard(ctx)
	require.NoError(t, err)
	assert.False(t, status.BoardConnected)
	_, err = c.Poll(ctx, connID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_connected", apiErr.Code)
}

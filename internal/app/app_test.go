package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasksift/internal/config"
	"tasksift/internal/credentials"
)

func TestOpenWithDefaults(t *testing.T) {
	ws := t.TempDir()
	rt, err := Open(context.Background(), Options{Workspace: ws})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, config.Default(), rt.Config)
	state, err := rt.Engine.ActiveState(context.Background(), rt.Caller("alice", credentials.Static{}))
	require.NoError(t, err)
	assert.Nil(t, state.Connection)
	assert.FileExists(t, filepath.Join(ws, ".tasksift", "tasksift.db"))
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	yml := "skill:\n  refinement_threshold: 3\nlogging:\n  file: sift.log\n  level: debug\n"
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))

	rt, err := Open(context.Background(), Options{Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, 3, rt.Config.Skill.RefinementThreshold)
	rt.Logger.Info("opened")
	require.NoError(t, rt.Close())

	data, err := os.ReadFile(filepath.Join(ws, "sift.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"opened"`)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("skill:\n  evaluation_batch: 0\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: ws})
	assert.ErrorContains(t, err, "evaluation_batch")
}

func TestCallerDefaultsProvider(t *testing.T) {
	rt := &Runtime{Config: config.Default()}
	c := rt.Caller(" alice ", credentials.Static{Board: "pat", ClassifierKey: "sk"})
	assert.Equal(t, "alice", c.ActorID)
	cls, ok := c.Credentials.Classifier()
	require.True(t, ok)
	assert.Equal(t, "anthropic", cls.Provider)
}

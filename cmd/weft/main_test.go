package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okonma/weft/internal/store"
	"github.com/okonma/weft/pkg/schema"
)

func TestCmdRun_RecordsRun(t *testing.T) {
	dir := t.TempDir()
	flowPath := filepath.Join(dir, "flow.json")
	flowJSON := `{
		"name": "cli-flow",
		"nodes": [
			{"id": "start", "type": "manual-trigger"},
			{"id": "finish", "type": "task"}
		],
		"edges": [{"from": "start", "to": "finish"}]
	}`
	require.NoError(t, os.WriteFile(flowPath, []byte(flowJSON), 0o644))

	cfg := Config{
		DBPath:    "file:" + filepath.Join(dir, "weft.db"),
		LogLevel:  "error",
		LogFormat: "text",
		PoolSize:  2,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, cmdRun(cfg, logger, []string{"-trigger-user", "cli-user", flowPath}))

	db, err := store.NewLibSQLStore(cfg.DBPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	runs, err := db.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1, "the run row must exist, not just its child records")
	assert.Equal(t, schema.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, "cli-flow", runs[0].FlowName)
	assert.Equal(t, "cli-user", runs[0].TriggerUserID)
	assert.NotNil(t, runs[0].CompletedAt, "terminal fields landed on the same row")

	records, err := db.ListNodeExecutions(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

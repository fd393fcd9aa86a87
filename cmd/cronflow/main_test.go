package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCreateListRuns(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CRONFLOW_ARTIFACTS_DIR", filepath.Join(dir, "artifacts"))
	db := filepath.Join(dir, "cli.db")

	out, err := run(t, "--db", db, "--log-level", "error", "create", "--name", "backup", "--cron", "0 * * * *")
	require.NoError(t, err)
	id := strings.Fields(out)[0]

	out, err = run(t, "--db", db, "--log-level", "error", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "backup")
	assert.Contains(t, out, "ACTIVE")

	out, err = run(t, "--db", db, "--log-level", "error", "list", "--status", "PAUSED")
	require.NoError(t, err)
	assert.NotContains(t, out, id)

	out, err = run(t, "--db", db, "--log-level", "error", "runs", id)
	require.NoError(t, err)
	assert.Contains(t, out, "ATTEMPT")

	_, err = run(t, "--db", db, "--log-level", "error", "create", "--name", "bad", "--cron", "not a cron")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "--log-level", "error", "list", "--status", "BOGUS")
	assert.Error(t, err)
}

func TestRerunPastOccurrence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CRONFLOW_ARTIFACTS_DIR", filepath.Join(dir, "artifacts"))
	db := filepath.Join(dir, "cli.db")

	out, err := run(t, "--db", db, "--log-level", "error", "create", "--name", "backup", "--cron", "0 * * * *")
	require.NoError(t, err)
	id := strings.Fields(out)[0]

	out, err = run(t, "--db", db, "--log-level", "error", "rerun", id, "--at", "2024-01-01T01:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "backup/2024-01-01T01:00:00Z")

	// Succeeded occurrences are not run twice.
	_, err = run(t, "--db", db, "--log-level", "error", "rerun", id, "--at", "2024-01-01T01:00:00Z")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "--log-level", "error", "rerun", id, "--at", "2024-01-01T01:30:00Z")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "--log-level", "error", "rerun", id, "--at", "yesterday")
	assert.Error(t, err)
}

package dap

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/divviup/ppm-aggregator/internal/crypter"
)

func writeTaskFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestFileSystemTaskRepository_LoadsPlaintextTask(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "task-1.yaml", `
id: task-1
role: leader
vdaf: prio3count
query_type: time-interval
time_precision: 1m
min_batch_size: 10
helper_url: http://helper.example
`)

	repo, err := NewFileSystemTaskRepository(dir, nil)
	require.NoError(t, err)

	task, err := repo.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, VdafPrio3Count, task.VdafID)
	require.Equal(t, QueryTypeTimeInterval, task.QueryType)
	require.Empty(t, task.VdafVerifyKey)
	require.Empty(t, task.AuthToken)
	require.NotEmpty(t, task.Fingerprint)
}

func TestFileSystemTaskRepository_UnsealsEncryptedSecrets(t *testing.T) {
	c, err := crypter.New([][]byte{[]byte("0123456789abcdef")})
	require.NoError(t, err)

	verifyKey, err := c.Encrypt([]byte("a-verify-key-16b"), []byte("task-2"))
	require.NoError(t, err)
	authToken, err := c.Encrypt([]byte("bearer-token"), []byte("task-2"))
	require.NoError(t, err)

	dir := t.TempDir()
	writeTaskFile(t, dir, "task-2.yaml", `
id: task-2
role: leader
vdaf: prio3count
query_type: fixed-size
max_batch_size: 100
min_batch_size: 10
vdaf_verify_key: `+base64.StdEncoding.EncodeToString(verifyKey)+`
auth_token: `+base64.StdEncoding.EncodeToString(authToken)+`
`)

	repo, err := NewFileSystemTaskRepository(dir, c)
	require.NoError(t, err)

	task, err := repo.Get(context.Background(), "task-2")
	require.NoError(t, err)
	require.Equal(t, []byte("a-verify-key-16b"), task.VdafVerifyKey)
	require.Equal(t, []byte("bearer-token"), task.AuthToken)
}

func TestFileSystemTaskRepository_MissingDirIsEmptyNotError(t *testing.T) {
	repo, err := NewFileSystemTaskRepository(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	require.NoError(t, err)

	tasks, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestFileSystemTaskRepository_TaskAliasesGet(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "task-3.yaml", `
id: task-3
role: leader
vdaf: prio3count
query_type: time-interval
time_precision: 30s
`)

	repo, err := NewFileSystemTaskRepository(dir, nil)
	require.NoError(t, err)

	viaTask, err := repo.Task(context.Background(), "task-3")
	require.NoError(t, err)
	viaGet, err := repo.Get(context.Background(), "task-3")
	require.NoError(t, err)
	require.Equal(t, viaGet, viaTask)
}

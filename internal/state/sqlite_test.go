package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kiwibrowser/infratool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := Open(path, nil)
	require.NoError(t, err)

	version, err := MigrationVersion(store.db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	require.NoError(t, store.Close())

	// reopening an up-to-date database is a no-op
	store, err = Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	run, err := store.CreateRun(ctx, "pipeline")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusRunning, run.Status)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", got.Kind)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, store.CompleteRun(ctx, run.ID, RunStatusFailed, "2 task(s) failed"))

	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "2 task(s) failed", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestSQLiteStore_GetRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorContains(t, err, "run not found")

	err = store.CompleteRun(context.Background(), "missing", RunStatusCompleted, "")
	assert.ErrorContains(t, err, "run not found")
}

func TestSQLiteStore_ListRuns(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	var ids []string
	for _, kind := range []string{"parallel", "pipeline", "parallel"} {
		run, err := store.CreateRun(ctx, kind)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
}

func TestSQLiteStore_Tasks(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	run, err := store.CreateRun(ctx, "pipeline")
	require.NoError(t, err)

	require.NoError(t, store.RecordTask(ctx, &TaskResult{
		RunID: run.ID, Name: "fetch", Command: "curl -O x", Status: TaskStatusSucceeded, DurationMS: 12,
	}))
	require.NoError(t, store.RecordTask(ctx, &TaskResult{
		RunID: run.ID, Name: "unpack", Status: TaskStatusFailed, Error: "exit 1",
	}))

	tasks, err := store.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byName := map[string]*TaskResult{}
	for _, task := range tasks {
		byName[task.Name] = task
	}
	assert.Equal(t, "curl -O x", byName["fetch"].Command)
	assert.Equal(t, int64(12), byName["fetch"].DurationMS)
	assert.Equal(t, TaskStatusFailed, byName["unpack"].Status)
	assert.Equal(t, "exit 1", byName["unpack"].Error)
}

func TestSQLiteStore_RecordTaskUnknownRun(t *testing.T) {
	store := setupTestStore(t)
	err := store.RecordTask(context.Background(), &TaskResult{RunID: "nope", Name: "x", Status: TaskStatusSucceeded})
	assert.Error(t, err, "foreign key should reject unknown run")
}

func TestSQLiteStore_CreateRunError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO runs").WillReturnError(errors.New("disk full"))

	store := NewWithDB(db, testutil.NewTestLogger(t))
	_, err = store.CreateRun(context.Background(), "parallel")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_ListTasksQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM task_results").WithArgs("run-1").WillReturnError(errors.New("locked"))

	store := NewWithDB(db, nil)
	_, err = store.ListTasks(context.Background(), "run-1")
	assert.ErrorContains(t, err, "failed to list tasks")
	assert.NoError(t, mock.ExpectationsWereMet())
}

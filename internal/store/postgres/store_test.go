package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/leadharvest/harvester/internal/engine"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateTaskInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	task := engine.Task{
		ID:         "t-1",
		SearchTerm: "plumber austin",
		Status:     engine.TaskStatusPending,
		Params:     engine.TaskParams{State: "TX", City: "Austin"},
		Created:    now,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(
			task.ID,
			task.SearchTerm,
			"pending",
			0,
			"",
			[]byte(`{"state":"TX","city":"Austin"}`),
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE tasks SET").
		WithArgs("missing", "failed", "boom", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTaskStatus(context.Background(), "missing", engine.TaskStatusFailed, "boom", 0)
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "search_term", "status", "entities_found", "error_text",
		"params", "created_at", "started_at", "completed_at",
	}).AddRow(
		"t-1", "plumber austin", "completed", 7, "",
		[]byte(`{"state":"TX"}`), now, &now, &now,
	)
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs("t-1").
		WillReturnRows(rows)

	task, err := store.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, engine.TaskStatusCompleted, task.Status)
	require.Equal(t, 7, task.EntitiesFound)
	require.Equal(t, "TX", task.Params.State)
	require.NotNil(t, task.Completed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEntityEmail(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE entities SET email").
		WithArgs("e-1", "contact@shop.example", []byte(`["sales@shop.example"]`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SaveEntityEmail(context.Background(), "e-1", "contact@shop.example", []string{"sales@shop.example"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCampaignFailureAppends(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE campaigns SET failures").
		WithArgs("c-1", []byte(`{"state":"CA","city":"Fresno","reason":"timeout"}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.RecordCampaignFailure(context.Background(), "c-1", engine.FailureRecord{
		State:  "CA",
		City:   "Fresno",
		Reason: "timeout",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEntitiesMissingEmail(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"id", "task_id", "name", "website", "domain", "email", "alt_emails", "scraped_at",
	}).AddRow(
		"e-1", "t-1", "Shop", "https://shop.example", "shop.example", "", []byte(`[]`), now,
	)
	mock.ExpectQuery("SELECT (.+) FROM entities WHERE email").
		WithArgs(10).
		WillReturnRows(rows)

	entities, err := store.ListEntitiesMissingEmail(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.Equal(t, "shop.example", entities[0].Domain)
	require.NoError(t, mock.ExpectationsWereMet())
}

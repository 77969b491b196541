package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventrelay/eventrelay/internal/domain"
)

func newEventRepoFixture(t *testing.T) (*EventRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &EventRepository{db: db}, mock
}

func TestEventRepository_Append(t *testing.T) {
	repo, mock := newEventRepoFixture(t)

	event := &domain.DomainEvent{
		EventID:    "evt_1",
		EventType:  "order.created",
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]interface{}{"amount": 100},
		Metadata:   domain.EventMetadata{SchemaName: "acme"},
	}

	mock.ExpectExec(`INSERT INTO "acme"\."events"`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Append(context.Background(), "acme", event)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_Append_InvalidSchema(t *testing.T) {
	repo, _ := newEventRepoFixture(t)
	event := &domain.DomainEvent{EventID: "evt_1"}

	err := repo.Append(context.Background(), "Bad-Schema", event)
	require.Error(t, err)
	var invalid *domain.ErrInvalidInput
	assert.ErrorAs(t, err, &invalid)
}

func TestEventRepository_Load(t *testing.T) {
	repo, mock := newEventRepoFixture(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"event_id", "event_type", "aggregate_type", "aggregate_id", "payload", "metadata",
		"occurred_at", "recorded_at", "priority", "partition_key", "processing_state",
		"attempts_count", "last_error",
	}).AddRow("evt_1", "order.created", "order", "ord_1", []byte(`{"amount":100}`), []byte(`{}`),
		now, now, string(domain.PriorityNormal), "ord_1", string(domain.ProcessingStatePending), 0, nil)

	mock.ExpectQuery(`(?s)SELECT .+ FROM "acme"\."events" WHERE event_id = \$1`).
		WithArgs("evt_1").
		WillReturnRows(rows)

	event, err := repo.Load(context.Background(), "acme", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.EventID)
	assert.Equal(t, "order", event.AggregateType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_Load_NotFound(t *testing.T) {
	repo, mock := newEventRepoFixture(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM "acme"\."events" WHERE event_id = \$1`).
		WithArgs("evt_missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Load(context.Background(), "acme", "evt_missing")
	require.Error(t, err)
	var notFound *domain.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestEventRepository_MarkProcessed(t *testing.T) {
	repo, mock := newEventRepoFixture(t)

	mock.ExpectExec(`UPDATE "acme"\."events" SET processing_state = \$1 WHERE event_id = \$2`).
		WithArgs(string(domain.ProcessingStateProcessed), "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkProcessed(context.Background(), "acme", "evt_1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepository_MarkProcessed_NotFound(t *testing.T) {
	repo, mock := newEventRepoFixture(t)

	mock.ExpectExec(`UPDATE "acme"\."events" SET processing_state = \$1 WHERE event_id = \$2`).
		WithArgs(string(domain.ProcessingStateProcessed), "evt_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkProcessed(context.Background(), "acme", "evt_missing")
	require.Error(t, err)
	var notFound *domain.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestEventRepository_CountByState(t *testing.T) {
	repo, mock := newEventRepoFixture(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "acme"\."events" WHERE processing_state = \$1`).
		WithArgs(string(domain.ProcessingStatePending)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	count, err := repo.CountByState(context.Background(), "acme", domain.ProcessingStatePending)
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

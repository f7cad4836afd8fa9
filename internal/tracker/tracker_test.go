package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderResultColumns = []string{
	"id", "uuid", "group_name", "user_name", "destination_id",
	"destination_type", "stage", "message", "files", "file_names",
	"timestamp", "preprocessing_id",
}

func newMockTracker(t *testing.T) (*Tracker, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func Test_ClaimNext_ClaimsOldestPendingOrder(t *testing.T) {
	tracker, mock := newMockTracker(t)
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF i SKIP LOCKED").
		WithArgs(string(StagePending)).
		WillReturnRows(sqlmock.NewRows(orderResultColumns).AddRow(
			1, orderID.String(), "research-lab", "jdoe", "101",
			"Dataset", string(StagePending), nil, `["/data/a.tif"]`, `["a.tif"]`,
			time.Now(), nil,
		))
	mock.ExpectExec("INSERT INTO imports").
		WithArgs(orderID.String(), "research-lab", "jdoe", "101", "Dataset",
			string(StageStarted), nil, `["/data/a.tif"]`, `["a.tif"]`, nil).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	claimed, err := tracker.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, orderID, claimed.UUID)
	assert.Equal(t, StageStarted, claimed.Stage)
	assert.Equal(t, []string{"/data/a.tif"}, claimed.Files)
	assert.Nil(t, claimed.Preprocessing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_ClaimNext_LoadsPreprocessingConfig(t *testing.T) {
	tracker, mock := newMockTracker(t)
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF i SKIP LOCKED").
		WithArgs(string(StagePending)).
		WillReturnRows(sqlmock.NewRows(orderResultColumns).AddRow(
			1, orderID.String(), "research-lab", "jdoe", "101",
			"Dataset", string(StagePending), nil, `["/data/a.tif"]`, nil,
			time.Now(), 7,
		))
	mock.ExpectQuery("FROM imports_preprocessing").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "container", "input_file", "output_folder", "alt_output_folder", "extra_params"}).
			AddRow(7, "cellularimaging/converter:1.2", "{Files}", "/data", "/out", []byte(`{"sample":"lsm"}`)))
	mock.ExpectExec("INSERT INTO imports").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	claimed, err := tracker.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NotNil(t, claimed.Preprocessing)

	assert.Equal(t, int64(7), claimed.Preprocessing.ID)
	assert.Equal(t, "cellularimaging/converter:1.2", claimed.Preprocessing.Container)
	assert.Equal(t, map[string]string{"sample": "lsm"}, claimed.Preprocessing.ExtraParams)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_ClaimNext_ReturnsNilWhenQueueEmpty(t *testing.T) {
	tracker, mock := newMockTracker(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF i SKIP LOCKED").
		WithArgs(string(StagePending)).
		WillReturnRows(sqlmock.NewRows(orderResultColumns))
	mock.ExpectCommit()

	claimed, err := tracker.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_Record_AppendsTerminalEvent(t *testing.T) {
	tracker, mock := newMockTracker(t)
	order := &Order{UUID: uuid.New(), GroupName: "research-lab", UserName: "jdoe",
		DestinationID: "101", DestinationType: "Dataset", Files: []string{"/data/a.tif"}}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stage FROM imports").
		WithArgs(order.UUID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"stage"}).AddRow(string(StageStarted)))
	mock.ExpectExec("INSERT INTO imports").
		WithArgs(order.UUID.String(), "research-lab", "jdoe", "101", "Dataset",
			string(StageCompleted), nil, `["/data/a.tif"]`, `[]`, nil).
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	require.NoError(t, tracker.Record(context.Background(), order, StageCompleted, ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_Record_RejectsIllegalTransition(t *testing.T) {
	tracker, mock := newMockTracker(t)
	order := &Order{UUID: uuid.New()}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT stage FROM imports").
		WithArgs(order.UUID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"stage"}).AddRow(string(StageCompleted)))
	mock.ExpectRollback()

	err := tracker.Record(context.Background(), order, StageFailed, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_Record_RejectsUnknownStage(t *testing.T) {
	tracker, _ := newMockTracker(t)

	err := tracker.Record(context.Background(), &Order{UUID: uuid.New()}, Stage("Import Paused"), "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func Test_CurrentStage_RetriesTransientFailures(t *testing.T) {
	tracker, mock := newMockTracker(t)
	orderID := uuid.New()

	mock.ExpectQuery("SELECT stage FROM imports").
		WithArgs(orderID.String()).
		WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectQuery("SELECT stage FROM imports").
		WithArgs(orderID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"stage"}).AddRow(string(StageStarted)))

	stage, err := tracker.CurrentStage(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, StageStarted, stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_CurrentStage_DoesNotRetryIntegrityViolations(t *testing.T) {
	tracker, mock := newMockTracker(t)
	orderID := uuid.New()

	mock.ExpectQuery("SELECT stage FROM imports").
		WithArgs(orderID.String()).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := tracker.CurrentStage(context.Background(), orderID)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_ListDangling_ReturnsStartedOrders(t *testing.T) {
	tracker, mock := newMockTracker(t)
	first, second := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT i.uuid").
		WithArgs(string(StageStarted)).
		WillReturnRows(sqlmock.NewRows([]string{"uuid"}).
			AddRow(first.String()).
			AddRow(second.String()))

	dangling, err := tracker.ListDangling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, dangling)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_IsTransient_Classification(t *testing.T) {
	assert.True(t, isTransient(&pq.Error{Code: "08006"}))
	assert.True(t, isTransient(&pq.Error{Code: "57P01"}))
	assert.False(t, isTransient(&pq.Error{Code: "23503"}))
	assert.False(t, isTransient(&pq.Error{Code: "42601"}))
}

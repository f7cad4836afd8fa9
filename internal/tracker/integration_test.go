//go:build integration

package tracker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/database"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/tracker"
)

// spawnTrackingDatabase boots a disposable postgres, runs the schema
// migrations against it and hands back a connected tracker plus the
// underlying handle for raw row setup.
func spawnTrackingDatabase(t *testing.T) (*tracker.Tracker, *sqlx.DB) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:14.1-alpine"),
		postgres.WithDatabase("omeroadi"),
		postgres.WithUsername("omeroadi"),
		postgres.WithPassword("omeroadi"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Second*60)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	manager := database.New()
	require.NoError(t, manager.Connect(database.Config{URL: url, RunMigrations: true}))
	t.Cleanup(func() { _ = manager.Close() })

	return tracker.New(manager.GetSqlxDb()), manager.GetSqlxDb()
}

func enqueueOrder(t *testing.T, queue *tracker.Tracker, files ...string) uuid.UUID {
	t.Helper()
	order := &tracker.Order{
		UUID:            uuid.New(),
		GroupName:       "research-lab",
		UserName:        "jdoe",
		DestinationID:   "101",
		DestinationType: "Dataset",
		Files:           files,
	}
	require.NoError(t, queue.Enqueue(context.Background(), order))
	return order.UUID
}

func Test_Integration_ConcurrentClaimsNeverOverlap(t *testing.T) {
	queue, _ := spawnTrackingDatabase(t)
	ctx := context.Background()

	const orders = 20
	expected := make(map[uuid.UUID]bool, orders)
	for i := 0; i < orders; i++ {
		expected[enqueueOrder(t, queue, "/data/img.tif")] = true
	}

	var mu sync.Mutex
	claimed := make(map[uuid.UUID]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				order, err := queue.ClaimNext(ctx)
				require.NoError(t, err)
				if order == nil {
					return
				}
				mu.Lock()
				claimed[order.UUID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, orders)
	for id, count := range claimed {
		assert.True(t, expected[id], "claimed unknown order %s", id)
		assert.Equal(t, 1, count, "order %s was claimed %d times", id, count)
	}
}

func Test_Integration_ClaimIsFIFO(t *testing.T) {
	queue, _ := spawnTrackingDatabase(t)
	ctx := context.Background()

	first := enqueueOrder(t, queue, "/data/a.tif")
	time.Sleep(time.Millisecond * 50)
	second := enqueueOrder(t, queue, "/data/b.tif")

	claimed, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first, claimed.UUID)

	claimed, err = queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second, claimed.UUID)
}

func Test_Integration_LifecycleEventsAreAppendOnly(t *testing.T) {
	queue, _ := spawnTrackingDatabase(t)
	ctx := context.Background()

	id := enqueueOrder(t, queue, "/data/a.tif")
	claimed, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	stage, err := queue.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StageStarted, stage)

	require.NoError(t, queue.Record(ctx, claimed, tracker.StageCompleted, ""))
	stage, err = queue.CurrentStage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tracker.StageCompleted, stage)

	// Terminal orders cannot be failed after the fact.
	err = queue.Record(ctx, claimed, tracker.StageFailed, "too late")
	assert.ErrorIs(t, err, tracker.ErrInvalidTransition)

	// And they are invisible to both the claimer and dangling recovery.
	next, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	dangling, err := queue.ListDangling(ctx)
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

func Test_Integration_EqualTimestampsDoNotResurrectClaims(t *testing.T) {
	queue, db := spawnTrackingDatabase(t)
	ctx := context.Background()

	// Events written by overlapping transactions carry the same now()
	// timestamp; the row with the higher id must stay authoritative or
	// the order would be claimable a second time.
	id := uuid.New()
	stamp := time.Now().UTC()
	const insert = `
		INSERT INTO imports
			(uuid, group_name, user_name, destination_id, destination_type, stage, files, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := db.ExecContext(ctx, insert, id.String(), "research-lab", "jdoe", "101", "Dataset",
		string(tracker.StagePending), `["/data/a.tif"]`, stamp)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, id.String(), "research-lab", "jdoe", "101", "Dataset",
		string(tracker.StageStarted), `["/data/a.tif"]`, stamp)
	require.NoError(t, err)

	claimed, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed, "order with a Started row must not be claimable")

	dangling, err := queue.ListDangling(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, dangling)
}

func Test_Integration_DanglingOrdersAreListed(t *testing.T) {
	queue, _ := spawnTrackingDatabase(t)
	ctx := context.Background()

	id := enqueueOrder(t, queue, "/data/a.tif")
	claimed, err := queue.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	dangling, err := queue.ListDangling(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, dangling)
}

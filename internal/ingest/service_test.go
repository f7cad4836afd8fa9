package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/event"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/importer"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/order"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/preprocess"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/tracker"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/worker"
)

type recordedEvent struct {
	order   uuid.UUID
	stage   tracker.Stage
	message string
}

// fakeQueue is an in-memory stand-in for the tracker.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []*tracker.Order
	dangling []uuid.UUID
	events   []recordedEvent
}

func (q *fakeQueue) ClaimNext(_ context.Context) (*tracker.Order, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}

	claimed := q.pending[0]
	q.pending = q.pending[1:]
	claimed.Stage = tracker.StageStarted
	return claimed, nil
}

func (q *fakeQueue) Record(_ context.Context, order *tracker.Order, stage tracker.Stage, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, recordedEvent{order.UUID, stage, message})
	return nil
}

func (q *fakeQueue) ListDangling(_ context.Context) ([]uuid.UUID, error) {
	return q.dangling, nil
}

type fakeProcessor struct {
	err       error
	processed []uuid.UUID
}

func (p *fakeProcessor) process(_ context.Context, claimed *tracker.Order) error {
	p.processed = append(p.processed, claimed.UUID)
	return p.err
}

func newTestService(queue *fakeQueue, processor orderProcessor) *Service {
	service := New(Config{MaxWorkers: 1, PollInterval: time.Millisecond * 10}, queue, nil, nil, event.New())
	service.processor = processor
	service.ctx = context.Background()
	return service
}

func Test_ClaimAndProcess_RecordsCompletion(t *testing.T) {
	id := uuid.New()
	queue := &fakeQueue{pending: []*tracker.Order{{UUID: id, Stage: tracker.StagePending}}}
	processor := &fakeProcessor{}
	service := newTestService(queue, processor)

	performed, err := service.claimAndProcess(worker.NewWorker("test", nil))
	require.NoError(t, err)
	assert.True(t, performed)

	require.Len(t, queue.events, 1)
	assert.Equal(t, recordedEvent{id, tracker.StageCompleted, ""}, queue.events[0])
	assert.Equal(t, []uuid.UUID{id}, processor.processed)
}

func Test_ClaimAndProcess_RecordsClassifiedFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"invalid order", fmt.Errorf("wrap: %w", fmt.Errorf("%w: no such user", order.ErrInvalid)), "ORDER_INVALID"},
		{"preprocess failure", fmt.Errorf("%w: container crashed", preprocess.ErrFailed), "PREPROCESS_FAILED"},
		{"import failure", fmt.Errorf("%w: exit 2", importer.ErrImportFailed), "IMPORT_FAILED"},
		{"rewire failure", fmt.Errorf("%w: rename blocked", importer.ErrRewireFailed), "REWIRE_FAILED"},
		{"unexpected failure", errors.New("disk on fire"), "INTERNAL_ERROR"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			id := uuid.New()
			queue := &fakeQueue{pending: []*tracker.Order{{UUID: id, Stage: tracker.StagePending}}}
			service := newTestService(queue, &fakeProcessor{err: test.err})

			performed, err := service.claimAndProcess(worker.NewWorker("test", nil))
			require.NoError(t, err)
			assert.True(t, performed)

			require.Len(t, queue.events, 1)
			assert.Equal(t, id, queue.events[0].order)
			assert.Equal(t, tracker.StageFailed, queue.events[0].stage)
			assert.Contains(t, queue.events[0].message, test.expected+": ")
		})
	}
}

func Test_ClaimAndProcess_NoWorkWhenQueueEmpty(t *testing.T) {
	service := newTestService(&fakeQueue{}, &fakeProcessor{})

	performed, err := service.claimAndProcess(worker.NewWorker("test", nil))
	require.NoError(t, err)
	assert.False(t, performed)
}

func Test_ClaimAndProcess_StopsClaimingOnceCancelled(t *testing.T) {
	id := uuid.New()
	queue := &fakeQueue{pending: []*tracker.Order{{UUID: id}}}
	processor := &fakeProcessor{}
	service := newTestService(queue, processor)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	service.ctx = ctx

	performed, err := service.claimAndProcess(worker.NewWorker("test", nil))
	require.NoError(t, err)
	assert.False(t, performed)
	assert.Empty(t, processor.processed)
}

func Test_RecoverDangling_FailsStaleOrders(t *testing.T) {
	stale := []uuid.UUID{uuid.New(), uuid.New()}
	queue := &fakeQueue{dangling: stale}
	service := newTestService(queue, &fakeProcessor{})

	require.NoError(t, service.RecoverDangling(context.Background()))

	require.Len(t, queue.events, 2)
	for i, recorded := range queue.events {
		assert.Equal(t, stale[i], recorded.order)
		assert.Equal(t, tracker.StageFailed, recorded.stage)
		assert.Equal(t, staleAtStartupMessage, recorded.message)
	}
}

func Test_Run_DrainsQueueAndStopsOnCancel(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	queue := &fakeQueue{}
	for _, id := range ids {
		queue.pending = append(queue.pending, &tracker.Order{UUID: id, Stage: tracker.StagePending})
	}
	processor := &fakeProcessor{}

	service := New(Config{MaxWorkers: 1, PollInterval: time.Millisecond * 5}, queue, nil, nil, event.New())
	service.processor = processor

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.events) == len(ids)
	}, time.Second*5, time.Millisecond*10)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("service did not stop after cancellation")
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	for _, recorded := range queue.events {
		assert.Equal(t, tracker.StageCompleted, recorded.stage)
	}
}

// blockingProcessor holds every order until released, to keep a worker
// in flight across a shutdown.
type blockingProcessor struct {
	release chan struct{}
}

func (p *blockingProcessor) process(context.Context, *tracker.Order) error {
	<-p.release
	return nil
}

func Test_Run_AbandonsInFlightWorkAfterGracePeriod(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	queue := &fakeQueue{pending: []*tracker.Order{{UUID: uuid.New(), Stage: tracker.StagePending}}}
	service := New(Config{
		MaxWorkers:      1,
		PollInterval:    time.Millisecond * 5,
		ShutdownTimeout: time.Millisecond * 50,
	}, queue, nil, nil, event.New())
	service.processor = &blockingProcessor{release: release}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.pending) == 0
	}, time.Second*5, time.Millisecond*5)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal("service did not abandon the in-flight order after the grace period")
	}
}

func Test_Events_DispatchedThroughLifecycle(t *testing.T) {
	id := uuid.New()
	queue := &fakeQueue{pending: []*tracker.Order{{UUID: id}}}
	bus := event.New()

	var seen []event.Event
	bus.RegisterHandlerFunction(event.ORDER_CLAIMED, func(e event.Event, _ event.Payload) { seen = append(seen, e) })
	bus.RegisterHandlerFunction(event.ORDER_COMPLETED, func(e event.Event, _ event.Payload) { seen = append(seen, e) })

	service := New(Config{MaxWorkers: 1, PollInterval: time.Millisecond * 10}, queue, nil, nil, bus)
	service.processor = &fakeProcessor{}
	service.ctx = context.Background()

	_, err := service.claimAndProcess(worker.NewWorker("test", nil))
	require.NoError(t, err)
	assert.Equal(t, []event.Event{event.ORDER_CLAIMED, event.ORDER_COMPLETED}, seen)
}

// Package ingest is the heart of the service: a fixed pool of workers
// draining the database-backed order queue. A poll loop wakes sleeping
// workers whenever the queue may hold claimable work; each worker
// claims one order at a time and runs it through validation,
// preprocessing and import, recording a single terminal event whatever
// happens.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/event"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/importer"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/order"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/preprocess"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/tracker"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/worker"
)

var log = logger.Get("Ingest")

// staleAtStartupMessage is recorded against orders found mid-flight at
// boot; a previous instance died while holding them.
const staleAtStartupMessage = "stale at startup"

type (
	Config struct {
		// MaxWorkers bounds how many orders are processed concurrently.
		MaxWorkers int

		// PollInterval is how often the queue is polled for claimable
		// orders between wakeups.
		PollInterval time.Duration

		// ShutdownTimeout is how long Run waits for in-flight orders
		// once shutdown is requested. Orders still running after the
		// deadline are abandoned and recovered as dangling on the next
		// boot.
		ShutdownTimeout time.Duration
	}

	// orderProcessor is the per-order pipeline; split out so service
	// tests can run the claim loop against a fake.
	orderProcessor interface {
		process(ctx context.Context, claimed *tracker.Order) error
	}

	// claimQueue is the slice of the tracker the service depends on.
	claimQueue interface {
		ClaimNext(ctx context.Context) (*tracker.Order, error)
		Record(ctx context.Context, order *tracker.Order, stage tracker.Stage, message string) error
		ListDangling(ctx context.Context) ([]uuid.UUID, error)
	}

	Service struct {
		config    Config
		tracker   claimQueue
		processor orderProcessor
		events    event.EventCoordinator
		pool      *worker.WorkerPool

		ctx context.Context
	}

	// pipeline is the production orderProcessor: validate, then import
	// (with preprocessing when the order carries a config).
	pipeline struct {
		validator *order.Validator
		importer  *importer.Importer
	}
)

func New(config Config, queue claimQueue, validator *order.Validator, imp *importer.Importer, events event.EventCoordinator) *Service {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second * 2
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = time.Second * 30
	}

	return &Service{
		config:    config,
		tracker:   queue,
		processor: &pipeline{validator: validator, importer: imp},
		events:    events,
		pool:      worker.NewWorkerPool(),
	}
}

// RecoverDangling fails every order left mid-flight by a previous
// instance. Must run before the pool starts so recovered rows cannot
// race a fresh claim.
func (service *Service) RecoverDangling(ctx context.Context) error {
	dangling, err := service.tracker.ListDangling(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dangling orders: %w", err)
	}

	for _, id := range dangling {
		stub := &tracker.Order{UUID: id, Stage: tracker.StageStarted}
		if err := service.tracker.Record(ctx, stub, tracker.StageFailed, staleAtStartupMessage); err != nil {
			return fmt.Errorf("failed to fail dangling order %s: %w", id, err)
		}
		log.Emit(logger.WARNING, "Order %s was mid-flight at startup; marked failed\n", id)
		service.events.Dispatch(event.ORDER_FAILED, id)
	}

	if len(dangling) > 0 {
		log.Emit(logger.INFO, "Recovered %d dangling order(s) at startup\n", len(dangling))
	}
	return nil
}

// Run starts the worker pool and the poll loop, and blocks until the
// context is cancelled. In-flight orders then get the shutdown grace
// period to finish; freshly-woken workers observe the cancelled
// context and stop claiming.
func (service *Service) Run(ctx context.Context) error {
	service.ctx = ctx

	for i := 0; i < service.config.MaxWorkers; i++ {
		label := fmt.Sprintf("order-worker:%d", i)
		if err := service.pool.PushWorker(worker.NewWorker(label, service.claimAndProcess)); err != nil {
			return err
		}
	}
	if err := service.pool.Start(); err != nil {
		return err
	}
	log.Emit(logger.SUCCESS, "Order processing started with %d worker(s), polling every %s\n",
		service.config.MaxWorkers, service.config.PollInterval)

	ticker := time.NewTicker(service.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := service.pool.WakeupWorkers(); err != nil {
				log.Emit(logger.ERROR, "Failed to wake workers: %v\n", err)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Shutdown requested; draining in-flight orders\n")
			return service.drain()
		}
	}
}

// drain joins the pool's workers, giving in-flight orders up to the
// shutdown grace period to finish. Whatever is still running after the
// deadline is left behind; its Started rows surface as dangling orders
// at the next boot.
func (service *Service) drain() error {
	done := make(chan struct{})
	go func() {
		service.pool.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(service.config.ShutdownTimeout):
		log.Emit(logger.WARNING, "Orders still in flight after %s grace period; abandoning\n", service.config.ShutdownTimeout)
		return nil
	}
}

// claimAndProcess is the task each pool worker runs: claim one order,
// process it, record exactly one terminal event. Reports work performed
// so the worker immediately tries for another order.
func (service *Service) claimAndProcess(w worker.Worker) (bool, error) {
	ctx := service.ctx
	if ctx.Err() != nil {
		return false, nil
	}

	claimed, err := service.tracker.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim failed: %w", err)
	}
	if claimed == nil {
		return false, nil
	}

	service.events.Dispatch(event.ORDER_CLAIMED, claimed.UUID)
	log.Emit(logger.INFO, "Worker %s processing order %s\n", w.Label(), claimed.UUID)

	if err := service.processor.process(ctx, claimed); err != nil {
		message := fmt.Sprintf("%s: %s", classify(err), firstLine(err.Error()))
		if recordErr := service.tracker.Record(ctx, claimed, tracker.StageFailed, message); recordErr != nil {
			log.Emit(logger.ERROR, "Could not record failure of order %s: %v\n", claimed.UUID, recordErr)
			return true, recordErr
		}
		log.Emit(logger.ERROR, "Order %s failed: %s\n", claimed.UUID, message)
		service.events.Dispatch(event.ORDER_FAILED, claimed.UUID)
		return true, nil
	}

	if err := service.tracker.Record(ctx, claimed, tracker.StageCompleted, ""); err != nil {
		log.Emit(logger.ERROR, "Could not record completion of order %s: %v\n", claimed.UUID, err)
		return true, err
	}
	service.events.Dispatch(event.ORDER_COMPLETED, claimed.UUID)
	return true, nil
}

func (p *pipeline) process(ctx context.Context, claimed *tracker.Order) error {
	validated, err := p.validator.Validate(ctx, claimed)
	if err != nil {
		return err
	}

	_, err = p.importer.Import(ctx, validated)
	return err
}

// classify maps a pipeline error to the failure kind recorded in the
// order's terminal message.
func classify(err error) string {
	switch {
	case errors.Is(err, order.ErrInvalid):
		return "ORDER_INVALID"
	case errors.Is(err, preprocess.ErrFailed):
		return "PREPROCESS_FAILED"
	case errors.Is(err, importer.ErrRewireFailed):
		return "REWIRE_FAILED"
	case errors.Is(err, importer.ErrImportFailed):
		return "IMPORT_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}

func firstLine(message string) string {
	message = strings.TrimSpace(message)
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		return message[:idx]
	}
	return message
}

// Package internal wires the service together: configuration, the
// tracking database, the repository gateway and client, and the order
// processing service.
package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/database"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/event"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/importer"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/ingest"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/omero"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/order"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/preprocess"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/tracker"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/docker"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var log = logger.Get("Core")

// Adi is the top-level object for the service; it owns the embedded
// support services, the database connection and the ingest service.
type Adi struct {
	config        AdiConfig
	eventBus      event.EventCoordinator
	dockerManager docker.DockerManager

	db            database.Manager
	ingestService *ingest.Service
}

func New(config AdiConfig) *Adi {
	return &Adi{
		config:   config,
		eventBus: event.New(),
		db:       database.New(),
	}
}

// Run brings the whole service up and blocks until the context is
// cancelled or a fatal error occurs:
//   - embedded postgres (when enabled)
//   - tracking database connection and schema migrations
//   - recovery of orders left mid-flight by a previous instance
//   - worker pool and queue polling
func (adi *Adi) Run(parent context.Context) error {
	if adi.config.EmbeddedDB.Enable {
		log.Emit(logger.NEW, "Initialising embedded tracking database...\n")
		manager, err := docker.NewDockerManager()
		if err != nil {
			return fmt.Errorf("failed to initialise container manager: %w", err)
		}
		adi.dockerManager = manager
		defer adi.dockerManager.Shutdown(time.Second * 10)

		if _, err := database.InitialiseDockerDatabase(adi.dockerManager, adi.config.EmbeddedDB); err != nil {
			return fmt.Errorf("failed to spawn embedded database: %w", err)
		}
	}

	log.Emit(logger.NEW, "Connecting to ingest tracking database...\n")
	if err := adi.db.Connect(adi.config.DatabaseConfig()); err != nil {
		return err
	}
	defer adi.db.Close()

	if err := adi.config.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create working directories: %w", err)
	}

	queue := tracker.New(adi.db.GetSqlxDb())
	gateway := omero.NewGateway(adi.config.OmeroConfig())
	cli := omero.NewCLI(adi.config.Omero.CliBinary, adi.config.OmeroConfig())
	runner := preprocess.NewRunner(adi.config.PreprocessConfig())
	validator := order.NewValidator(gateway)
	imp := importer.New(adi.config.ImporterConfig(), cli, gateway, runner)

	adi.registerActivityHandlers()
	adi.ingestService = ingest.New(adi.config.IngestConfig(), queue, validator, imp, adi.eventBus)

	log.Emit(logger.NEW, "Recovering orders left mid-flight by a previous instance...\n")
	if err := adi.ingestService.RecoverDangling(parent); err != nil {
		return err
	}

	log.Emit(logger.SUCCESS, "Bootstrap complete; starting order processing\n")
	return adi.ingestService.Run(parent)
}

// registerActivityHandlers subscribes the activity log to the order
// lifecycle events the ingest service dispatches.
func (adi *Adi) registerActivityHandlers() {
	activity := logger.Get("Activity")
	adi.eventBus.RegisterHandlerFunction(event.ORDER_CLAIMED, func(_ event.Event, payload event.Payload) {
		if id, ok := payload.(uuid.UUID); ok {
			activity.Emit(logger.INFO, "Order %s claimed\n", id)
		}
	})
	adi.eventBus.RegisterHandlerFunction(event.ORDER_COMPLETED, func(_ event.Event, payload event.Payload) {
		if id, ok := payload.(uuid.UUID); ok {
			activity.Emit(logger.SUCCESS, "Order %s completed\n", id)
		}
	})
	adi.eventBus.RegisterHandlerFunction(event.ORDER_FAILED, func(_ event.Event, payload event.Payload) {
		if id, ok := payload.(uuid.UUID); ok {
			activity.Emit(logger.ERROR, "Order %s failed\n", id)
		}
	})
}

// Package tracker owns the event-sourced progress log for upload
// orders. Every stage transition is a new row in the imports table; the
// row with the greatest (timestamp, id) for a uuid is authoritative. The
// claim primitive binds a Pending order to exactly one worker using
// row-level locks.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var log = logger.Get("Tracker")

// ErrInvalidTransition is returned by Record when the requested stage
// write would violate the stage machine.
var ErrInvalidTransition = errors.New("stage transition violates the order state machine")

const (
	orderColumns = `i.id, i.uuid, i.group_name, i.user_name, i.destination_id,
		i.destination_type, i.stage, i.message, i.files, i.file_names,
		i.timestamp, i.preprocessing_id`

	// The join resolves each uuid to its latest event, tie-broken by id
	// since rows written in overlapping transactions can share a
	// timestamp (now() is transaction-start time). The row lock
	// (skipping locked rows) guarantees two concurrent claimers never
	// pick the same order.
	claimQuery = `
		SELECT ` + orderColumns + `
		FROM imports i
		JOIN (
			SELECT DISTINCT ON (uuid) uuid, id
			FROM imports
			ORDER BY uuid, timestamp DESC, id DESC
		) current ON current.id = i.id
		WHERE i.stage = $1
		ORDER BY i.timestamp ASC, i.uuid ASC
		LIMIT 1
		FOR UPDATE OF i SKIP LOCKED`

	latestStageQuery = `
		SELECT stage FROM imports
		WHERE uuid = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`

	danglingQuery = `
		SELECT i.uuid
		FROM imports i
		JOIN (
			SELECT DISTINCT ON (uuid) uuid, id
			FROM imports
			ORDER BY uuid, timestamp DESC, id DESC
		) current ON current.id = i.id
		WHERE i.stage = $1
		ORDER BY i.timestamp ASC, i.uuid ASC`

	insertEventQuery = `
		INSERT INTO imports
			(uuid, group_name, user_name, destination_id, destination_type,
			 stage, message, files, file_names, preprocessing_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`

	preprocessingQuery = `
		SELECT id, container, input_file, output_folder, alt_output_folder, extra_params
		FROM imports_preprocessing
		WHERE id = $1`
)

// Tracker is the database-backed event log / work queue.
type Tracker struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Tracker {
	return &Tracker{db: db}
}

// ClaimNext atomically selects the oldest Pending order (FIFO by
// timestamp, tie-broken by uuid lexical order), appends a Started event
// for it, and returns the typed order. Returns (nil, nil) when the
// queue holds no claimable order.
func (t *Tracker) ClaimNext(ctx context.Context) (*Order, error) {
	var claimed *Order
	err := t.withRetry(ctx, "claim next order", func() error {
		claimed = nil
		return t.inTx(ctx, func(tx *sqlx.Tx) error {
			var row orderRow
			if err := tx.GetContext(ctx, &row, claimQuery, StagePending); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil
				}
				return err
			}

			order, err := row.toOrder()
			if err != nil {
				return err
			}

			if row.PreprocessingID.Valid {
				var preRow preprocessingRow
				if err := tx.GetContext(ctx, &preRow, preprocessingQuery, row.PreprocessingID.Int64); err != nil {
					return fmt.Errorf("failed to load preprocessing %d for order %s: %w", row.PreprocessingID.Int64, order.UUID, err)
				}
				pre, err := preRow.toPreprocessing()
				if err != nil {
					return err
				}
				order.Preprocessing = pre
			}

			if err := insertEvent(ctx, tx, order, row.PreprocessingID, StageStarted, ""); err != nil {
				return err
			}

			order.Stage = StageStarted
			claimed = order
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		log.Emit(logger.NEW, "Claimed order %s (user=%s group=%s dest=%s:%s)\n",
			claimed.UUID, claimed.UserName, claimed.GroupName, claimed.DestinationType, claimed.DestinationID)
	}
	return claimed, nil
}

// Record appends an event row moving the order to the stage provided,
// with an optional human-readable message. Transitions that violate
// the stage machine are rejected with ErrInvalidTransition.
func (t *Tracker) Record(ctx context.Context, order *Order, stage Stage, message string) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %q is not a known stage", ErrInvalidTransition, stage)
	}

	return t.withRetry(ctx, "record stage event", func() error {
		return t.inTx(ctx, func(tx *sqlx.Tx) error {
			var current string
			if err := tx.GetContext(ctx, &current, latestStageQuery, order.UUID.String()); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("order %s has no events; cannot record %s", order.UUID, stage)
				}
				return err
			}

			if !CanTransition(Stage(current), stage) {
				return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, current, stage, order.UUID)
			}

			preID := sql.NullInt64{}
			if order.Preprocessing != nil {
				preID = sql.NullInt64{Int64: order.Preprocessing.ID, Valid: true}
			}
			return insertEvent(ctx, tx, order, preID, stage, message)
		})
	})
}

// CurrentStage returns the latest stage for the uuid provided.
func (t *Tracker) CurrentStage(ctx context.Context, id uuid.UUID) (Stage, error) {
	var stage string
	err := t.withRetry(ctx, "read current stage", func() error {
		return t.db.GetContext(ctx, &stage, latestStageQuery, id.String())
	})
	if err != nil {
		return "", err
	}
	return Stage(stage), nil
}

// ListDangling returns the uuid of every order whose current stage is
// Started. Used only at startup to fail orders abandoned by a previous
// instance.
func (t *Tracker) ListDangling(ctx context.Context) ([]uuid.UUID, error) {
	var raw []string
	err := t.withRetry(ctx, "list dangling orders", func() error {
		raw = raw[:0]
		return t.db.SelectContext(ctx, &raw, danglingQuery, StageStarted)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, value := range raw {
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("dangling row carries malformed uuid %q: %w", value, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Enqueue inserts a fresh Pending event (and its preprocessing row, if
// any) for the order provided. This mirrors the producer's write and
// exists for tooling and tests; the service itself never enqueues.
func (t *Tracker) Enqueue(ctx context.Context, order *Order) error {
	return t.withRetry(ctx, "enqueue order", func() error {
		return t.inTx(ctx, func(tx *sqlx.Tx) error {
			preID := sql.NullInt64{}
			if order.Preprocessing != nil {
				params, err := encodeExtraParams(order.Preprocessing.ExtraParams)
				if err != nil {
					return err
				}

				row := tx.QueryRowxContext(ctx, `
					INSERT INTO imports_preprocessing
						(container, input_file, output_folder, alt_output_folder, extra_params)
					VALUES ($1, $2, $3, $4, $5)
					RETURNING id`,
					order.Preprocessing.Container,
					order.Preprocessing.InputFile,
					order.Preprocessing.OutputFolder,
					nullableString(order.Preprocessing.AltOutputFolder),
					params,
				)
				if err := row.Scan(&preID.Int64); err != nil {
					return fmt.Errorf("failed to insert preprocessing row: %w", err)
				}
				preID.Valid = true
				order.Preprocessing.ID = preID.Int64
			}

			return insertEvent(ctx, tx, order, preID, StagePending, "")
		})
	})
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, order *Order, preID sql.NullInt64, stage Stage, message string) error {
	files, err := encodeStringList(order.Files)
	if err != nil {
		return fmt.Errorf("failed to encode files for order %s: %w", order.UUID, err)
	}
	fileNames, err := encodeStringList(order.FileNames)
	if err != nil {
		return fmt.Errorf("failed to encode file names for order %s: %w", order.UUID, err)
	}

	_, err = tx.ExecContext(ctx, insertEventQuery,
		order.UUID.String(),
		order.GroupName,
		order.UserName,
		order.DestinationID,
		order.DestinationType,
		string(stage),
		nullableString(message),
		files,
		fileNames,
		preID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s event for order %s: %w", stage, order.UUID, err)
	}

	log.Emit(logger.INFO, "Recorded event %s for order %s\n", stage, order.UUID)
	return nil
}

func (t *Tracker) inTx(ctx context.Context, f func(*sqlx.Tx) error) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func encodeExtraParams(params map[string]string) ([]byte, error) {
	if len(params) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode extra params: %w", err)
	}
	return payload, nil
}

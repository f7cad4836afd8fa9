package tracker

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Preprocessing holds the container-based preprocessing config
	// referenced by one or more order events.
	Preprocessing struct {
		ID              int64             `db:"id"`
		Container       string            `db:"container"`
		InputFile       string            `db:"input_file"`
		OutputFolder    string            `db:"output_folder"`
		AltOutputFolder string            `db:"alt_output_folder"`
		ExtraParams     map[string]string `db:"-"`
	}

	// Order is the typed view of a queue row: the latest event for a
	// uuid, joined with its preprocessing config (if any).
	Order struct {
		UUID            uuid.UUID
		GroupName       string
		UserName        string
		DestinationID   string
		DestinationType string
		Files           []string
		FileNames       []string
		Stage           Stage
		Message         string
		Timestamp       time.Time
		Preprocessing   *Preprocessing
	}

	// orderRow is the raw scan target for an imports row; the JSON
	// blob columns are an encoding detail of this boundary only.
	orderRow struct {
		ID              int64          `db:"id"`
		UUID            string         `db:"uuid"`
		GroupName       string         `db:"group_name"`
		UserName        string         `db:"user_name"`
		DestinationID   string         `db:"destination_id"`
		DestinationType string         `db:"destination_type"`
		Stage           string         `db:"stage"`
		Message         sql.NullString `db:"message"`
		Files           string         `db:"files"`
		FileNames       sql.NullString `db:"file_names"`
		Timestamp       time.Time      `db:"timestamp"`
		PreprocessingID sql.NullInt64  `db:"preprocessing_id"`
	}

	preprocessingRow struct {
		ID              int64          `db:"id"`
		Container       string         `db:"container"`
		InputFile       string         `db:"input_file"`
		OutputFolder    string         `db:"output_folder"`
		AltOutputFolder sql.NullString `db:"alt_output_folder"`
		ExtraParams     []byte         `db:"extra_params"`
	}
)

func (row *orderRow) toOrder() (*Order, error) {
	id, err := uuid.Parse(row.UUID)
	if err != nil {
		return nil, fmt.Errorf("order row %d carries malformed uuid %q: %w", row.ID, row.UUID, err)
	}

	var files []string
	if err := json.Unmarshal([]byte(row.Files), &files); err != nil {
		return nil, fmt.Errorf("order %s carries malformed files payload: %w", row.UUID, err)
	}

	var fileNames []string
	if row.FileNames.Valid && row.FileNames.String != "" {
		if err := json.Unmarshal([]byte(row.FileNames.String), &fileNames); err != nil {
			return nil, fmt.Errorf("order %s carries malformed file_names payload: %w", row.UUID, err)
		}
	}

	return &Order{
		UUID:            id,
		GroupName:       row.GroupName,
		UserName:        row.UserName,
		DestinationID:   row.DestinationID,
		DestinationType: row.DestinationType,
		Files:           files,
		FileNames:       fileNames,
		Stage:           Stage(row.Stage),
		Message:         row.Message.String,
		Timestamp:       row.Timestamp,
	}, nil
}

func (row *preprocessingRow) toPreprocessing() (*Preprocessing, error) {
	params := make(map[string]string)
	if len(row.ExtraParams) > 0 {
		if err := json.Unmarshal(row.ExtraParams, &params); err != nil {
			return nil, fmt.Errorf("preprocessing row %d carries malformed extra_params: %w", row.ID, err)
		}
	}

	return &Preprocessing{
		ID:              row.ID,
		Container:       row.Container,
		InputFile:       row.InputFile,
		OutputFolder:    row.OutputFolder,
		AltOutputFolder: row.AltOutputFolder.String,
		ExtraParams:     params,
	}, nil
}

func encodeStringList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

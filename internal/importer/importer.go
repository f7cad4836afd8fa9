// Package importer drives the repository import for a validated order:
// it opens a sudo'd session as the ordering user, invokes the import
// client, and for preprocessed orders relocates staged artifacts to
// their durable home while atomically retargeting the in-place
// symlinks the client created.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/omero"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/order"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/preprocess"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var log = logger.Get("Importer")

var (
	// ErrImportFailed marks a client invocation that produced nothing
	// usable.
	ErrImportFailed = errors.New("repository import failed")

	// ErrRewireFailed marks an import whose data landed in the
	// repository but whose symlinks could not be retargeted off the
	// staging directory. The staging directory is kept so the links
	// stay valid for manual repair.
	ErrRewireFailed = errors.New("symlink rewire failed")
)

const (
	// processedDirName is the durable home for preprocessed artifacts,
	// created next to the order's source file.
	processedDirName = ".processed"

	metadataFileName = "metadata.csv"

	zarrSuffix = ".zarr"
)

type (
	Config struct {
		// LogDir receives the per-order client log and error files.
		LogDir string

		// ManagedRepository is the repository-managed tree the client
		// creates in-place symlinks under.
		ManagedRepository string

		ParallelUpload  int
		ParallelFileset int
		Skips           []string

		// RegisterZarr switches zarr filesets to the in-place register
		// path of the client instead of a regular import.
		RegisterZarr bool
	}

	// Outcome reports what an import minted in the repository.
	Outcome struct {
		Objects []omero.ImportedObject
	}

	Importer struct {
		config     Config
		cli        *omero.CLI
		gateway    omero.Gateway
		preprocess *preprocess.Runner
	}
)

func New(config Config, cli *omero.CLI, gateway omero.Gateway, runner *preprocess.Runner) *Importer {
	return &Importer{
		config:     config,
		cli:        cli,
		gateway:    gateway,
		preprocess: runner,
	}
}

// Import runs the full import pipeline for a validated order and
// returns the minted repository objects.
func (im *Importer) Import(ctx context.Context, validated *order.ValidatedOrder) (*Outcome, error) {
	session, err := im.cli.OpenUserSession(ctx, validated.UserName, validated.GroupName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportFailed, err)
	}
	defer im.cli.CloseSession(context.WithoutCancel(ctx), session)

	if validated.Preprocessing != nil {
		return im.importPreprocessed(ctx, validated, session)
	}
	return im.importDirect(ctx, validated, session)
}

// importDirect imports the order's source files as they are.
func (im *Importer) importDirect(ctx context.Context, validated *order.ValidatedOrder, session string) (*Outcome, error) {
	outcome := &Outcome{}
	for _, file := range validated.Files {
		result, err := im.cli.RunImport(ctx, im.request(validated, session, file))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrImportFailed, filepath.Base(file), err)
		}
		outcome.Objects = append(outcome.Objects, result.Objects...)
		im.annotate(ctx, validated, file, result.Objects, nil)
	}

	log.Emit(logger.SUCCESS, "Order %s imported %d object(s)\n", validated.UUID, len(outcome.Objects))
	return outcome, nil
}

// importPreprocessed stages artifacts through the preprocessing
// container, imports them from the staging directory, then moves each
// artifact to its durable home and retargets the in-place symlinks
// before tearing the staging directory down.
func (im *Importer) importPreprocessed(ctx context.Context, validated *order.ValidatedOrder, session string) (*Outcome, error) {
	staged, err := im.preprocess.Run(ctx, validated.Order)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	minted := make(map[string][]omero.ImportedObject)
	for _, artifact := range staged {
		result, err := im.cli.RunImport(ctx, im.request(validated, session, artifact.AltPath))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrImportFailed, artifact.Name, err)
		}
		outcome.Objects = append(outcome.Objects, result.Objects...)
		minted[artifact.Name] = result.Objects
	}

	rewired := 0
	for _, artifact := range staged {
		destination := durablePath(sharedDestination(artifact.SourceFile), artifact)
		stagedPath := artifact.AltPath
		if err := moveFile(stagedPath, destination); err != nil {
			return nil, fmt.Errorf("%w: could not move %s to %s: %v", ErrRewireFailed, artifact.Name, destination, err)
		}
		count, err := rewireSymlinks(im.config.ManagedRepository, stagedPath, destination)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRewireFailed, err)
		}
		rewired += count
	}
	log.Emit(logger.INFO, "Order %s: retargeted %d symlink(s) off the staging directory\n", validated.UUID, rewired)

	staging := im.preprocess.StagingDir(validated.UUID)
	if err := os.RemoveAll(staging); err != nil {
		log.Emit(logger.WARNING, "Could not remove staging directory %s: %v\n", staging, err)
	}

	for _, artifact := range staged {
		im.annotate(ctx, validated, artifact.SourceFile, minted[artifact.Name], artifact.KeyValues)
	}

	log.Emit(logger.SUCCESS, "Order %s imported %d object(s) via preprocessing\n", validated.UUID, len(outcome.Objects))
	return outcome, nil
}

func (im *Importer) request(validated *order.ValidatedOrder, session string, path string) *omero.ImportRequest {
	return &omero.ImportRequest{
		SessionKey:      session,
		OrderID:         validated.UUID,
		LogDir:          im.config.LogDir,
		Path:            path,
		DestinationType: validated.DestinationType,
		DestinationID:   validated.Order.DestinationID,
		ParallelUpload:  im.config.ParallelUpload,
		ParallelFileset: im.config.ParallelFileset,
		Skips:           im.config.Skips,
		RegisterZarr:    im.config.RegisterZarr && isZarr(path),
	}
}

// annotate posts one map annotation per minted object: the order's
// identity (UUID and source filepath), any user-supplied metadata.csv
// rows found beside the source file, and the artifact's key/values.
// Annotation failures do not fail the order; the data is already in
// the repository.
func (im *Importer) annotate(ctx context.Context, validated *order.ValidatedOrder, sourceFile string, objects []omero.ImportedObject, extra map[string]string) {
	entries := []omero.KeyValue{
		{Key: "UUID", Value: validated.UUID.String()},
		{Key: "Filepath", Value: sourceFile},
	}
	entries = append(entries, readMetadata(sourceFile)...)
	entries = append(entries, sortedKeyValues(extra)...)

	for _, object := range objects {
		if object.Type == "Fileset" {
			continue
		}
		if err := im.gateway.AttachMapAnnotation(ctx, object.Type, object.ID, entries); err != nil {
			log.Emit(logger.WARNING, "Could not annotate %s %d: %v\n", object.Type, object.ID, err)
		}
	}
}

// readMetadata collects user-supplied metadata rows for a source file:
// a two-column metadata.csv (header row skipped) in the file's own
// directory and in its .processed subdirectory. Missing files are
// fine; malformed ones are skipped with a warning.
func readMetadata(sourceFile string) []omero.KeyValue {
	var entries []omero.KeyValue
	for _, dir := range []string{filepath.Dir(sourceFile), sharedDestination(sourceFile)} {
		path := filepath.Join(dir, metadataFileName)
		handle, err := os.Open(path)
		if err != nil {
			continue
		}

		reader := csv.NewReader(handle)
		reader.FieldsPerRecord = -1
		rows, err := reader.ReadAll()
		handle.Close()
		if err != nil {
			log.Emit(logger.WARNING, "Malformed %s at %s: %v\n", metadataFileName, path, err)
			continue
		}

		for i, row := range rows {
			if i == 0 || len(row) < 2 {
				continue
			}
			entries = append(entries, omero.KeyValue{Key: row[0], Value: row[1]})
		}
	}
	return entries
}

// sharedDestination is the durable directory for preprocessed
// artifacts: a .processed directory beside the order's source file.
func sharedDestination(sourceFile string) string {
	return filepath.Join(filepath.Dir(sourceFile), processedDirName)
}

// durablePath resolves where an artifact must live once the import is
// done. Absolute manifest paths are honoured; relative ones (and
// manifests without a path) land in the shared destination.
func durablePath(durableDir string, artifact preprocess.StagedFile) string {
	switch {
	case artifact.FullPath != "" && filepath.IsAbs(artifact.FullPath):
		return artifact.FullPath
	case artifact.FullPath != "":
		return filepath.Join(durableDir, artifact.FullPath)
	default:
		return filepath.Join(durableDir, artifact.Name)
	}
}

func sortedKeyValues(values map[string]string) []omero.KeyValue {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	kv := make([]omero.KeyValue, 0, len(keys))
	for _, key := range keys {
		kv = append(kv, omero.KeyValue{Key: key, Value: values[key]})
	}
	return kv
}

func isZarr(path string) bool {
	return strings.HasSuffix(strings.TrimSuffix(path, "/"), zarrSuffix)
}

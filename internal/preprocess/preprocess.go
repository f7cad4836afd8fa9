// Package preprocess runs the optional containerised preprocessing
// step of an upload order. The container reads the source file through
// a bind mount, writes derived artifacts into a per-order staging
// directory, and reports what it produced as a JSON array on the last
// line of stdout.
package preprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/internal/tracker"
	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var log = logger.Get("Preprocess")

// ErrFailed marks a preprocessing run that did not produce usable
// output; the order is failed without retrying.
var ErrFailed = errors.New("preprocessing failed")

const (
	// filesPlaceholder in a parameter value expands to the container
	// side path of the order's input file.
	filesPlaceholder = "{Files}"

	defaultRegistry = "docker.io"

	// stagingDirName is the directory (under the managed root) that
	// holds the per-order staging subdirectories.
	stagingDirName = "OMERO_inplace"
)

type (
	Config struct {
		// Binary is the container engine executable, normally podman.
		Binary string

		// UsernsMode is the value handed to --userns; keep-id makes
		// files written by the container owned by the service user.
		UsernsMode string

		// ManagedRoot is the repository's managed filesystem root under
		// which staging directories are created.
		ManagedRoot string
	}

	// KeyValues holds the manifest's keyvalues field. Containers emit
	// it either as a list of single-entry maps or as one flat object;
	// both decode to the same map.
	KeyValues map[string]string

	// StagedFile is one artifact reported by the container. FullPath is
	// the source-side path (possibly relative to the shared output
	// folder), AltPath the host-side staging path used for the import.
	// SourceFile is the order input the artifact was derived from.
	StagedFile struct {
		Name      string    `json:"name"`
		FullPath  string    `json:"full_path"`
		AltPath   string    `json:"alt_path"`
		KeyValues KeyValues `json:"keyvalues"`

		SourceFile string `json:"-"`
	}

	Runner struct {
		config Config
	}
)

func (kv *KeyValues) UnmarshalJSON(data []byte) error {
	var list []map[string]string
	if err := json.Unmarshal(data, &list); err == nil {
		merged := make(map[string]string, len(list))
		for _, entry := range list {
			for key, value := range entry {
				merged[key] = value
			}
		}
		*kv = merged
		return nil
	}

	var object map[string]string
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	*kv = object
	return nil
}

func NewRunner(config Config) *Runner {
	if config.Binary == "" {
		config.Binary = "podman"
	}
	if config.UsernsMode == "" {
		config.UsernsMode = "keep-id"
	}
	return &Runner{config: config}
}

// StagingDir returns the host-side staging directory for an order. The
// importer deletes it once the imported symlinks no longer point into
// it.
func (runner *Runner) StagingDir(orderID uuid.UUID) string {
	return filepath.Join(runner.config.ManagedRoot, stagingDirName, orderID.String())
}

// BuildArgs assembles the container engine argv for one input file.
// Extra parameters are emitted in sorted key order so invocations are
// reproducible; the {Files} placeholder expands to the container-side
// path of the input file.
func (runner *Runner) BuildArgs(order *tracker.Order, inputFile string) []string {
	pre := order.Preprocessing
	containerInput := path.Join(pre.OutputFolder, filepath.Base(inputFile))

	args := []string{
		"run", "--rm",
		"--userns=" + runner.config.UsernsMode,
		"-v", filepath.Dir(inputFile) + ":" + pre.OutputFolder,
		"-v", runner.StagingDir(order.UUID) + ":" + pre.AltOutputFolder,
		qualifyImage(pre.Container),
	}

	keys := make([]string, 0, len(pre.ExtraParams))
	for key := range pre.ExtraParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pre.ExtraParams[key]
		if value == filesPlaceholder {
			value = containerInput
		}
		args = append(args, "--"+key, value)
	}

	substituted := pre.InputFile
	if substituted == "" || substituted == filesPlaceholder {
		substituted = containerInput
	}

	return append(args,
		"--inputfile", substituted,
		"--outputfolder", pre.OutputFolder,
		"--altoutputfolder", pre.AltOutputFolder,
	)
}

// Run executes the preprocessing container for every file of the order
// and returns the artifacts it staged. The staging directory is created
// before the first run and survives an error for post-mortem.
func (runner *Runner) Run(ctx context.Context, order *tracker.Order) ([]StagedFile, error) {
	if order.Preprocessing == nil {
		return nil, nil
	}

	staging := runner.StagingDir(order.UUID)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("%w: could not create staging directory: %v", ErrFailed, err)
	}

	var staged []StagedFile
	for _, file := range order.Files {
		files, err := runner.runOne(ctx, order, file)
		if err != nil {
			return nil, err
		}
		for i := range files {
			files[i].SourceFile = file
		}
		staged = append(staged, files...)
	}

	log.Emit(logger.SUCCESS, "Preprocessing for order %s staged %d file(s)\n", order.UUID, len(staged))
	return staged, nil
}

func (runner *Runner) runOne(ctx context.Context, order *tracker.Order, inputFile string) ([]StagedFile, error) {
	args := runner.BuildArgs(order, inputFile)
	log.Emit(logger.VERBOSE, "Invoking preprocessing container: %s %s\n", runner.config.Binary, strings.Join(args, " "))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, runner.config.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: container for %s exited: %v: %s", ErrFailed, filepath.Base(inputFile), err, lastLine(stderr.String()))
	}

	// An empty manifest is as unusable as a missing one; the staging
	// scan below fails the order when nothing was produced at all.
	if staged, ok := parseTail(stdout.String()); ok && len(staged) > 0 {
		return rebaseStaged(staged, order.Preprocessing.AltOutputFolder, runner.StagingDir(order.UUID)), nil
	}

	// Containers predating the JSON contract stay silent; fall back to
	// whatever landed in the staging directory.
	log.Emit(logger.WARNING, "Container for order %s reported no usable manifest; scanning staging directory\n", order.UUID)
	return runner.scanStaging(order.UUID)
}

// rebaseStaged translates alt paths from the container's view (under
// the mounted alt output folder) onto the host staging directory. Paths
// already host-side, or missing entirely, resolve by artifact name.
func rebaseStaged(staged []StagedFile, altFolder string, staging string) []StagedFile {
	for i, artifact := range staged {
		switch {
		case artifact.AltPath == "":
			staged[i].AltPath = filepath.Join(staging, artifact.Name)
		case !filepath.IsAbs(artifact.AltPath):
			staged[i].AltPath = filepath.Join(staging, artifact.AltPath)
		case altFolder != "":
			if relative, err := filepath.Rel(altFolder, artifact.AltPath); err == nil && !strings.HasPrefix(relative, "..") {
				staged[i].AltPath = filepath.Join(staging, relative)
			}
		}
	}
	return staged
}

// parseTail interprets the last non-empty stdout line as the artifact
// manifest.
func parseTail(stdout string) ([]StagedFile, bool) {
	line := lastLine(stdout)
	if line == "" {
		return nil, false
	}

	var staged []StagedFile
	if err := json.Unmarshal([]byte(line), &staged); err != nil {
		return nil, false
	}
	return staged, true
}

// scanStaging lists the files present in the order's staging directory
// and synthesises manifest entries for them.
func (runner *Runner) scanStaging(orderID uuid.UUID) ([]StagedFile, error) {
	staging := runner.StagingDir(orderID)
	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, fmt.Errorf("%w: could not scan staging directory: %v", ErrFailed, err)
	}

	var staged []StagedFile
	for _, entry := range entries {
		staged = append(staged, StagedFile{
			Name:    entry.Name(),
			AltPath: filepath.Join(staging, entry.Name()),
		})
	}

	if len(staged) == 0 {
		return nil, fmt.Errorf("%w: container produced no output", ErrFailed)
	}
	return staged, nil
}

// qualifyImage prefixes a bare image name with the default registry so
// the engine never consults its unqualified-search list.
func qualifyImage(image string) string {
	first, _, _ := strings.Cut(image, "/")
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return image
	}
	return defaultRegistry + "/" + image
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

package omero

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

const (
	// Subcommand used when an order targets a zarr fileset that must be
	// registered in place instead of imported.
	zarrRegisterSubcommand = "zarr-register"

	cliLogFileTemplate = "cli.%s.logs"
	cliErrFileTemplate = "cli.%s.errs"
)

type (
	// CLI drives the repository's command line client as a subprocess.
	// Sessions are created by sudo'ing from the service account to the
	// order's user so imports are owned by the right person.
	CLI struct {
		Bin    string
		Config Config
	}

	// ImportRequest describes a single client invocation for one order.
	ImportRequest struct {
		SessionKey      string
		OrderID         uuid.UUID
		LogDir          string
		Path            string
		DestinationType string
		DestinationID   string

		ParallelUpload  int
		ParallelFileset int
		Skips           []string
		RegisterZarr    bool
	}

	// ImportedObject is one repository object minted by an import, as
	// reported on the client's stdout (e.g. Image:12).
	ImportedObject struct {
		Type string
		ID   int64
	}

	// ImportResult carries the parsed outcome of a client invocation.
	ImportResult struct {
		Objects  []ImportedObject
		ExitCode int
	}
)

func NewCLI(bin string, config Config) *CLI {
	if bin == "" {
		bin = "omero"
	}
	return &CLI{Bin: bin, Config: config}
}

// OpenUserSession sudo's from the service account to the named user and
// returns the session key the import will run under. The TTL bounds how
// long an idle connection stays alive on the server.
func (cli *CLI) OpenUserSession(ctx context.Context, username string, group string) (string, error) {
	args := []string{
		"sessions", "login",
		"--sudo", cli.Config.User,
		"-u", username,
		"-g", group,
		"-s", cli.Config.Host,
		"-p", cli.Config.Port,
		"-w", cli.Config.Password,
	}
	if cli.Config.SessionTTL > 0 {
		args = append(args, "-t", strconv.Itoa(cli.Config.SessionTTL/1000))
	}

	cmd := exec.CommandContext(ctx, cli.Bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("session login for user %s failed: %w: %s", username, err, firstLine(string(output)))
	}

	key, ok := extractSessionKey(string(output))
	if !ok {
		return "", fmt.Errorf("session login for user %s succeeded but no session key found in output", username)
	}

	log.Emit(logger.INFO, "Opened repository session for user %s (group %s)\n", username, group)
	return key, nil
}

// CloseSession tears the session down. Failures are logged and
// swallowed as the server reaps idle sessions on its own.
func (cli *CLI) CloseSession(ctx context.Context, key string) {
	cmd := exec.CommandContext(ctx, cli.Bin,
		"sessions", "logout",
		"-s", cli.Config.Host,
		"-p", cli.Config.Port,
		"-k", key,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		log.Emit(logger.WARNING, "Failed to close repository session: %v: %s\n", err, firstLine(string(output)))
	}
}

// ImportArgs builds the argument vector for the request. Kept separate
// from RunImport so the exact invocation is testable without a binary.
func (cli *CLI) ImportArgs(request *ImportRequest) []string {
	id := request.OrderID.String()
	args := []string{}
	if request.RegisterZarr {
		args = append(args, zarrRegisterSubcommand)
	} else {
		args = append(args, "import")
	}

	args = append(args,
		"-k", request.SessionKey,
		"-s", cli.Config.Host,
		"-p", cli.Config.Port,
		"--transfer=ln_s",
		"--file", filepath.Join(request.LogDir, fmt.Sprintf(cliLogFileTemplate, id)),
		"--errs", filepath.Join(request.LogDir, fmt.Sprintf(cliErrFileTemplate, id)),
	)

	if request.ParallelUpload > 0 {
		args = append(args, "--parallel-upload", strconv.Itoa(request.ParallelUpload))
	}
	if request.ParallelFileset > 0 {
		args = append(args, "--parallel-fileset", strconv.Itoa(request.ParallelFileset))
	}
	for _, skip := range request.Skips {
		args = append(args, "--skip", skip)
	}

	switch strings.ToLower(request.DestinationType) {
	case "screen":
		args = append(args, "-r", request.DestinationID)
	default:
		args = append(args, "-d", request.DestinationID)
	}

	return append(args, request.Path)
}

// RunImport invokes the client for the request, teeing stdout into the
// parser so minted object ids can be returned to the caller. A non-zero
// exit is an error; so is a clean exit that minted nothing.
func (cli *CLI) RunImport(ctx context.Context, request *ImportRequest) (*ImportResult, error) {
	if err := os.MkdirAll(request.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create client log directory: %w", err)
	}

	args := cli.ImportArgs(request)
	log.Emit(logger.VERBOSE, "Invoking repository client: %s %s\n", cli.Bin, strings.Join(redactKey(args), " "))

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cli.Bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &ImportResult{Objects: ParseImportOutput(stdout.String()), ExitCode: -1}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr != nil {
		return result, fmt.Errorf("repository client exited with status %d: %s", result.ExitCode, firstLine(stderr.String()))
	}
	if len(result.Objects) == 0 {
		return result, fmt.Errorf("repository client exited cleanly but reported no imported objects")
	}

	return result, nil
}

// ParseImportOutput extracts minted object ids from client stdout.
// The client prints one line per object class, e.g. "Image:12,13" or
// "Plate:4"; anything else is progress noise and is ignored.
func ParseImportOutput(stdout string) []ImportedObject {
	var objects []ImportedObject

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		kind, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch kind {
		case "Image", "Plate", "Fileset":
		default:
			continue
		}

		for _, token := range strings.Split(rest, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(token), 10, 64)
			if err != nil {
				continue
			}
			objects = append(objects, ImportedObject{Type: kind, ID: id})
		}
	}

	return objects
}

// extractSessionKey scans client output for a uuid-shaped token; the
// login subcommand reports the created session key in its banner.
func extractSessionKey(output string) (string, bool) {
	fields := strings.FieldsFunc(output, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '\'' || r == '"'
	})
	for _, field := range fields {
		if _, err := uuid.Parse(field); err == nil {
			return field, true
		}
	}
	return "", false
}

// redactKey masks the session key in an argv before logging it.
func redactKey(args []string) []string {
	redacted := make([]string, len(args))
	copy(redacted, args)
	for i := 0; i < len(redacted)-1; i++ {
		if redacted[i] == "-k" || redacted[i] == "-w" {
			redacted[i+1] = "****"
		}
	}
	return redacted
}

func firstLine(output string) string {
	output = strings.TrimSpace(output)
	if idx := strings.IndexByte(output, '\n'); idx >= 0 {
		return output[:idx]
	}
	return output
}

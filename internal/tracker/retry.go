package tracker

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

const (
	maxWriteAttempts  = 5
	retryBackoffStart = time.Millisecond * 250
)

// withRetry runs op up to maxWriteAttempts times, backing off
// exponentially between attempts. Only transient transport errors are
// retried; anything else (including integrity violations) fails
// immediately.
func (t *Tracker) withRetry(ctx context.Context, label string, op func() error) error {
	backoff := retryBackoffStart
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		if attempt < maxWriteAttempts {
			log.Emit(logger.WARNING, "Transient DB error during %s (attempt %d/%d): %v... retrying in %s\n",
				label, attempt, maxWriteAttempts, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	log.Emit(logger.ERROR, "All retries exhausted during %s: %v\n", label, err)
	return err
}

// isTransient classifies an error as a retryable transport failure.
// Connection drops and resets are transient; integrity violations and
// other SQL-level errors are not.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		switch class {
		case "08": // connection exceptions
			return true
		case "57": // operator intervention (admin shutdown, crash recovery)
			return true
		case "23": // integrity constraint violations
			return false
		}
		return false
	}

	message := err.Error()
	return strings.Contains(message, "connection reset") ||
		strings.Contains(message, "closed the connection") ||
		strings.Contains(message, "broken pipe")
}

package processor

import (
	"context"
	"errors"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/sources"
	"github.com/docmesh/docmesh/pkg/pgutils"
)

// PermanentError marks a failure retrying cannot fix. The queue
// dead-letters the entry immediately instead of spending its retry
// budget on identical attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether retrying the failed document could
// succeed. Vanished documents and integrity violations fail the same
// way on every attempt; everything else is assumed transient.
func IsPermanent(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true
	}
	if errors.Is(err, sources.ErrNotFound) {
		return true
	}
	return pgutils.IsIntegrityViolation(err)
}

// Volatile message fragments blanked out before fingerprinting, so two
// occurrences of the same failure against different documents collapse
// onto one key.
var (
	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexRe  = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	numRe  = regexp.MustCompile(`\d+`)
)

const fingerprintMaxLen = 120

// Fingerprint reduces an error to a stable grouping key: a coarse class
// plus the head of the message with ids, hashes, and counts blanked
// out. The dead-letter tooling aggregates failures on this key.
func Fingerprint(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	msg = uuidRe.ReplaceAllString(msg, "#")
	msg = hexRe.ReplaceAllString(msg, "#")
	msg = numRe.ReplaceAllString(msg, "#")
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > fingerprintMaxLen {
		msg = msg[:fingerprintMaxLen]
	}
	return errorClass(err) + ": " + msg
}

// errorClass buckets an error for fingerprinting and metrics.
func errorClass(err error) string {
	switch {
	case errors.Is(err, sources.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case pgutils.IsIntegrityViolation(err):
		return "integrity"
	case IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}

// NewErrorInfo captures a failure for the dead-letter queue: grouping
// fingerprint, message, stack at the point of capture, and the
// permanence verdict. The queue layer truncates oversized messages.
func NewErrorInfo(err error) *queue.ErrorInfo {
	return &queue.ErrorInfo{
		Fingerprint: Fingerprint(err),
		Message:     err.Error(),
		Stack:       string(debug.Stack()),
		Permanent:   IsPermanent(err),
		FailedAt:    time.Now().UTC(),
	}
}

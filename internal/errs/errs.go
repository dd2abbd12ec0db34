// Package errs defines the engine's error taxonomy as sentinel values,
// not an exception hierarchy. Every boundary (ingest loop, detector,
// storage worker) converts unexpected failures into one of these kinds
// before logging, so callers can branch with errors.Is instead of type
// assertions.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w", Kind) to attach context.
var (
	// ErrValidation marks input rejected from an exchange feed. Callers
	// drop the message, increment a counter, and never propagate it.
	ErrValidation = errors.New("validation error")

	// ErrSequenceGap marks a depth-stream discontinuity. The orderbook's
	// circuit opens and stays open until a fresh snapshot is applied.
	ErrSequenceGap = errors.New("sequence gap")

	// ErrCircuitOpen marks an external dependency currently unavailable.
	// Callers must treat the call as having returned no information.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrStorage marks a persistence failure. The manager requeues the job
	// (incrementing its retry count, with no backoff) for a later cycle, up
	// to a configured limit, before moving it to the dead-letter table.
	ErrStorage = errors.New("storage error")

	// ErrConfig marks a startup configuration violation. Fatal: the
	// process must exit non-zero before any goroutine starts.
	ErrConfig = errors.New("config error")

	// ErrInternal marks an invariant violation. Logged at error level
	// with a correlation id; the component that raised it keeps running
	// but suppresses further emission until explicitly reset.
	ErrInternal = errors.New("internal error")
)

// Wrap attaches context to a sentinel kind while preserving errors.Is.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, kind)...)
}

// Is reports whether err is (or wraps) kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

package demreader

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Error taxonomy. Structural corruption aborts the whole parse; a desync is
// recovered by skipping to the enclosing message's declared end and reported
// as a warning. Precondition violations on the mutation API are returned to
// the caller and never enter the parse loop.

// ErrStopped is returned by Parse when a hook requested termination.
var ErrStopped = errors.New("demreader: stopped by hook")

// Mutation API precondition failures.
var (
	ErrNoSuchProperty = errors.New("demreader: no such property")
	ErrNotRewritable  = errors.New("demreader: property has no recorded bit span")
	ErrValueShape     = errors.New("demreader: value shape does not match property type")
)

// DesyncError marks recoverable stream desynchronization inside one message.
type DesyncError struct {
	Op  string
	Err error
}

func (e *DesyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream desync in %s", e.Op)
	}
	return fmt.Sprintf("stream desync in %s: %v", e.Op, e.Err)
}

func (e *DesyncError) Unwrap() error { return e.Err }

func desyncf(op, format string, args ...interface{}) error {
	return &DesyncError{Op: op, Err: fmt.Errorf(format, args...)}
}

// Warning is one recovered parse problem, surfaced through the logger and
// the OnWarning hook.
type Warning struct {
	Tick int
	Op   string
	Err  error
}

func (s *Session) warn(op string, err error) {
	w := Warning{Tick: s.tick, Op: op, Err: err}
	s.log.Warn("recovered parse problem",
		zap.Int("tick", w.Tick),
		zap.String("op", op),
		zap.Error(err),
	)
	if s.hooks.OnWarning != nil {
		s.hooks.OnWarning(w)
	}
}

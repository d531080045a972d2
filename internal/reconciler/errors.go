package reconciler

import (
	"errors"
	"fmt"

	"marketbook/internal/types"
)

var (
	ErrParse               = errors.New("malformed level in upstream message")
	ErrSequenceGap         = errors.New("sequence gap")
	ErrSubscriptionTimeout = errors.New("subscription ack timeout")
	ErrSnapshotFetch       = errors.New("snapshot fetch failed")
	ErrCrossedBook         = errors.New("crossed book")
	ErrBufferOverflow      = errors.New("diff buffer overflow")
	ErrDisconnected        = errors.New("transport disconnected")
	ErrConnect             = errors.New("transport connect failed")
)

// ParseError describes the first level that failed to parse. The whole
// message it came from is rejected.
type ParseError struct {
	Side  types.Side
	Field string
	Text  string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s %s %q: %v", ErrParse, e.Side, e.Field, e.Text, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

// GapError reports a continuity check failure
type GapError struct {
	Expected int64
	Got      int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s: expected first update id %d, got %d", ErrSequenceGap, e.Expected, e.Got)
}

func (e *GapError) Unwrap() error {
	return ErrSequenceGap
}

package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Send, and surfaces from the loops, once the
// transport has been closed locally, by the peer, or by an idle timeout.
var ErrClosed = errors.New("transport: closed")

// ErrIdleTimeout is the specific cause of closure when no inbound frame
// (of any tag) arrives within ping_delay+ping_timeout of the last one.
// It wraps ErrClosed so errors.Is(err, ErrClosed) still holds.
var ErrIdleTimeout = fmt.Errorf("transport: idle timeout: %w", ErrClosed)

// ErrProtocol is the cause of closure for malformed frames: a non-text
// frame, an empty frame with no tag byte, an unrecognized tag byte, or a
// read error that is not an ordinary close. An error returned by the sink
// is passed through unchanged, not wrapped in ErrProtocol.
var ErrProtocol = fmt.Errorf("transport: protocol error: %w", ErrClosed)

package juggler

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDisconnected is returned by every operation (send, notify, flush,
// request) once the owning connection is CLOSING or CLOSED: peer close,
// local close, or idle timeout all surface through it.
var ErrDisconnected = errors.New("juggler: disconnected")

// ErrIdleTimeout names closure because the heartbeat's
// ping_delay+ping_timeout elapsed with no inbound frame. It wraps
// ErrDisconnected, so errors.Is(err, ErrDisconnected) holds for it. No
// Client or Connection method returns it: an idle-timeout closure
// surfaces to callers as ErrDisconnected.
var ErrIdleTimeout = fmt.Errorf("juggler: idle timeout: %w", ErrDisconnected)

// RemoteError is raised by Client.Send when the peer's response has
// success:false. It carries the raw response data value (not just its
// string form), so callers that agreed on a richer error payload than a
// plain string can still recover it with Data.
type RemoteError struct {
	data json.RawMessage
}

func (e *RemoteError) Error() string {
	var s string
	if err := json.Unmarshal(e.data, &s); err == nil {
		return s
	}
	return string(e.data)
}

// Data returns the raw JSON value the peer sent as response data.
func (e *RemoteError) Data() json.RawMessage {
	return e.data
}

// ProtocolError reports malformed JSON, an unknown tag or message type,
// or another frame-level violation. It is logged and closes the
// connection; it is never surfaced to the peer.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "juggler: protocol error: " + e.Reason
}

// ConfigError reports a fatal startup failure: a malformed htpasswd
// file, or a listener bind failure.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "juggler: config error: " + e.Reason
}

package juggler

import (
	"encoding/json"
	"fmt"
)

// msgType is the Msg discriminator: request, response, notify, or state.
type msgType string

const (
	msgTypeRequest  msgType = "request"
	msgTypeResponse msgType = "response"
	msgTypeNotify   msgType = "notify"
	msgTypeState    msgType = "state"
)

// envelope decodes just enough of an inbound Msg to dispatch on its type.
type envelope struct {
	Type msgType `json:"type"`
}

type requestMsg struct {
	Type msgType         `json:"type"`
	ID   uint64          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type responseMsg struct {
	Type    msgType         `json:"type"`
	ID      uint64          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type notifyMsg struct {
	Type msgType         `json:"type"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type stateMsg struct {
	Type msgType         `json:"type"`
	Diff json.RawMessage `json:"diff"`
}

func encodeRequest(id uint64, name string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(requestMsg{Type: msgTypeRequest, ID: id, Name: name, Data: data})
}

func encodeResponse(id uint64, success bool, data json.RawMessage) ([]byte, error) {
	return json.Marshal(responseMsg{Type: msgTypeResponse, ID: id, Success: success, Data: data})
}

func encodeNotify(name string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(notifyMsg{Type: msgTypeNotify, Name: name, Data: data})
}

func encodeState(diff json.RawMessage) ([]byte, error) {
	return json.Marshal(stateMsg{Type: msgTypeState, Diff: diff})
}

// decodeMsg inspects raw's "type" field and decodes into the
// corresponding concrete message, returning it as one of *requestMsg,
// *responseMsg, *notifyMsg, *stateMsg. An unrecognized or missing type is
// a *ProtocolError, per "unknown top-level type values ... close the
// connection".
func decodeMsg(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed message: %v", err)}
	}

	switch env.Type {
	case msgTypeRequest:
		var m requestMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed request: %v", err)}
		}
		return &m, nil
	case msgTypeResponse:
		var m responseMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed response: %v", err)}
		}
		return &m, nil
	case msgTypeNotify:
		var m notifyMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed notify: %v", err)}
		}
		return &m, nil
	case msgTypeState:
		var m stateMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("malformed state: %v", err)}
		}
		return &m, nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}

// Package frame converts between OCPP-J wire text and typed messages.
//
// Every frame is a JSON array whose first element is the message kind:
//
//	CALL:        [2, "<id>", "<action>", {<payload>}]
//	CALLRESULT:  [3, "<id>", {<payload>}]
//	CALLERROR:   [4, "<id>", "<errorCode>", "<errorDescription>", {<errorDetails>}]
//
// Payloads are kept as raw JSON; action schemas are not validated here.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocppj"
)

// Message kinds as they appear in position 0 of a frame.
const (
	Call       = ocppj.CALL
	CallResult = ocppj.CALL_RESULT
	CallError  = ocppj.CALL_ERROR
)

// ErrMalformedFrame is returned by Decode for anything that is not a usable OCPP-J frame.
var ErrMalformedFrame = errors.New("malformed frame")

var emptyObject = json.RawMessage(`{}`)

// Message is one decoded OCPP-J frame.
//
//   - CALL:       Action and Payload are set.
//   - CALLRESULT: Payload is set, Action is always empty.
//   - CALLERROR:  ErrorCode, ErrorDescription and ErrorDetails are set.
type Message struct {
	Type             ocppj.MessageType
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        ocpp.ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// KindName returns the log label of a message kind.
func KindName(t ocppj.MessageType) string {
	switch t {
	case Call:
		return "CALL"
	case CallResult:
		return "CALLRESULT"
	case CallError:
		return "CALLERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Decode parses raw wire text into a Message.
//
// Some charge point peers send frames without the surrounding brackets, e.g.
// `2,"7","Reset",{"type":"Hard"}`. Text that does not start with '[' is wrapped
// in brackets before parsing and decodes exactly like the bracketed form.
func Decode(raw []byte) (*Message, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 {
		return nil, malformed("empty frame")
	}
	if data[0] != '[' {
		wrapped := make([]byte, 0, len(data)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, data...)
		data = append(wrapped, ']')
	}

	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, malformed("not a json array: %v", err)
	}
	if len(fields) < 2 {
		return nil, malformed("expected at least 2 elements, got %d", len(fields))
	}

	var kind int
	if err := json.Unmarshal(fields[0], &kind); err != nil {
		return nil, malformed("invalid message type %s", fields[0])
	}
	msg := &Message{Type: ocppj.MessageType(kind)}
	if err := json.Unmarshal(fields[1], &msg.ID); err != nil {
		return nil, malformed("message id must be a string, got %s", fields[1])
	}

	switch msg.Type {
	case Call:
		if len(fields) < 4 {
			return nil, malformed("CALL needs 4 elements, got %d", len(fields))
		}
		if err := json.Unmarshal(fields[2], &msg.Action); err != nil || msg.Action == "" {
			return nil, malformed("CALL %s has no action", msg.ID)
		}
		msg.Payload = compact(fields[3])
	case CallResult:
		if len(fields) > 2 {
			msg.Payload = compact(fields[2])
		}
	case CallError:
		if len(fields) > 2 {
			var code string
			if err := json.Unmarshal(fields[2], &code); err != nil {
				return nil, malformed("CALLERROR %s has invalid error code", msg.ID)
			}
			msg.ErrorCode = ocpp.ErrorCode(code)
		}
		if len(fields) > 3 {
			if err := json.Unmarshal(fields[3], &msg.ErrorDescription); err != nil {
				return nil, malformed("CALLERROR %s has invalid description", msg.ID)
			}
		}
		if len(fields) > 4 {
			msg.ErrorDetails = compact(fields[4])
		}
	default:
		return nil, malformed("unsupported message type %d", kind)
	}
	return msg, nil
}

// Encode renders the positional array for the message kind. Payloads are
// written compact and without HTML escaping, so Encode and Decode round-trip
// byte for byte.
func Encode(msg *Message) ([]byte, error) {
	var fields []any
	switch msg.Type {
	case Call:
		if msg.Action == "" {
			return nil, fmt.Errorf("encode CALL %s: missing action", msg.ID)
		}
		fields = []any{int(Call), msg.ID, msg.Action, orEmpty(msg.Payload)}
	case CallResult:
		fields = []any{int(CallResult), msg.ID, orEmpty(msg.Payload)}
	case CallError:
		fields = []any{int(CallError), msg.ID, string(msg.ErrorCode), msg.ErrorDescription, orEmpty(msg.ErrorDetails)}
	default:
		return nil, fmt.Errorf("encode: unsupported message type %d", int(msg.Type))
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func compact(p json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return p
	}
	return buf.Bytes()
}

func orEmpty(p json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(p)) == 0 {
		return emptyObject
	}
	return p
}

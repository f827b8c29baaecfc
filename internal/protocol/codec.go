package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a malformed or unexpected frame.
type ProtocolError struct {
	Reason string
	Frame  *Frame // Nil when the bytes could not be parsed
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Encode validates f and marshals it to JSON.
func Encode(f Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return nil, err
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, &ProtocolError{Reason: "marshal frame", Frame: &f, Err: err}
	}
	if len(data) > MaxFrameSize {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("frame size %d exceeds maximum %d bytes", len(data), MaxFrameSize),
			Frame:  &f,
		}
	}
	return data, nil
}

// Decode parses and validates one frame.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, &ProtocolError{
			Reason: fmt.Sprintf("frame size %d exceeds maximum %d bytes", len(data), MaxFrameSize),
		}
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &ProtocolError{Reason: "unmarshal frame", Err: err}
	}
	if err := validate(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func validate(f Frame) error {
	if !f.Type.Valid() {
		return &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", f.Type), Frame: &f}
	}

	switch f.Type {
	case TypeSubscribe, TypeUnsubscribe, TypePublish, TypePresenceUpdate:
		if f.Channel == "" {
			return &ProtocolError{Reason: fmt.Sprintf("%s frame without channel", f.Type), Frame: &f}
		}
	case TypeAck:
		if f.ID == "" {
			return &ProtocolError{Reason: "ack frame without id", Frame: &f}
		}
	}
	return nil
}

// ServerError extracts the error payload of an error frame.
func ServerError(f Frame) ErrorData {
	var e ErrorData
	if len(f.Data) > 0 {
		// Servers may send a bare string instead of an object.
		if err := json.Unmarshal(f.Data, &e); err != nil {
			var msg string
			if json.Unmarshal(f.Data, &msg) == nil {
				e.Message = msg
			}
		}
	}
	return e
}

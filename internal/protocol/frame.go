// Package protocol defines the JSON frame exchanged with the realtime server.
//
// Every websocket text message is one frame:
//
//	{"type":"publish","channel":"orders","data":{...},"timestamp":1705328200000,"id":"..."}
//
// Timestamps are Unix milliseconds. The id is optional except on acks,
// which echo the id of the frame they acknowledge.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 1 << 20

// Type identifies the purpose of a frame.
type Type string

const (
	TypeSubscribe      Type = "subscribe"
	TypeUnsubscribe    Type = "unsubscribe"
	TypePublish        Type = "publish"
	TypePresenceUpdate Type = "presence-update"
	TypeAck            Type = "ack"
	TypeError          Type = "error"
)

// Valid reports whether t is one of the known frame types.
func (t Type) Valid() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypePublish, TypePresenceUpdate, TypeAck, TypeError:
		return true
	}
	return false
}

// Frame is one discrete message on the wire.
type Frame struct {
	Type      Type            `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// ErrorData is the data payload of a server error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewID returns a fresh frame id.
func NewID() string {
	return uuid.NewString()
}

// NewFrame builds a frame stamped with now and a fresh id. data is
// marshalled unless it is already raw JSON.
func NewFrame(t Type, channel string, data any, now time.Time) (Frame, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s data: %w", t, err)
	}
	return Frame{
		Type:      t,
		Channel:   channel,
		Data:      raw,
		Timestamp: now.UnixMilli(),
		ID:        NewID(),
	}, nil
}

// Control builds a subscribe or unsubscribe frame for channel.
func Control(t Type, channel string, now time.Time) Frame {
	return Frame{
		Type:      t,
		Channel:   channel,
		Timestamp: now.UnixMilli(),
		ID:        NewID(),
	}
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("data is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

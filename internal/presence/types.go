// Package presence implements the Presence Coordinator: membership in a
// channel's presence set is registered through the REST API and followed
// through presence-update frames on the channel subscription.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/fluxez/realtime-go/internal/subscription"
)

// Errors
var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotJoined     = errors.New("not joined")
)

// Executor performs REST calls. *api.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, method, path string, body any, headers map[string]string) (json.RawMessage, error)
}

// Subscriber manages channel subscriptions. The realtime client
// satisfies it.
type Subscriber interface {
	Subscribe(channel string, handler subscription.Handler, filter subscription.Filter) (subscription.Handle, error)
	Unsubscribe(h subscription.Handle) error
}

// Entry is one member of a channel's presence set. joinedAt is accepted
// as RFC 3339 text or as integer Unix milliseconds, the frame timestamp
// unit.
type Entry struct {
	Identity string         `json:"identity"`
	Metadata map[string]any `json:"metadata,omitempty"`
	JoinedAt time.Time      `json:"joinedAt"`
}

// UnmarshalJSON decodes an entry with either joinedAt form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var aux struct {
		Identity string          `json:"identity"`
		Metadata map[string]any  `json:"metadata"`
		JoinedAt json.RawMessage `json:"joinedAt"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	joined, err := parseJoinedAt(aux.JoinedAt)
	if err != nil {
		return err
	}
	*e = Entry{Identity: aux.Identity, Metadata: aux.Metadata, JoinedAt: joined}
	return nil
}

func parseJoinedAt(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return time.Time{}, fmt.Errorf("joinedAt: %w", err)
		}
		return t, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("joinedAt: want RFC 3339 string or Unix milliseconds: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Action is the kind of membership change in a presence-update frame.
type Action string

const (
	ActionJoin   Action = "join"
	ActionLeave  Action = "leave"
	ActionUpdate Action = "update"
)

// Update is a decoded presence-update frame.
type Update struct {
	Channel string
	Action  Action
	Entry   Entry
	FrameID string
}

// PresenceError is a failed join, leave or query. Partial is set when the
// server may still hold a membership the client no longer tracks.
type PresenceError struct {
	Op          string // "join", "leave", "get"
	Channel     string
	Partial     bool
	Compensated bool // A compensating leave undid the server-side join
	Err         error
}

func (e *PresenceError) Error() string {
	msg := fmt.Sprintf("presence %s %q: %v", e.Op, e.Channel, e.Err)
	switch {
	case e.Partial:
		msg += " (partial state)"
	case e.Compensated:
		msg += " (join rolled back)"
	}
	return msg
}

func (e *PresenceError) Unwrap() error {
	return e.Err
}

type joinRequest struct {
	Channel  string         `json:"-"`
	Identity string         `json:"identity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r joinRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Channel, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Identity, validation.Required, validation.Length(1, 255)),
	)
}

type membersResponse struct {
	Members []Entry `json:"members"`
}

type updatePayload struct {
	Action Action `json:"action"`
	Entry
}

func (p *updatePayload) UnmarshalJSON(data []byte) error {
	var aux struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Action = aux.Action
	return p.Entry.UnmarshalJSON(data)
}

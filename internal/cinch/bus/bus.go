// Package bus carries cinch's domain events between the ingest plane and the
// worker with at-least-once delivery. Handlers must tolerate redelivery.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnavailable reports that the bus could not accept a publish. Ingest
// endpoints translate it to 503; the database mutation has already
// committed by then, which is acceptable.
var ErrUnavailable = errors.New("event bus unavailable")

// ErrUnknownKind reports an envelope whose kind no handler understands.
// Consumers drop such messages: redelivery would not help.
var ErrUnknownKind = errors.New("unknown event kind")

// Event kinds on the wire.
const (
	KindMasterMoved              = "master_moved"
	KindPullRequestMoved         = "pull_request_moved"
	KindPullRequestStatusUpdated = "pull_request_status_updated"
)

// Event is one of the three cinch domain events.
type Event interface {
	Kind() string
}

// MasterMoved signals that the base branch of (Owner, Name) has a new tip.
type MasterMoved struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

func (MasterMoved) Kind() string { return KindMasterMoved }

// PullRequestMoved signals that a pull request's head changed.
type PullRequestMoved struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Number int    `json:"number"`
}

func (PullRequestMoved) Kind() string { return KindPullRequestMoved }

// PullRequestStatusUpdated signals that the verdict for a pull request may
// have changed and should be recomputed and republished.
type PullRequestStatusUpdated struct {
	ProjectID int64 `json:"project_id"`
	Number    int   `json:"number"`
}

func (PullRequestStatusUpdated) Kind() string { return KindPullRequestStatusUpdated }

// Publisher enqueues events for the worker plane.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler processes one delivered event. A nil return acks the message; an
// error leaves it for redelivery.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// envelope is the wire format: a message id for tracing plus the typed
// payload.
type envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals an event into its wire envelope with a fresh message id.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", e.Kind(), err)
	}
	data, err := json.Marshal(envelope{
		ID:      uuid.New().String(),
		Kind:    e.Kind(),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", e.Kind(), err)
	}
	return data, nil
}

// Decode unmarshals a wire envelope back into its event. Unknown kinds
// return ErrUnknownKind.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	var e Event
	switch env.Kind {
	case KindMasterMoved:
		e = &MasterMoved{}
	case KindPullRequestMoved:
		e = &PullRequestMoved{}
	case KindPullRequestStatusUpdated:
		e = &PullRequestStatusUpdated{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, e); err != nil {
		return nil, fmt.Errorf("unmarshaling %s payload: %w", env.Kind, err)
	}

	switch ev := e.(type) {
	case *MasterMoved:
		return *ev, nil
	case *PullRequestMoved:
		return *ev, nil
	case *PullRequestStatusUpdated:
		return *ev, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
}

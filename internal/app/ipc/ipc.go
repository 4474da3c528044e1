// Package ipc carries named messages between the worker processes of a cluster.
// Delivery from one sender to one worker is ordered; nothing is promised across
// senders.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoResponder is returned by Query when no primary answers.
	ErrNoResponder = errors.New("ipc: no primary responder")
	// ErrUnknownWorker is returned by Send when the target worker is not reachable.
	ErrUnknownWorker = errors.New("ipc: unknown worker")
)

// Message is the envelope exchanged between workers.
type Message struct {
	Name    string          `json:"name"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with a JSON-encoded payload.
func NewMessage(name string, payload interface{}) (Message, error) {
	msg := Message{Name: name}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("ipc: encode %s: %w", name, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("ipc: %s has no payload", m.Name)
	}
	return json.Unmarshal(m.Payload, v)
}

// Handler receives messages subscribed to by name.
type Handler func(msg Message)

// QueryHandler answers queries sent to the primary.
type QueryHandler func(ctx context.Context, msg Message) (Message, error)

// Messenger is the view a worker has of the cluster.
type Messenger interface {
	// WorkerID identifies this worker within the cluster.
	WorkerID() string
	// Broadcast delivers msg to every worker, this one included.
	Broadcast(ctx context.Context, msg Message) error
	// Send delivers msg to a single worker.
	Send(ctx context.Context, workerID string, msg Message) error
	// Query sends msg to the primary and waits for its answer.
	Query(ctx context.Context, msg Message) (Message, error)
	// On registers h for messages with the given name.
	On(name string, h Handler)
}

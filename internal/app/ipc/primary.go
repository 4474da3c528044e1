package ipc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// MsgAssignWorker asks the primary for a fresh worker id.
const MsgAssignWorker = "#Cluster.Assign"

type workerAssignment struct {
	WorkerID string `json:"workerId"`
}

// Querier is the part of a Messenger able to reach the primary.
type Querier interface {
	Query(ctx context.Context, msg Message) (Message, error)
}

// WorkerAssigner runs on the primary and hands out increasing worker ids.
type WorkerAssigner struct {
	mu   sync.Mutex
	next int
}

// NewWorkerAssigner returns an assigner whose first id is "1".
func NewWorkerAssigner() *WorkerAssigner {
	return &WorkerAssigner{next: 1}
}

// Handle answers MsgAssignWorker queries.
func (a *WorkerAssigner) Handle(ctx context.Context, msg Message) (Message, error) {
	if msg.Name != MsgAssignWorker {
		return Message{}, fmt.Errorf("ipc: primary cannot answer %q", msg.Name)
	}

	a.mu.Lock()
	id := strconv.Itoa(a.next)
	a.next++
	a.mu.Unlock()

	return NewMessage(MsgAssignWorker, workerAssignment{WorkerID: id})
}

// RequestWorkerID asks the primary for a worker id.
func RequestWorkerID(ctx context.Context, q Querier) (string, error) {
	reply, err := q.Query(ctx, Message{Name: MsgAssignWorker})
	if err != nil {
		return "", fmt.Errorf("ipc: assign worker: %w", err)
	}

	var a workerAssignment
	if err := reply.Decode(&a); err != nil {
		return "", fmt.Errorf("ipc: decode assignment: %w", err)
	}
	if a.WorkerID == "" {
		return "", fmt.Errorf("ipc: primary returned an empty worker id")
	}
	return a.WorkerID, nil
}

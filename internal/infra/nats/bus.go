package natsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/PowerLink/internal/app/ipc"
	"go.uber.org/zap"
)

const primaryQueue = "primary"

// Bus is an ipc.Messenger over core NATS subjects:
//
//	<prefix>.broadcast        every worker
//	<prefix>.worker.<id>      one worker
//	<prefix>.primary          request/reply with the primary
//
// NATS delivers a subscription's messages in order on one goroutine, which gives
// the per-sender ordering ipc promises.
type Bus struct {
	conn     *nats.Conn
	prefix   string
	logger   *zap.Logger
	workerID string

	mu       sync.RWMutex
	handlers map[string][]ipc.Handler
	subs     []*nats.Subscription
}

var _ ipc.Messenger = (*Bus)(nil)

// NewBus returns a bus that can Query right away; Start must be called before it
// sends or receives worker traffic.
func NewBus(conn *nats.Conn, prefix string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		conn:     conn,
		prefix:   prefix,
		logger:   logger,
		handlers: make(map[string][]ipc.Handler),
	}
}

// Start subscribes to the broadcast subject and this worker's own subject.
func (b *Bus) Start(workerID string) error {
	if workerID == "" {
		return errors.New("nats: worker id is required")
	}

	b.mu.Lock()
	b.workerID = workerID
	b.mu.Unlock()

	for _, subject := range []string{b.broadcastSubject(), b.workerSubject(workerID)} {
		sub, err := b.conn.Subscribe(subject, b.dispatch)
		if err != nil {
			b.Close()
			return fmt.Errorf("nats: subscribe %s: %w", subject, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	return b.conn.Flush()
}

// ServeQueries answers primary queries. Several primaries share the load through a
// queue group.
func (b *Bus) ServeQueries(fn ipc.QueryHandler) error {
	sub, err := b.conn.QueueSubscribe(b.primarySubject(), primaryQueue, func(m *nats.Msg) {
		var msg ipc.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("malformed primary query", zap.Error(err))
			return
		}

		reply, err := fn(context.Background(), msg)
		if err != nil {
			b.logger.Warn("primary query failed", zap.String("name", msg.Name), zap.Error(err))
			return
		}

		data, err := json.Marshal(reply)
		if err != nil {
			b.logger.Error("failed to encode primary reply", zap.Error(err))
			return
		}
		if err := m.Respond(data); err != nil {
			b.logger.Warn("failed to respond to query", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("nats: serve queries: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
}

func (b *Bus) WorkerID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.workerID
}

func (b *Bus) On(name string, h ipc.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *Bus) Broadcast(ctx context.Context, msg ipc.Message) error {
	return b.publish(ctx, b.broadcastSubject(), msg)
}

func (b *Bus) Send(ctx context.Context, workerID string, msg ipc.Message) error {
	return b.publish(ctx, b.workerSubject(workerID), msg)
}

func (b *Bus) Query(ctx context.Context, msg ipc.Message) (ipc.Message, error) {
	msg.From = b.WorkerID()
	data, err := json.Marshal(msg)
	if err != nil {
		return ipc.Message{}, err
	}

	reply, err := b.conn.RequestWithContext(ctx, b.primarySubject(), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return ipc.Message{}, ipc.ErrNoResponder
		}
		return ipc.Message{}, fmt.Errorf("nats: query %s: %w", msg.Name, err)
	}

	var out ipc.Message
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return ipc.Message{}, fmt.Errorf("nats: decode reply: %w", err)
	}
	return out, nil
}

func (b *Bus) publish(ctx context.Context, subject string, msg ipc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.From = b.WorkerID()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", msg.Name, err)
	}
	return nil
}

func (b *Bus) dispatch(m *nats.Msg) {
	var msg ipc.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		b.logger.Warn("malformed worker message", zap.String("subject", m.Subject), zap.Error(err))
		return
	}

	b.mu.RLock()
	handlers := append([]ipc.Handler(nil), b.handlers[msg.Name]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (b *Bus) broadcastSubject() string { return b.prefix + ".broadcast" }

func (b *Bus) workerSubject(id string) string { return b.prefix + ".worker." + id }

func (b *Bus) primarySubject() string { return b.prefix + ".primary" }

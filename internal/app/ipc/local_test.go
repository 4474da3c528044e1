package ipc

import (
	"context"
	"errors"
	"testing"
)

func TestLocalHub_BroadcastReachesEveryWorker(t *testing.T) {
	hub := NewLocalHub()
	a := hub.Join("a")
	b := hub.Join("b")

	var got []string
	a.On("ping", func(msg Message) { got = append(got, "a:"+msg.From) })
	b.On("ping", func(msg Message) { got = append(got, "b:"+msg.From) })

	if err := a.Broadcast(context.Background(), Message{Name: "ping"}); err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}

	if len(got) != 2 || got[0] != "a:a" || got[1] != "b:a" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestLocalHub_SendIsTargeted(t *testing.T) {
	hub := NewLocalHub()
	a := hub.Join("a")
	b := hub.Join("b")

	var aCount, bCount int
	a.On("ping", func(Message) { aCount++ })
	b.On("ping", func(Message) { bCount++ })

	if err := a.Send(context.Background(), "b", Message{Name: "ping"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if aCount != 0 || bCount != 1 {
		t.Fatalf("expected only b to receive, got a=%d b=%d", aCount, bCount)
	}

	err := a.Send(context.Background(), "missing", Message{Name: "ping"})
	if !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestLocalHub_SendPreservesOrder(t *testing.T) {
	hub := NewLocalHub()
	a := hub.Join("a")
	b := hub.Join("b")

	var seq []int
	b.On("n", func(msg Message) {
		var n int
		if err := msg.Decode(&n); err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		seq = append(seq, n)
	})

	for i := 0; i < 5; i++ {
		msg, err := NewMessage("n", i)
		if err != nil {
			t.Fatalf("NewMessage error: %v", err)
		}
		if err := a.Send(context.Background(), "b", msg); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	for i, n := range seq {
		if n != i {
			t.Fatalf("out of order delivery: %v", seq)
		}
	}
}

func TestRequestWorkerID(t *testing.T) {
	hub := NewLocalHub()
	w := hub.Join("boot")

	if _, err := RequestWorkerID(context.Background(), w); !errors.Is(err, ErrNoResponder) {
		t.Fatalf("expected ErrNoResponder without a primary, got %v", err)
	}

	hub.ServeQueries(NewWorkerAssigner().Handle)

	first, err := RequestWorkerID(context.Background(), w)
	if err != nil {
		t.Fatalf("RequestWorkerID error: %v", err)
	}
	second, err := RequestWorkerID(context.Background(), w)
	if err != nil {
		t.Fatalf("RequestWorkerID error: %v", err)
	}
	if first != "1" || second != "2" {
		t.Fatalf("expected ids 1 and 2, got %q and %q", first, second)
	}
}

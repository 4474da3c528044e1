package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sifan077/PowerLink/internal/app/model"
	"github.com/sifan077/PowerLink/internal/app/repository"
)

type mockLinkConn struct {
	getByIDFn    func(ctx context.Context, id uint64) (*model.Link, error)
	getByCodeFn  func(ctx context.Context, code string) (*model.Link, error)
	codeExistsFn func(ctx context.Context, code string) (bool, error)
	saveFn       func(ctx context.Context, link *model.Link) error

	saves int
}

func (m *mockLinkConn) GetByID(ctx context.Context, id uint64) (*model.Link, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkConn) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	if m.getByCodeFn != nil {
		return m.getByCodeFn(ctx, code)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkConn) CodeExists(ctx context.Context, code string) (bool, error) {
	if m.codeExistsFn != nil {
		return m.codeExistsFn(ctx, code)
	}
	return false, nil
}

func (m *mockLinkConn) Save(ctx context.Context, link *model.Link) error {
	m.saves++
	if m.saveFn != nil {
		return m.saveFn(ctx, link)
	}
	if link.ID == 0 {
		link.ID = 1
	}
	return nil
}

func (m *mockLinkConn) ClaimOpen(ctx context.Context, link *model.Link) (bool, error) {
	link.Opens++
	return true, nil
}

func (m *mockLinkConn) Commit() error { return nil }
func (m *mockLinkConn) Free()         {}

func TestLinkService_CreateLinkAppliesDefaults(t *testing.T) {
	conn := &mockLinkConn{}
	svc := NewLinkService(nil, nil)

	link, err := svc.CreateLink(context.Background(), conn, LinkSpec{
		Action: model.Action{Type: "redirect", URL: "https://example.com"},
	})
	if err != nil {
		t.Fatalf("CreateLink returned error: %v", err)
	}
	if !link.Ready() {
		t.Fatal("expected created link to be ready")
	}
	if link.Code == "" {
		t.Fatal("expected code to be set")
	}
	if link.Limit != model.DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", model.DefaultLimit, link.Limit)
	}
	if !link.Expires.Equal(model.NoExpiry) {
		t.Fatalf("expected no-expiry sentinel, got %v", link.Expires)
	}
	if link.Opens != 0 || link.Closed {
		t.Fatalf("expected fresh open link, got opens=%d closed=%v", link.Opens, link.Closed)
	}
}

func TestLinkService_CreateLinkInvalidPersistsNothing(t *testing.T) {
	cases := map[string]LinkSpec{
		"missing action":  {},
		"negative limit":  {Limit: -1, Action: model.Action{Type: "REDIRECT"}},
		"empty action ty": {Limit: 2, Action: model.Action{URL: "https://example.com"}},
	}

	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			conn := &mockLinkConn{}
			svc := NewLinkService(nil, nil)

			_, err := svc.CreateLink(context.Background(), conn, spec)
			if !errors.Is(err, ErrInvalidLink) {
				t.Fatalf("expected ErrInvalidLink, got %v", err)
			}
			if conn.saves != 0 {
				t.Fatalf("expected nothing persisted, got %d saves", conn.saves)
			}
		})
	}
}

func TestLinkService_MakeLinkModes(t *testing.T) {
	stored := &model.Link{ID: 7, Code: "abc", Limit: 1, Expires: model.NoExpiry}
	conn := &mockLinkConn{
		getByIDFn: func(ctx context.Context, id uint64) (*model.Link, error) {
			if id == 7 {
				return stored, nil
			}
			return nil, repository.ErrLinkNotFound
		},
		getByCodeFn: func(ctx context.Context, code string) (*model.Link, error) {
			if code == "abc" {
				return stored, nil
			}
			return nil, repository.ErrLinkNotFound
		},
	}
	svc := NewLinkService(nil, nil)
	ctx := context.Background()

	for _, arg := range []interface{}{uint64(7), int64(7), 7, "abc"} {
		link, err := svc.MakeLink(ctx, conn, arg)
		if err != nil {
			t.Fatalf("MakeLink(%v) returned error: %v", arg, err)
		}
		if link.ID != 7 {
			t.Fatalf("MakeLink(%v) loaded id %d", arg, link.ID)
		}
	}

	for _, arg := range []interface{}{uint64(8), -1, "missing", ""} {
		link, err := svc.MakeLink(ctx, conn, arg)
		if err != nil {
			t.Fatalf("MakeLink(%v) returned error: %v", arg, err)
		}
		if link.Ready() {
			t.Fatalf("MakeLink(%v) expected a link that is not ready", arg)
		}
	}

	link, err := svc.MakeLink(ctx, conn, map[string]interface{}{
		"limit":  3,
		"action": map[string]interface{}{"type": "page", "message": "hi"},
	})
	if err != nil {
		t.Fatalf("MakeLink(description) returned error: %v", err)
	}
	if link.Limit != 3 || link.Action.Kind() != model.ActionPage {
		t.Fatalf("unexpected link from description: %+v", link)
	}

	if _, err := svc.MakeLink(ctx, conn, 3.5); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("expected ErrInvalidLink for unsupported argument, got %v", err)
	}
}

func TestLinkService_LoadLinkStoreError(t *testing.T) {
	boom := errors.New("connection reset")
	conn := &mockLinkConn{
		getByCodeFn: func(ctx context.Context, code string) (*model.Link, error) {
			return nil, boom
		},
	}

	_, err := NewLinkService(nil, nil).LoadLinkByCode(context.Background(), conn, "abc")
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}

func TestLinkService_CloseLinkIsIdempotent(t *testing.T) {
	conn := &mockLinkConn{}
	svc := NewLinkService(nil, nil)
	link := &model.Link{ID: 1, Limit: 1, Expires: model.NoExpiry}

	if err := svc.CloseLink(context.Background(), conn, link); err != nil {
		t.Fatalf("CloseLink returned error: %v", err)
	}
	if !link.Closed || link.ClosedOn.IsZero() {
		t.Fatalf("expected link closed with a timestamp, got %+v", link)
	}
	firstClosedOn := link.ClosedOn

	time.Sleep(time.Millisecond)
	if err := svc.CloseLink(context.Background(), conn, link); err != nil {
		t.Fatalf("second CloseLink returned error: %v", err)
	}
	if conn.saves != 1 {
		t.Fatalf("expected one save, got %d", conn.saves)
	}
	if !link.ClosedOn.Equal(firstClosedOn) {
		t.Fatal("expected closedOn to keep the first close time")
	}

	notReady := &model.Link{}
	if err := svc.CloseLink(context.Background(), conn, notReady); err != nil {
		t.Fatalf("CloseLink on missing link returned error: %v", err)
	}
	if notReady.Closed || conn.saves != 1 {
		t.Fatal("expected closing a missing link to write nothing")
	}
}

func TestLinkService_RecordOpen(t *testing.T) {
	conn := &mockLinkConn{}
	svc := NewLinkService(nil, nil)
	link := &model.Link{ID: 1, Limit: 2, Expires: model.NoExpiry}

	if err := svc.RecordOpen(context.Background(), conn, link); err != nil {
		t.Fatalf("RecordOpen returned error: %v", err)
	}
	if link.Opens != 1 || link.Closed {
		t.Fatalf("expected one open and still open, got opens=%d closed=%v", link.Opens, link.Closed)
	}

	if err := svc.RecordOpen(context.Background(), conn, link); err != nil {
		t.Fatalf("RecordOpen returned error: %v", err)
	}
	if link.Opens != 2 || !link.Closed {
		t.Fatalf("expected link closed at its limit, got opens=%d closed=%v", link.Opens, link.Closed)
	}
}

func TestLinkService_RetireIfExhausted(t *testing.T) {
	conn := &mockLinkConn{}
	svc := NewLinkService(nil, nil)

	link := &model.Link{ID: 1, Opens: 1, Limit: 2, Expires: model.NoExpiry}
	if err := svc.RetireIfExhausted(context.Background(), conn, link); err != nil {
		t.Fatalf("RetireIfExhausted returned error: %v", err)
	}
	if link.Closed || conn.saves != 0 {
		t.Fatal("expected link with opens left to stay untouched")
	}

	link.Opens = 2
	if err := svc.RetireIfExhausted(context.Background(), conn, link); err != nil {
		t.Fatalf("RetireIfExhausted returned error: %v", err)
	}
	if !link.Closed {
		t.Fatal("expected exhausted link to be closed")
	}
}

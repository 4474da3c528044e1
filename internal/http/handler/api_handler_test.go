package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerLink/internal/app/hook"
	"github.com/sifan077/PowerLink/internal/app/ipc"
	"github.com/sifan077/PowerLink/internal/app/model"
	"github.com/sifan077/PowerLink/internal/app/repository"
	"github.com/sifan077/PowerLink/internal/app/resource"
	"github.com/sifan077/PowerLink/internal/app/service"
)

type mockLinkEventRepository struct {
	listByLinkFn func(ctx context.Context, linkID uint64, limit int) ([]model.LinkEvent, error)
}

func (m *mockLinkEventRepository) Create(ctx context.Context, event *model.LinkEvent) error {
	return nil
}

func (m *mockLinkEventRepository) ListByLink(ctx context.Context, linkID uint64, limit int) ([]model.LinkEvent, error) {
	if m.listByLinkFn != nil {
		return m.listByLinkFn(ctx, linkID, limit)
	}
	return nil, nil
}

func newAPIApp(deps APIDeps) *fiber.App {
	app := fiber.New()
	if deps.LinkService == nil {
		deps.LinkService = service.NewLinkService(nil, nil)
	}
	NewAPIHandler(deps).Register(app)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target, body string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, target, err)
	}
	defer resp.Body.Close()
	if out != nil {
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode
}

func TestAPIHandler_CreateLink(t *testing.T) {
	store := repository.NewMemoryLinkStore()
	app := newAPIApp(APIDeps{Links: store, LinkPath: "/go"})

	var created LinkResponse
	status := doJSON(t, app, http.MethodPost, "/api/links",
		`{"limit": 2, "reasonOid": 12345678901234567, "action": {"type": "REDIRECT", "url": "https://example.com"}}`, &created)
	if status != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if created.ID == 0 || created.Code == "" {
		t.Fatalf("expected persisted link, got %+v", created)
	}
	if created.ReasonOID != "12345678901234567" {
		t.Fatalf("expected reason oid kept exact, got %s", created.ReasonOID)
	}
	if !strings.HasPrefix(created.URL, "/go?code=") {
		t.Fatalf("unexpected link url %q", created.URL)
	}
	if _, ok := store.Row(created.ID); !ok {
		t.Fatal("expected link committed")
	}
}

func TestAPIHandler_CreateLinkInvalid(t *testing.T) {
	store := repository.NewMemoryLinkStore()
	app := newAPIApp(APIDeps{Links: store})

	for _, body := range []string{`{"limit": -1, "action": {"type": "REDIRECT"}}`, `{"limit": 1}`, `not json`} {
		if status := doJSON(t, app, http.MethodPost, "/api/links", body, nil); status != fiber.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, status)
		}
	}
	if links, _ := store.List(context.Background(), 10, 0); len(links) != 0 {
		t.Fatalf("expected nothing persisted, got %d links", len(links))
	}
}

func TestAPIHandler_GetAndCloseLink(t *testing.T) {
	store := repository.NewMemoryLinkStore()
	link := &model.Link{Code: "abc", Limit: 1, Expires: model.NoExpiry, Action: model.Action{Type: "REDIRECT"}}
	store.Put(link)
	app := newAPIApp(APIDeps{Links: store})

	var got LinkResponse
	if status := doJSON(t, app, http.MethodGet, "/api/links/1", "", &got); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got.Code != "abc" || got.Closed {
		t.Fatalf("unexpected link %+v", got)
	}

	var closed LinkResponse
	if status := doJSON(t, app, http.MethodPost, "/api/links/1/close", "", &closed); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !closed.Closed || closed.ClosedOn == nil {
		t.Fatalf("expected closed link, got %+v", closed)
	}
	if row, _ := store.Row(link.ID); !row.Closed {
		t.Fatal("expected close committed")
	}

	if status := doJSON(t, app, http.MethodGet, "/api/links/99", "", nil); status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status := doJSON(t, app, http.MethodGet, "/api/links/nope", "", nil); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestAPIHandler_ListLinks(t *testing.T) {
	store := repository.NewMemoryLinkStore()
	for _, code := range []string{"a", "b", "c"} {
		store.Put(&model.Link{Code: code, Limit: 1, Expires: model.NoExpiry})
	}
	app := newAPIApp(APIDeps{Links: store})

	var out struct {
		Links []LinkResponse `json:"links"`
		Count int            `json:"count"`
	}
	if status := doJSON(t, app, http.MethodGet, "/api/links?limit=2", "", &out); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if out.Count != 2 || out.Links[0].Code != "c" {
		t.Fatalf("unexpected page %+v", out)
	}
}

func TestAPIHandler_ListLinkEvents(t *testing.T) {
	events := &mockLinkEventRepository{
		listByLinkFn: func(ctx context.Context, linkID uint64, limit int) ([]model.LinkEvent, error) {
			return []model.LinkEvent{{LinkID: linkID, Outcome: model.OutcomeOpened}}, nil
		},
	}
	app := newAPIApp(APIDeps{Links: repository.NewMemoryLinkStore(), Events: events})

	var out struct {
		Events []model.LinkEvent `json:"events"`
	}
	if status := doJSON(t, app, http.MethodGet, "/api/links/4/events", "", &out); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(out.Events) != 1 || out.Events[0].LinkID != 4 {
		t.Fatalf("unexpected events %+v", out.Events)
	}
}

func TestAPIHandler_AwaitHook(t *testing.T) {
	lib := resource.NewLibrary(nil)
	hub := ipc.NewLocalHub()
	hooks := hook.NewCoordinator(hook.Deps{Library: lib, Messenger: hub.Join("1")})
	app := newAPIApp(APIDeps{Links: repository.NewMemoryLinkStore(), Hooks: hooks})

	type awaitReply struct {
		Accepted bool   `json:"accepted"`
		Value    string `json:"value"`
	}
	done := make(chan awaitReply, 1)
	go func() {
		var out awaitReply
		doJSON(t, app, http.MethodPost, "/api/hooks", `{"url": "/h/signup", "timeout_seconds": 5}`, &out)
		done <- out
	}()

	var h *hook.Hook
	deadline := time.Now().Add(time.Second)
	for h == nil && time.Now().Before(deadline) {
		h, _ = hooks.Lookup("/h/signup")
		time.Sleep(time.Millisecond)
	}
	if h == nil {
		t.Fatal("expected hook to be registered")
	}
	if err := h.Accept(context.Background(), []byte("token-1")); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}

	select {
	case out := <-done:
		if !out.Accepted || out.Value != "token-1" {
			t.Fatalf("unexpected reply %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the waiting request to return")
	}
	if lib.Has("/h/signup") {
		t.Fatal("expected hook deregistered after accept")
	}
}

func TestAPIHandler_AwaitHookRejectsRelativeURL(t *testing.T) {
	lib := resource.NewLibrary(nil)
	hooks := hook.NewCoordinator(hook.Deps{Library: lib, Messenger: ipc.NewLocalHub().Join("1")})
	app := newAPIApp(APIDeps{Links: repository.NewMemoryLinkStore(), Hooks: hooks})

	if status := doJSON(t, app, http.MethodPost, "/api/hooks", `{"url": "h/1"}`, nil); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

package hook

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sifan077/PowerLink/internal/app/ipc"
	"github.com/sifan077/PowerLink/internal/app/resource"
	infraPrometheus "github.com/sifan077/PowerLink/internal/infra/prometheus"
)

type testWorker struct {
	lib   *resource.Library
	coord *Coordinator
	ipc   *ipc.LocalWorker
}

func newCluster(t *testing.T, ids ...string) []*testWorker {
	t.Helper()
	hub := ipc.NewLocalHub()
	workers := make([]*testWorker, 0, len(ids))
	for _, id := range ids {
		w := hub.Join(id)
		lib := resource.NewLibrary(nil)
		workers = append(workers, &testWorker{
			lib:   lib,
			ipc:   w,
			coord: NewCoordinator(Deps{Library: lib, Messenger: w}),
		})
	}
	return workers
}

func TestCoordinator_CreateRegistersStubsOnPeers(t *testing.T) {
	ws := newCluster(t, "1", "2", "3")
	owner := ws[0]

	h, err := owner.coord.Create(context.Background(), "/h/1")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if h.IsStub() {
		t.Fatal("owner hook must not be a stub")
	}

	for _, peer := range ws[1:] {
		stub, ok := peer.coord.Lookup("/h/1")
		if !ok {
			t.Fatalf("worker %s has no stub", peer.ipc.WorkerID())
		}
		if !stub.IsStub() || stub.ID != h.ID || stub.WorkerID != "1" {
			t.Fatalf("unexpected stub on worker %s: %+v", peer.ipc.WorkerID(), stub)
		}
	}
}

func TestCoordinator_CreateRejectsTakenURL(t *testing.T) {
	ws := newCluster(t, "1", "2")

	if _, err := ws[0].coord.Create(context.Background(), "/h/1"); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	// The peer already holds a stub for the URL.
	if _, err := ws[1].coord.Create(context.Background(), "/h/1"); !errors.Is(err, ErrURLInUse) {
		t.Fatalf("expected ErrURLInUse, got %v", err)
	}
}

func TestCoordinator_AcceptViaStubResolvesOwnerOnce(t *testing.T) {
	ws := newCluster(t, "1", "2")
	owner, peer := ws[0], ws[1]

	h, err := owner.coord.Create(context.Background(), "/h/1")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	stub, ok := peer.coord.Lookup("/h/1")
	if !ok {
		t.Fatal("peer has no stub")
	}
	if err := stub.Accept(context.Background(), []byte("token-value")); err != nil {
		t.Fatalf("Accept error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if !res.Accepted || string(res.Value) != "token-value" {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, w := range ws {
		if w.lib.Has("/h/1") {
			t.Fatalf("worker %s still has /h/1", w.ipc.WorkerID())
		}
	}

	// A stale accept for the same hook is ignored.
	if err := stub.Accept(context.Background(), []byte("again")); err != nil {
		t.Fatalf("stale Accept error: %v", err)
	}
	if err := h.Accept(context.Background(), []byte("again")); !errors.Is(err, ErrHookClosed) {
		t.Fatalf("expected ErrHookClosed, got %v", err)
	}
	res, _ = h.Wait(ctx)
	if string(res.Value) != "token-value" {
		t.Fatalf("result changed after second accept: %q", res.Value)
	}
	if owner.coord.Pending() != 0 {
		t.Fatalf("expected no pending hooks, got %d", owner.coord.Pending())
	}
}

func TestCoordinator_AcceptMessageForUnknownURLIsIgnored(t *testing.T) {
	ws := newCluster(t, "1", "2")

	msg, err := ipc.NewMessage(MsgAccept, hookMessage{URL: "/nope", HookID: "1.1", WorkerID: "1"})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	if err := ws[1].ipc.Send(context.Background(), "1", msg); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if len(ws[0].lib.URLs()) != 0 {
		t.Fatalf("unexpected registrations: %v", ws[0].lib.URLs())
	}
}

func TestCoordinator_TimeoutClearsEverywhere(t *testing.T) {
	ws := newCluster(t, "1", "2", "3")
	owner := ws[0]

	h, err := owner.coord.Create(context.Background(), "/h/timeout", WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if res.Accepted {
		t.Fatalf("expected timeout without value, got %+v", res)
	}

	for _, w := range ws {
		if w.lib.Has("/h/timeout") {
			t.Fatalf("worker %s still has /h/timeout", w.ipc.WorkerID())
		}
	}
}

func TestCoordinator_ClearResolvesNestedHooks(t *testing.T) {
	ws := newCluster(t, "1", "2")
	owner, peer := ws[0], ws[1]

	h, err := owner.coord.Create(context.Background(), "/h/2")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	nested, err := owner.coord.Create(context.Background(), "/h/2/extra")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	sibling, err := owner.coord.Create(context.Background(), "/h/20")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if err := h.Clear(context.Background()); err != nil {
		t.Fatalf("Clear error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := nested.Wait(ctx)
	if err != nil {
		t.Fatalf("nested waiter never woke: %v", err)
	}
	if res.Accepted {
		t.Fatalf("expected nested hook cleared without a value, got %+v", res)
	}

	for _, w := range ws {
		if w.lib.Has("/h/2") || w.lib.Has("/h/2/extra") {
			t.Fatalf("worker %s kept cleared hooks: %v", w.ipc.WorkerID(), w.lib.URLs())
		}
		if !w.lib.Has("/h/20") {
			t.Fatalf("worker %s lost the sibling hook", w.ipc.WorkerID())
		}
	}
	if owner.coord.Pending() != 1 {
		t.Fatalf("expected only the sibling pending, got %d", owner.coord.Pending())
	}
	if stub, ok := peer.coord.Lookup("/h/20"); !ok || stub.ID != sibling.ID {
		t.Fatal("expected the sibling stub to stay on the peer")
	}
}

func TestCoordinator_ClearLeavesOtherResources(t *testing.T) {
	ws := newCluster(t, "1", "2")
	owner := ws[0]

	h, err := owner.coord.Create(context.Background(), "/l")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	for _, w := range ws {
		w.lib.Register("/l/static", staticResource{})
	}
	if err := h.Clear(context.Background()); err != nil {
		t.Fatalf("Clear error: %v", err)
	}

	for _, w := range ws {
		if !w.lib.Has("/l/static") {
			t.Fatalf("worker %s lost a resource the hook did not own", w.ipc.WorkerID())
		}
	}
}

func TestCoordinator_CreateRefusesShadowingURL(t *testing.T) {
	ws := newCluster(t, "1")
	ws[0].lib.Register("/link", staticResource{})

	for _, url := range []string{"/", "/l", "/link"} {
		if _, err := ws[0].coord.Create(context.Background(), url); !errors.Is(err, ErrURLInUse) {
			t.Fatalf("%s: expected ErrURLInUse, got %v", url, err)
		}
	}
	if ws[0].coord.Pending() != 0 {
		t.Fatalf("expected nothing pending, got %d", ws[0].coord.Pending())
	}
}

type staticResource struct{}

func (staticResource) ServeResource(c *fiber.Ctx) error { return c.SendString("static") }

func TestHook_ServeResourceOnPeer(t *testing.T) {
	ws := newCluster(t, "1", "2")
	owner, peer := ws[0], ws[1]

	h, err := owner.coord.Create(context.Background(), "/h/http")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	app := fiber.New()
	app.Use(peer.lib.Handler())

	req := httptest.NewRequest("POST", "/h/http", strings.NewReader("payload"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hook was not resolved")
	}
	res, _ := h.Wait(context.Background())
	if string(res.Value) != "payload" {
		t.Fatalf("unexpected value %q", res.Value)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/h/http", nil))
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 once the hook is gone, got %d", resp.StatusCode)
	}
}

func TestHook_ServeResourceRejectsOtherMethods(t *testing.T) {
	ws := newCluster(t, "1", "2")
	owner, peer := ws[0], ws[1]

	h, err := owner.coord.Create(context.Background(), "/h/method")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	app := fiber.New()
	app.Use(peer.lib.Handler())

	for _, method := range []string{fiber.MethodHead, fiber.MethodPut, fiber.MethodDelete} {
		resp, err := app.Test(httptest.NewRequest(method, "/h/method?x", nil))
		if err != nil {
			t.Fatalf("request error: %v", err)
		}
		if resp.StatusCode != fiber.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", method, resp.StatusCode)
		}
	}
	select {
	case <-h.Done():
		t.Fatal("hook resolved by a method that must not accept")
	default:
	}
	if owner.coord.Pending() != 1 {
		t.Fatalf("expected hook still pending, got %d", owner.coord.Pending())
	}
}

func TestCoordinator_ClearForgetsEveryNestedStub(t *testing.T) {
	ws := newCluster(t, "1", "2")
	owner, peer := ws[0], ws[1]
	before := gaugeValue(t, infraPrometheus.HookStubs)

	h, err := owner.coord.Create(context.Background(), "/h/3")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := owner.coord.Create(context.Background(), "/h/3/a"); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := owner.coord.Create(context.Background(), "/h/3/b"); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got := gaugeValue(t, infraPrometheus.HookStubs) - before; got != 3 {
		t.Fatalf("expected 3 stubs held, got %v", got)
	}

	if err := h.Clear(context.Background()); err != nil {
		t.Fatalf("Clear error: %v", err)
	}

	if urls := peer.lib.URLs(); len(urls) != 0 {
		t.Fatalf("expected peer library empty, got %v", urls)
	}
	if got := gaugeValue(t, infraPrometheus.HookStubs) - before; got != 0 {
		t.Fatalf("expected stub gauge back to its start, off by %v", got)
	}
}

func gaugeValue(t *testing.T, g prom.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

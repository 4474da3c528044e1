package resource

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type staticResource string

func (s staticResource) ServeResource(c *fiber.Ctx) error {
	return c.SendString(string(s))
}

func TestLibrary_RegisterIgnoresDuplicates(t *testing.T) {
	lib := NewLibrary(nil)

	if !lib.Register("/a", staticResource("first")) {
		t.Fatal("expected first registration to succeed")
	}
	if lib.Register("/a", staticResource("second")) {
		t.Fatal("expected duplicate registration to be ignored")
	}

	r, ok := lib.Get("/a")
	if !ok || r != staticResource("first") {
		t.Fatalf("expected original resource to remain, got %v", r)
	}
}

func TestLibrary_DeregisterRemovesURLAndChildren(t *testing.T) {
	lib := NewLibrary(nil)
	lib.Register("/h/1", staticResource("hook"))
	lib.Register("/h/1/nested", staticResource("nested"))
	lib.Register("/h/10", staticResource("sibling"))
	lib.Register("/other", staticResource("other"))

	removed := lib.Deregister("/h/1", nil)
	if len(removed) != 2 || removed["/h/1"] == nil || removed["/h/1/nested"] == nil {
		t.Fatalf("expected /h/1 and its child removed, got %v", removed)
	}

	urls := lib.URLs()
	if len(urls) != 2 || urls[0] != "/h/10" || urls[1] != "/other" {
		t.Fatalf("unexpected remaining urls: %v", urls)
	}
}

func TestLibrary_DeregisterKeepsUnmatchedChildren(t *testing.T) {
	lib := NewLibrary(nil)
	lib.Register("/", staticResource("root"))
	lib.Register("/link", staticResource("dispatcher"))

	onlyRoot := func(r Resource) bool { return r == staticResource("root") }
	removed := lib.Deregister("/", onlyRoot)
	if len(removed) != 1 {
		t.Fatalf("expected only the root removed, got %v", removed)
	}
	if !lib.Has("/link") {
		t.Fatal("expected /link to survive")
	}
}

func TestLibrary_RegisterExclusiveRefusesShadowing(t *testing.T) {
	lib := NewLibrary(nil)
	lib.Register("/link", staticResource("dispatcher"))
	lib.Register("/h/1/deep", staticResource("hook"))

	for _, url := range []string{"/", "/l", "/link"} {
		if lib.RegisterExclusive(url, staticResource("x"), nil) {
			t.Fatalf("expected %s to be refused", url)
		}
	}

	hooksOnly := func(r Resource) bool { return r == staticResource("hook") }
	if !lib.RegisterExclusive("/h/1", staticResource("x"), hooksOnly) {
		t.Fatal("expected a prefix of a shadowable resource to be accepted")
	}
	if !lib.RegisterExclusive("/linkx", staticResource("x"), nil) {
		t.Fatal("expected an unrelated url to be accepted")
	}
}

func TestLibrary_DeregisterIf(t *testing.T) {
	lib := NewLibrary(nil)
	first := staticResource("first")
	lib.Register("/a", first)

	if lib.DeregisterIf("/a", staticResource("other")) {
		t.Fatal("expected mismatching resource to be kept")
	}
	if !lib.DeregisterIf("/a", first) {
		t.Fatal("expected matching resource to be removed")
	}
	if lib.Has("/a") {
		t.Fatal("expected /a to be gone")
	}
}

func TestLibrary_Handler(t *testing.T) {
	lib := NewLibrary(nil)
	lib.Register("/hello", staticResource("hi"))

	app := fiber.New()
	app.Use(lib.Handler())
	app.Use(func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/hello", nil))
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/missing", nil))
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerLink/internal/app/hook"
	"github.com/sifan077/PowerLink/internal/app/model"
	"github.com/sifan077/PowerLink/internal/app/repository"
	"github.com/sifan077/PowerLink/internal/app/service"
	infraPrometheus "github.com/sifan077/PowerLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

const maxHookWait = 5 * time.Minute

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger      *zap.Logger
	Links       repository.LinkStore
	LinkService service.LinkService
	Events      repository.LinkEventRepository
	Hooks       *hook.Coordinator
	// LinkPath is the dispatcher path used to build link URLs.
	LinkPath string
}

// APIHandler implements the management API endpoints.
type APIHandler struct {
	logger      *zap.Logger
	links       repository.LinkStore
	linkService service.LinkService
	events      repository.LinkEventRepository
	hooks       *hook.Coordinator
	linkPath    string
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	linkPath := deps.LinkPath
	if linkPath == "" {
		linkPath = "/link"
	}
	linkService := deps.LinkService
	if linkService == nil {
		linkService = service.NewLinkService(nil, logger)
	}
	return &APIHandler{
		logger:      logger,
		links:       deps.Links,
		linkService: linkService,
		events:      deps.Events,
		hooks:       deps.Hooks,
		linkPath:    linkPath,
	}
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	api := router.Group("/api")
	{
		links := api.Group("/links")
		{
			links.Post("/", h.CreateLink)
			links.Get("/", h.ListLinks)
			links.Get("/:id", h.GetLink)
			links.Post("/:id/close", h.CloseLink)
			links.Get("/:id/events", h.ListLinkEvents)
		}
		if h.hooks != nil {
			api.Post("/hooks", h.AwaitHook)
		}
	}
}

// LinkResponse is the API view of a link.
type LinkResponse struct {
	ID         uint64       `json:"id"`
	Code       string       `json:"code"`
	URL        string       `json:"url"`
	Opens      int          `json:"opens"`
	Limit      int          `json:"limit"`
	Expires    time.Time    `json:"expires"`
	Reason     string       `json:"reason"`
	ReasonType string       `json:"reasonType"`
	ReasonOID  string       `json:"reasonOid"`
	Action     model.Action `json:"action"`
	Closed     bool         `json:"closed"`
	ClosedOn   *time.Time   `json:"closedOn,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

func (h *APIHandler) toResponse(link *model.Link) LinkResponse {
	resp := LinkResponse{
		ID:         link.ID,
		Code:       link.Code,
		URL:        h.linkPath + "?code=" + url.QueryEscape(link.Code),
		Opens:      link.Opens,
		Limit:      link.Limit,
		Expires:    link.Expires,
		Reason:     link.Reason,
		ReasonType: link.ReasonType,
		ReasonOID:  strconv.FormatInt(link.ReasonOID, 10),
		Action:     link.Action,
		Closed:     link.Closed,
		CreatedAt:  link.CreatedAt,
	}
	if link.Closed {
		closedOn := link.ClosedOn
		resp.ClosedOn = &closedOn
	}
	return resp
}

// CreateLink handles POST /api/links. The body is a raw link description.
func (h *APIHandler) CreateLink(c *fiber.Ctx) error {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	ctx := userContext(c)

	conn, err := h.links.Connect(ctx)
	if err != nil {
		h.logger.Error("failed to connect link store", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create link",
		})
	}
	defer conn.Free()

	link, err := h.linkService.MakeLink(ctx, conn, raw)
	if err != nil {
		if errors.Is(err, service.ErrInvalidLink) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		h.logger.Error("failed to create link", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create link",
		})
	}

	if err := conn.Commit(); err != nil {
		h.logger.Error("failed to commit link", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create link",
		})
	}

	infraPrometheus.LinksCreated.Inc()
	return c.Status(fiber.StatusCreated).JSON(h.toResponse(link))
}

// ListLinks handles GET /api/links
func (h *APIHandler) ListLinks(c *fiber.Ctx) error {
	limit := 20
	offset := 0

	if parsed := c.QueryInt("limit"); parsed > 0 && parsed <= 100 {
		limit = parsed
	}
	if parsed := c.QueryInt("offset"); parsed >= 0 {
		offset = parsed
	}

	links, err := h.links.List(userContext(c), limit, offset)
	if err != nil {
		h.logger.Error("failed to list links", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list links",
		})
	}

	response := make([]LinkResponse, len(links))
	for i := range links {
		response[i] = h.toResponse(&links[i])
	}

	return c.JSON(fiber.Map{
		"links":  response,
		"limit":  limit,
		"offset": offset,
		"count":  len(response),
	})
}

// GetLink handles GET /api/links/:id
func (h *APIHandler) GetLink(c *fiber.Ctx) error {
	return h.withLink(c, func(ctx context.Context, conn repository.LinkConn, link *model.Link) error {
		return c.JSON(h.toResponse(link))
	})
}

// CloseLink handles POST /api/links/:id/close
func (h *APIHandler) CloseLink(c *fiber.Ctx) error {
	return h.withLink(c, func(ctx context.Context, conn repository.LinkConn, link *model.Link) error {
		if err := h.linkService.CloseLink(ctx, conn, link); err != nil {
			return err
		}
		if err := conn.Commit(); err != nil {
			return err
		}
		return c.JSON(h.toResponse(link))
	})
}

// ListLinkEvents handles GET /api/links/:id/events
func (h *APIHandler) ListLinkEvents(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a positive integer",
		})
	}
	if h.events == nil {
		return c.JSON(fiber.Map{"events": []model.LinkEvent{}})
	}

	events, err := h.events.ListByLink(userContext(c), id, c.QueryInt("limit"))
	if err != nil {
		h.logger.Error("failed to list link events", zap.Error(err), zap.Uint64("id", id))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list link events",
		})
	}
	return c.JSON(fiber.Map{"events": events})
}

func (h *APIHandler) withLink(c *fiber.Ctx, fn func(ctx context.Context, conn repository.LinkConn, link *model.Link) error) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id must be a positive integer",
		})
	}

	ctx := userContext(c)
	conn, err := h.links.Connect(ctx)
	if err != nil {
		h.logger.Error("failed to connect link store", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}
	defer conn.Free()

	link, err := h.linkService.MakeLink(ctx, conn, id)
	if err != nil {
		h.logger.Error("failed to load link", zap.Error(err), zap.Uint64("id", id))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}
	if !link.Ready() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "link not found",
		})
	}

	if err := fn(ctx, conn, link); err != nil {
		h.logger.Error("link operation failed", zap.Error(err), zap.Uint64("id", id))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal server error",
		})
	}
	return nil
}

// AwaitHookRequest asks the worker to publish a hook and wait for it.
type AwaitHookRequest struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AwaitHook handles POST /api/hooks. It registers a hook at the given URL across
// the cluster and holds the request open until the hook is accepted or expires.
func (h *APIHandler) AwaitHook(c *fiber.Ctx) error {
	var req AwaitHookRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.URL == "" || req.URL[0] != '/' {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "url must be an absolute path",
		})
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 || timeout > maxHookWait {
		timeout = maxHookWait
	}

	ctx := userContext(c)
	hk, err := h.hooks.Create(ctx, req.URL, hook.WithTimeout(timeout))
	if err != nil {
		if errors.Is(err, hook.ErrURLInUse) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "url already in use",
			})
		}
		h.logger.Error("failed to create hook", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to create hook",
		})
	}

	res, err := hk.Wait(ctx)
	if err != nil {
		_ = hk.Clear(context.Background())
		return c.Status(fiber.StatusRequestTimeout).JSON(fiber.Map{
			"error": "wait aborted",
		})
	}

	return c.JSON(fiber.Map{
		"url":      hk.URL,
		"hookId":   hk.ID,
		"accepted": res.Accepted,
		"value":    string(res.Value),
	})
}

func userContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

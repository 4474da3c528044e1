package handler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sifan077/PowerLink/internal/app/model"
	"github.com/sifan077/PowerLink/internal/app/repository"
	"github.com/sifan077/PowerLink/internal/app/service"
	"github.com/sifan077/PowerLink/internal/http/view"
	infraPrometheus "github.com/sifan077/PowerLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// ActionHandler carries out a link's action and writes the response.
type ActionHandler func(c *fiber.Ctx, link *model.Link) error

// EventPublisher receives one event per dispatched request.
type EventPublisher interface {
	Publish(event model.LinkEvent) error
}

// LinkxDeps groups dependencies required by the link dispatcher.
type LinkxDeps struct {
	Logger  *zap.Logger
	Links   repository.LinkStore
	Service service.LinkService
	Events  EventPublisher
	// StrictOpens claims each open with a conditional update before the action runs,
	// so concurrent requests cannot overspend a link's limit.
	StrictOpens bool
}

// LinkxOption customises the action set of a dispatcher.
type LinkxOption func(*LinkxHandler)

// WithAction adds or replaces the handler for an action kind.
func WithAction(kind model.ActionKind, h ActionHandler) LinkxOption {
	return func(l *LinkxHandler) {
		l.actions[kind] = h
	}
}

// WithPageAction enables the PAGE action, which renders a notice page.
func WithPageAction() LinkxOption {
	return WithAction(model.ActionPage, handlePage)
}

// LinkxHandler resolves a link by code, runs its action and settles the open
// count, all inside one unit of work.
type LinkxHandler struct {
	logger  *zap.Logger
	links   repository.LinkStore
	service service.LinkService
	events  EventPublisher
	strict  bool
	actions map[model.ActionKind]ActionHandler
	now     func() time.Time
}

// NewLinkxHandler creates a dispatcher with the REDIRECT action plus any options.
func NewLinkxHandler(deps LinkxDeps, opts ...LinkxOption) *LinkxHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := deps.Service
	if svc == nil {
		svc = service.NewLinkService(nil, logger)
	}

	h := &LinkxHandler{
		logger:  logger,
		links:   deps.Links,
		service: svc,
		events:  deps.Events,
		strict:  deps.StrictOpens,
		actions: map[model.ActionKind]ActionHandler{
			model.ActionRedirect: handleRedirect,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeResource lets the dispatcher live in the resource library. Only GET
// opens a link; other methods never touch the store.
func (h *LinkxHandler) ServeResource(c *fiber.Ctx) error {
	if c.Method() != fiber.MethodGet {
		c.Set(fiber.HeaderAllow, fiber.MethodGet)
		return c.SendStatus(fiber.StatusMethodNotAllowed)
	}
	return h.Open(c)
}

// Open handles GET <link path>?code=<code>.
func (h *LinkxHandler) Open(c *fiber.Ctx) error {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	code := linkCode(c)

	conn, err := h.links.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect link store: %w", err)
	}
	defer conn.Free()

	link, outcome, err := h.dispatch(ctx, c, conn, code)
	if err != nil {
		return err
	}

	if err := conn.Commit(); err != nil {
		return fmt.Errorf("commit link: %w", err)
	}

	h.record(c, code, link, outcome)
	return nil
}

func (h *LinkxHandler) dispatch(ctx context.Context, c *fiber.Ctx, conn repository.LinkConn, code string) (*model.Link, string, error) {
	link, err := h.service.LoadLinkByCode(ctx, conn, code)
	if err != nil {
		return nil, "", err
	}
	if !link.Ready() {
		return link, model.OutcomeNotFound, c.SendStatus(fiber.StatusNotFound)
	}

	if !link.IsAvailable(h.now()) {
		if err := h.service.CloseLink(ctx, conn, link); err != nil {
			return nil, "", err
		}
		return link, model.OutcomeUnavailable, c.SendStatus(fiber.StatusNotFound)
	}

	action, ok := h.actions[link.Action.Kind()]
	if !ok {
		h.logger.Warn("unsupported link action",
			zap.Uint64("id", link.ID),
			zap.String("action", link.Action.Type),
		)
		if err := h.service.CloseLink(ctx, conn, link); err != nil {
			return nil, "", err
		}
		return link, model.OutcomeUnsupported, c.SendStatus(fiber.StatusNotFound)
	}

	if h.strict {
		won, err := conn.ClaimOpen(ctx, link)
		if err != nil {
			return nil, "", fmt.Errorf("claim open: %w", err)
		}
		if !won {
			return link, model.OutcomeConflict, c.SendStatus(fiber.StatusNotFound)
		}
	}

	outcome := model.OutcomeOpened
	if fault := invoke(c, action, link); fault != nil {
		outcome = model.OutcomeHandlerError
		h.logger.Error("link action failed",
			zap.Uint64("id", link.ID),
			zap.String("action", link.Action.Type),
			zap.Error(fault.err),
		)
		if err := writeFault(c, fault); err != nil {
			return nil, "", err
		}
	}

	// Accounting runs whether or not the action failed.
	if h.strict {
		err = h.service.RetireIfExhausted(ctx, conn, link)
	} else {
		err = h.service.RecordOpen(ctx, conn, link)
	}
	if err != nil {
		return nil, "", err
	}

	return link, outcome, nil
}

type actionFault struct {
	err   error
	stack []byte
}

func invoke(c *fiber.Ctx, action ActionHandler, link *model.Link) (fault *actionFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &actionFault{err: fmt.Errorf("panic: %v", r), stack: debug.Stack()}
		}
	}()

	if err := action(c, link); err != nil {
		return &actionFault{err: err, stack: debug.Stack()}
	}
	return nil
}

func writeFault(c *fiber.Ctx, fault *actionFault) error {
	c.Response().ResetBody()
	c.Response().Header.Del(fiber.HeaderLocation)
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	body := fmt.Sprintf("Error: %s\r\nStack: %s", fault.err.Error(), fault.stack)
	return c.Status(fiber.StatusInternalServerError).SendString(body)
}

func (h *LinkxHandler) record(c *fiber.Ctx, code string, link *model.Link, outcome string) {
	infraPrometheus.LinkRequests.WithLabelValues(outcome).Inc()

	h.logger.Debug("link dispatched",
		zap.String("outcome", outcome),
		zap.Int("status", c.Response().StatusCode()),
	)

	if h.events == nil {
		return
	}

	event := model.LinkEvent{
		Code:      utils.CopyString(code),
		Outcome:   outcome,
		Status:    c.Response().StatusCode(),
		IP:        utils.CopyString(c.IP()),
		UserAgent: utils.CopyString(c.Get(fiber.HeaderUserAgent)),
		Timestamp: h.now(),
	}
	if link != nil {
		event.LinkID = link.ID
	}

	go func() {
		if err := h.events.Publish(event); err != nil {
			h.logger.Error("failed to publish link event", zap.Error(err), zap.Uint64("link_id", event.LinkID))
		}
	}()
}

// linkCode reads the code from ?code=<code>, or from a bare ?<code> query.
func linkCode(c *fiber.Ctx) string {
	if code := c.Query("code"); code != "" {
		return utils.CopyString(code)
	}
	raw := string(c.Context().QueryArgs().QueryString())
	if raw != "" && !strings.ContainsAny(raw, "=&") {
		return raw
	}
	return ""
}

func handleRedirect(c *fiber.Ctx, link *model.Link) error {
	if link.Action.URL == "" {
		return fmt.Errorf("redirect link %d has no url", link.ID)
	}
	c.Set(fiber.HeaderLocation, link.Action.URL)
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlain)
	return c.Status(fiber.StatusTemporaryRedirect).SendString("")
}

func handlePage(c *fiber.Ctx, link *model.Link) error {
	html, err := view.RenderMessagePage(view.MessagePageData{
		Title:   link.Action.Title,
		Message: link.Action.Message,
		URL:     link.Action.URL,
	})
	if err != nil {
		return fmt.Errorf("render page: %w", err)
	}
	return c.
		Type("html", "utf-8").
		SendString(html)
}

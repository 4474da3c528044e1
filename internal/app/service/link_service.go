package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sifan077/PowerLink/internal/app/model"
	"github.com/sifan077/PowerLink/internal/app/repository"
	"go.uber.org/zap"
)

var (
	// ErrInvalidLink is returned when a link description fails validation. Nothing is
	// persisted in that case.
	ErrInvalidLink = errors.New("invalid link description")
)

// LinkService defines behaviour-level operations on links. Every operation runs
// inside the caller's unit of work; committing and freeing it is up to the caller.
type LinkService interface {
	// MakeLink picks the construction mode from the shape of arg: a LinkSpec or a raw
	// description map mints a new link, an integer id or a code string loads one.
	MakeLink(ctx context.Context, conn repository.LinkConn, arg interface{}) (*model.Link, error)
	CreateLink(ctx context.Context, conn repository.LinkConn, spec LinkSpec) (*model.Link, error)
	LoadLink(ctx context.Context, conn repository.LinkConn, id uint64) (*model.Link, error)
	LoadLinkByCode(ctx context.Context, conn repository.LinkConn, code string) (*model.Link, error)
	CloseLink(ctx context.Context, conn repository.LinkConn, link *model.Link) error
	RecordOpen(ctx context.Context, conn repository.LinkConn, link *model.Link) error
	RetireIfExhausted(ctx context.Context, conn repository.LinkConn, link *model.Link) error
}

// LinkSpec captures the description a new link is minted from.
type LinkSpec struct {
	Limit      int
	Expires    time.Time
	Reason     string
	ReasonType string
	ReasonOID  int64
	Action     model.Action
}

// Validate applies defaults and checks the description.
func (s *LinkSpec) Validate() error {
	if s.Limit == 0 {
		s.Limit = model.DefaultLimit
	}
	if s.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidLink)
	}
	if s.Expires.IsZero() {
		s.Expires = model.NoExpiry
	}
	if s.Action.Type == "" {
		return fmt.Errorf("%w: action.type is required", ErrInvalidLink)
	}
	return nil
}

type linkService struct {
	codes  *CodeGenerator
	logger *zap.Logger
	now    func() time.Time
}

// NewLinkService returns a service minting codes with the given generator.
func NewLinkService(codes *CodeGenerator, logger *zap.Logger) LinkService {
	if codes == nil {
		codes = NewCodeGenerator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &linkService{
		codes:  codes,
		logger: logger,
		now:    time.Now,
	}
}

func (s *linkService) MakeLink(ctx context.Context, conn repository.LinkConn, arg interface{}) (*model.Link, error) {
	switch v := arg.(type) {
	case LinkSpec:
		return s.CreateLink(ctx, conn, v)
	case map[string]interface{}:
		spec, err := ParseLinkSpec(v)
		if err != nil {
			return nil, err
		}
		return s.CreateLink(ctx, conn, spec)
	case uint64:
		return s.LoadLink(ctx, conn, v)
	case int64:
		if v < 0 {
			return &model.Link{}, nil
		}
		return s.LoadLink(ctx, conn, uint64(v))
	case int:
		if v < 0 {
			return &model.Link{}, nil
		}
		return s.LoadLink(ctx, conn, uint64(v))
	case string:
		return s.LoadLinkByCode(ctx, conn, v)
	default:
		return nil, fmt.Errorf("%w: unsupported argument %T", ErrInvalidLink, arg)
	}
}

func (s *linkService) CreateLink(ctx context.Context, conn repository.LinkConn, spec LinkSpec) (*model.Link, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	code, err := s.codes.Generate(ctx, conn.CodeExists)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	link := &model.Link{
		Code:       code,
		Opens:      0,
		Limit:      spec.Limit,
		Expires:    spec.Expires,
		Reason:     spec.Reason,
		ReasonType: spec.ReasonType,
		ReasonOID:  spec.ReasonOID,
		Action:     spec.Action,
	}

	if err := conn.Save(ctx, link); err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}

	s.logger.Debug("link created",
		zap.Uint64("id", link.ID),
		zap.String("action", link.Action.Type),
		zap.String("reason_type", link.ReasonType),
		zap.Int("limit", link.Limit),
	)
	return link, nil
}

func (s *linkService) LoadLink(ctx context.Context, conn repository.LinkConn, id uint64) (*model.Link, error) {
	if id == 0 {
		return &model.Link{}, nil
	}
	link, err := conn.GetByID(ctx, id)
	return notReadyIfMissing(link, err)
}

func (s *linkService) LoadLinkByCode(ctx context.Context, conn repository.LinkConn, code string) (*model.Link, error) {
	if code == "" {
		return &model.Link{}, nil
	}
	link, err := conn.GetByCode(ctx, code)
	return notReadyIfMissing(link, err)
}

func notReadyIfMissing(link *model.Link, err error) (*model.Link, error) {
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			return &model.Link{}, nil
		}
		return nil, fmt.Errorf("load link: %w", err)
	}
	return link, nil
}

// CloseLink retires a link for good. Closing a link that is not ready, or is
// already closed, writes nothing.
func (s *linkService) CloseLink(ctx context.Context, conn repository.LinkConn, link *model.Link) error {
	if !link.Ready() || link.Closed {
		return nil
	}

	link.Closed = true
	link.ClosedOn = s.now()
	if err := conn.Save(ctx, link); err != nil {
		return fmt.Errorf("close link: %w", err)
	}

	s.logger.Debug("link closed", zap.Uint64("id", link.ID), zap.Int("opens", link.Opens))
	return nil
}

// RecordOpen counts one open and either retires the link or saves it as still open.
func (s *linkService) RecordOpen(ctx context.Context, conn repository.LinkConn, link *model.Link) error {
	link.Opens++
	if link.Opens >= link.Limit {
		return s.CloseLink(ctx, conn, link)
	}
	if err := conn.Save(ctx, link); err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

// RetireIfExhausted closes a link whose open was already counted by ClaimOpen.
func (s *linkService) RetireIfExhausted(ctx context.Context, conn repository.LinkConn, link *model.Link) error {
	if link.Opens >= link.Limit {
		return s.CloseLink(ctx, conn, link)
	}
	return nil
}

package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LinkSweeper performs bulk maintenance on the link table.
type LinkSweeper interface {
	CloseExpired(ctx context.Context, now time.Time) (int64, error)
}

type pgLinkSweeper struct {
	pool *pgxpool.Pool
}

// NewLinkSweeper returns a LinkSweeper running raw SQL on the pgx pool.
func NewLinkSweeper(pool *pgxpool.Pool) LinkSweeper {
	return &pgLinkSweeper{pool: pool}
}

func (s *pgLinkSweeper) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE links
		SET closed = TRUE, closed_on = $1, updated_at = $1
		WHERE closed = FALSE AND expires <= $1
	`

	tag, err := s.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

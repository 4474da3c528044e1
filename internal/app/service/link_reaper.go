package service

import (
	"context"
	"time"

	apprepository "github.com/sifan077/PowerLink/internal/app/repository"
	infraPrometheus "github.com/sifan077/PowerLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// LinkReaper periodically closes open links whose expiry has passed.
type LinkReaper struct {
	logger   *zap.Logger
	sweeper  apprepository.LinkSweeper
	interval time.Duration
	stopChan chan struct{}
	now      func() time.Time
}

// NewLinkReaper creates a new link reaper.
func NewLinkReaper(logger *zap.Logger, sweeper apprepository.LinkSweeper, interval time.Duration) *LinkReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &LinkReaper{
		logger:   logger,
		sweeper:  sweeper,
		interval: interval,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the periodic sweep.
func (r *LinkReaper) Start() {
	go r.run()
}

// Stop stops the periodic sweep.
func (r *LinkReaper) Stop() {
	close(r.stopChan)
}

func (r *LinkReaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(context.Background())
		case <-r.stopChan:
			r.logger.Info("link reaper stopped")
			return
		}
	}
}

// Sweep closes expired links once and returns how many were closed.
func (r *LinkReaper) Sweep(ctx context.Context) int64 {
	now := r.now()

	affected, err := r.sweeper.CloseExpired(ctx, now)
	if err != nil {
		r.logger.Error("failed to close expired links", zap.Error(err))
		return 0
	}

	if affected > 0 {
		infraPrometheus.LinksReaped.Add(float64(affected))
		r.logger.Info("closed expired links",
			zap.Int64("count", affected),
			zap.Time("expired_before", now),
		)
	}
	return affected
}

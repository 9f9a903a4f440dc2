// Package expiry rematches requests whose offers went unanswered for longer
// than the urgency response window.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/home-services-matching/internal/apperr"
	"github.com/example/home-services-matching/internal/matcher"
	"github.com/example/home-services-matching/internal/models"
	"github.com/example/home-services-matching/internal/observability"
	"github.com/example/home-services-matching/internal/scoring"
	"github.com/example/home-services-matching/internal/storage"
)

type Rematcher interface {
	Rematch(ctx context.Context, requestID string) (*matcher.Result, error)
}

type Sweeper struct {
	Store     storage.Store
	Rematcher Rematcher
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

// Start polls every Interval until Stop is called or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	if s.Interval <= 0 {
		s.log().Info("expiry sweeper disabled")
		return
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.poll(ctx)
	s.log().Info("expiry sweeper started", "interval", s.Interval.String())
}

func (s *Sweeper) Stop() {
	if s.stop == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log().Info("expiry sweeper stopped")
}

func (s *Sweeper) poll(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log().Warn("expiry sweep failed", "err", err)
			}
		}
	}
}

// SweepOnce rematches one batch of stale requests and returns how many were
// rematched. A request that left pending in the meantime is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := func(u models.Urgency) time.Time { return now.Add(-scoring.ResponseWindow(u)) }
	limit := s.BatchSize
	if limit <= 0 {
		limit = 50
	}
	stale, err := s.Store.ListStaleMatches(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, r := range stale {
		res, err := s.Rematcher.Rematch(ctx, r.ID)
		switch {
		case err == nil:
			done++
			observability.StaleRematches.Inc()
			s.log().Info("stale request rematched", "request_id", r.ID, "urgency", r.Urgency, "notified", len(res.Notified))
		case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConcurrencyConflict):
			s.log().Debug("stale request skipped", "request_id", r.ID, "err", err)
		default:
			s.log().Warn("stale request rematch failed", "request_id", r.ID, "err", err)
		}
	}
	return done, nil
}

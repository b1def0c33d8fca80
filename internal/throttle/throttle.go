// Package throttle implements a fixed-window per-user rate limiter backed by
// redis. Windows are one minute wide and counters expire on their own, so the
// store never accumulates stale keys.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	dErrors "gatekeeper/pkg/domainerrors"
)

// counterTTL is one second short of the window so a counter is always gone
// before the same minute value comes around again.
const counterTTL = 59 * time.Second

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_throttle_decisions_total",
	Help: "Throttle admission decisions by outcome.",
}, []string{"outcome"})

// Service admits or rejects requests against a per-user per-minute budget.
type Service struct {
	rdb    *redis.Client
	limit  int64
	now    func() time.Time
	logger *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New builds a throttle service with the given per-minute limit.
func New(rdb *redis.Client, limit int64, opts ...Option) *Service {
	s := &Service{
		rdb:    rdb,
		limit:  limit,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow increments the caller's counter for the current minute window and
// reports whether the request is within budget. The increment and the expiry
// run in one pipeline so concurrent requests cannot over-admit.
func (s *Service) Allow(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("%s:%d", userID, s.now().UTC().Minute())

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		decisions.WithLabelValues("error").Inc()
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unreachable")
	}

	if incr.Val() > s.limit {
		decisions.WithLabelValues("rejected").Inc()
		s.logger.WarnContext(ctx, "request throttled", "user_id", userID, "count", incr.Val())
		return false, nil
	}
	decisions.WithLabelValues("allowed").Inc()
	return true, nil
}

// Package notify delivers conflict alerts to operators.
package notify

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/replication/internal/model"
)

// Alerter logs conflict alerts, throttled by a token bucket so a burst of
// conflicts does not flood the log. Throttled alerts are counted and the
// count is reported with the next alert that gets through.
type Alerter struct {
	limiter    *rate.Limiter
	logger     *zap.Logger
	sent       atomic.Uint64
	suppressed atomic.Uint64
	pending    atomic.Uint64
	onAlert    func()
}

// Option customizes an Alerter.
type Option func(*Alerter)

// WithHook calls fn for every alert, throttled or not.
func WithHook(fn func()) Option {
	return func(a *Alerter) { a.onAlert = fn }
}

// NewAlerter creates an alerter letting through perSecond alerts on average
// with bursts of up to burst. A non-positive rate disables throttling.
func NewAlerter(perSecond float64, burst int, logger *zap.Logger, opts ...Option) *Alerter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	a := &Alerter{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SendAlert reports a conflict on dn.
func (a *Alerter) SendAlert(_ context.Context, dn model.DN, message string) {
	if a.onAlert != nil {
		a.onAlert()
	}
	if !a.limiter.Allow() {
		a.suppressed.Add(1)
		a.pending.Add(1)
		return
	}

	a.sent.Add(1)
	a.logger.Warn("Replication conflict",
		zap.String("dn", dn.String()),
		zap.String("message", message),
		zap.Uint64("suppressed_since_last", a.pending.Swap(0)))
}

// Sent returns how many alerts were logged.
func (a *Alerter) Sent() uint64 {
	return a.sent.Load()
}

// Suppressed returns how many alerts were throttled.
func (a *Alerter) Suppressed() uint64 {
	return a.suppressed.Load()
}

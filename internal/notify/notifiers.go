package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/labflow-qc-server/internal/domain"
)

// LogNotifier writes every verdict that needs review to the log.
type LogNotifier struct {
	log *logrus.Logger
}

var _ domain.VerdictNotifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

// Notify logs non-accept verdicts at Warn.
func (n *LogNotifier) Notify(_ context.Context, tenantID string, processed *domain.ProcessedMeasurement) error {
	if !processed.Verdict.Decision.RequiresReview() {
		return nil
	}
	fields := logrus.Fields(processed.Verdict.LogFields())
	fields["tenant_id"] = tenantID
	n.log.WithFields(fields).Warn("QC verdict notification")
	return nil
}

// Close is a no-op.
func (n *LogNotifier) Close() error {
	return nil
}

// MultiNotifier fans a verdict out to several notifiers. Every notifier is
// attempted; their errors are joined.
type MultiNotifier struct {
	notifiers []domain.VerdictNotifier
}

var _ domain.VerdictNotifier = (*MultiNotifier)(nil)

// NewMultiNotifier combines notifiers, skipping nil entries.
func NewMultiNotifier(notifiers ...domain.VerdictNotifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Notify delivers to every notifier.
func (m *MultiNotifier) Notify(ctx context.Context, tenantID string, processed *domain.ProcessedMeasurement) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, tenantID, processed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every notifier.
func (m *MultiNotifier) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

// BreakerSettings configures BreakerNotifier.
type BreakerSettings struct {
	Name string
	// Trip opens the breaker after this many consecutive failures.
	Trip uint32
	// Open is how long the breaker stays open before a trial request.
	Open time.Duration
}

// BreakerNotifier guards a notifier with a circuit breaker so a dead broker
// costs one fast error per verdict instead of a write timeout.
type BreakerNotifier struct {
	next    domain.VerdictNotifier
	breaker *gobreaker.CircuitBreaker
}

var _ domain.VerdictNotifier = (*BreakerNotifier)(nil)

// NewBreakerNotifier wraps next in a circuit breaker.
func NewBreakerNotifier(next domain.VerdictNotifier, settings BreakerSettings, logger *logrus.Logger) *BreakerNotifier {
	if settings.Name == "" {
		settings.Name = "verdict-notifier"
	}
	if settings.Trip == 0 {
		settings.Trip = 5
	}
	if settings.Open <= 0 {
		settings.Open = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.Open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.Trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &BreakerNotifier{next: next, breaker: breaker}
}

// Notify delivers through the breaker.
func (b *BreakerNotifier) Notify(ctx context.Context, tenantID string, processed *domain.ProcessedMeasurement) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, tenantID, processed)
	})
	if err != nil {
		return fmt.Errorf("circuit breaker %s: %w", b.breaker.Name(), err)
	}
	return nil
}

// State reports the breaker state.
func (b *BreakerNotifier) State() gobreaker.State {
	return b.breaker.State()
}

// Close closes the wrapped notifier.
func (b *BreakerNotifier) Close() error {
	return b.next.Close()
}

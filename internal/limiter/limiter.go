// Package limiter bounds concurrent calls into a shared engine or upstream.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Limiter admits at most MaxConcurrency holders and parks up to QueueSize
// waiters. Anything beyond that is rejected with UpstreamUnavailable.
type Limiter struct {
	name    string
	slots   chan struct{}
	queue   chan struct{}
	timeout time.Duration

	attrs    metric.MeasurementOption
	inflight metric.Int64UpDownCounter
	rejected metric.Int64Counter
}

func New(name string, cfg config.LimitsConfig) *Limiter {
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	l := &Limiter{
		name:    name,
		slots:   make(chan struct{}, concurrency),
		queue:   make(chan struct{}, queueSize),
		timeout: cfg.Timeout(),
		attrs:   metric.WithAttributes(attribute.String("limiter", name)),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-relay/limiter")
	l.inflight, _ = meter.Int64UpDownCounter("relay.limiter.inflight", metric.WithDescription("Calls holding a limiter slot"))
	l.rejected, _ = meter.Int64Counter("relay.limiter.rejected", metric.WithDescription("Calls rejected because the wait queue was full"))
	return l
}

func (l *Limiter) Name() string { return l.name }

// Timeout bounds one call made while holding a slot. Zero means unbounded.
func (l *Limiter) Timeout() time.Duration { return l.timeout }

func (l *Limiter) InFlight() int { return len(l.slots) }

func (l *Limiter) Waiting() int { return len(l.queue) }

// Acquire blocks until a slot is free, the queue is full, or ctx ends. The
// returned release is idempotent.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.slots <- struct{}{}:
		return l.releaser(ctx), nil
	default:
	}

	select {
	case l.queue <- struct{}{}:
	default:
		l.record(ctx, l.rejected)
		return nil, fault.New(fault.UpstreamUnavailable, "%s is at capacity", l.name)
	}
	defer func() { <-l.queue }()

	select {
	case l.slots <- struct{}{}:
		return l.releaser(ctx), nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.UpstreamUnavailable, ctx.Err(), fmt.Sprintf("waiting for %s", l.name))
	}
}

func (l *Limiter) releaser(ctx context.Context) func() {
	if l.inflight != nil {
		l.inflight.Add(ctx, 1, l.attrs)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.slots
			if l.inflight != nil {
				l.inflight.Add(context.Background(), -1, l.attrs)
			}
		})
	}
}

func (l *Limiter) record(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1, l.attrs)
	}
}

// ErrTimeout reports that a call held its slot longer than the limiter allows.
var ErrTimeout = errors.New("limiter: call timed out")

// Do runs fn holding a slot, bounded by the limiter timeout.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	callCtx, cancel := l.WithTimeout(ctx)
	defer cancel()

	err = fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, l.timeout, err)
	}
	return err
}

// WithTimeout derives the per-call context for callers that hold a slot
// across a stream rather than a single call.
func (l *Limiter) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

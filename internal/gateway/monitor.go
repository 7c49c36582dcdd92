package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Prober checks whether an upstream dependency answers.
type Prober interface {
	Health(ctx context.Context) error
}

type dependency struct {
	Healthy   bool
	LastCheck time.Time
	LastError string
}

// Monitor periodically probes the upstream components and keeps the latest
// reachability of each.
type Monitor struct {
	probes   map[string]Prober
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	deps map[string]*dependency

	registration metric.Registration
	closeOnce    sync.Once
}

func NewMonitor(probes map[string]Prober, interval, timeout time.Duration, log *slog.Logger) *Monitor {
	m := &Monitor{
		probes:   probes,
		interval: interval,
		timeout:  timeout,
		log:      log.With(slog.String("component", "upstream-monitor")),
		deps:     make(map[string]*dependency, len(probes)),
	}
	for name := range probes {
		m.deps[name] = &dependency{}
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

// Run probes immediately and then on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks every dependency concurrently.
func (m *Monitor) Probe(ctx context.Context) {
	var g errgroup.Group
	for name, probe := range m.probes {
		g.Go(func() error {
			probeCtx, cancel := withTimeout(ctx, m.timeout)
			defer cancel()
			err := probe.Health(probeCtx)
			m.update(name, err)
			return nil
		})
	}
	_ = g.Wait()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (m *Monitor) update(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep := m.deps[name]
	wasHealthy := dep.Healthy
	dep.Healthy = err == nil
	dep.LastCheck = time.Now()
	dep.LastError = ""
	if err != nil {
		dep.LastError = err.Error()
	}
	switch {
	case wasHealthy && err != nil:
		m.log.Warn("upstream became unreachable", slog.String("dependency", name), slogError(err))
	case !wasHealthy && err == nil:
		m.log.Info("upstream reachable", slog.String("dependency", name))
	}
}

// Snapshot reports each dependency as healthy or unhealthy. Dependencies that
// were never probed count as unhealthy.
func (m *Monitor) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.deps))
	for name, dep := range m.deps {
		if dep.Healthy {
			out[name] = "healthy"
		} else {
			out[name] = "unhealthy"
		}
	}
	return out
}

func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dep := range m.deps {
		if !dep.Healthy {
			return false
		}
	}
	return true
}

// Close detaches the monitor from the meter. Probing stops with the context
// passed to Run.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		if m.registration == nil {
			return
		}
		if err := m.registration.Unregister(); err != nil {
			m.log.Warn("failed to unregister metrics callback", slogError(err))
		}
	})
}

func (m *Monitor) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-relay/gateway")
	gauge, err := meter.Int64ObservableGauge("relay.gateway.upstream_healthy",
		metric.WithDescription("1 when the upstream answered its last health probe"))
	if err != nil {
		return err
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for name, dep := range m.deps {
			var v int64
			if dep.Healthy {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("dependency", name)))
		}
		return nil
	}, gauge)
	return err
}

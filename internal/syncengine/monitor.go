package syncengine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultCheckInterval = 15 * time.Second

// HealthChecker checks whether the backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Monitor checks the backend and feeds the result to the engine, so a regained connection starts a pass.
type Monitor struct {
	engine   *Engine
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewMonitor builds a Monitor that checks every interval.
func NewMonitor(engine *Engine, checker HealthChecker, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Monitor{engine: engine, checker: checker, interval: interval, timeout: timeout, logger: logger}
}

// Check runs one health check and updates the engine.
func (m *Monitor) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.checker.Health(checkCtx)
	if err != nil && ctx.Err() != nil {
		return m.engine.Online()
	}
	if err != nil {
		m.logger.Debug("backend health check failed", zap.Error(err))
	}
	m.engine.SetOnline(err == nil)
	return err == nil
}

// Run checks until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

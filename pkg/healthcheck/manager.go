package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Settings are the probe parameters shared by every destination.
type Settings struct {
	Enabled   bool
	Interval  time.Duration
	Timeout   time.Duration
	FailCount int
	RiseCount int
}

// targetStatus tracks the health and consecutive results of one destination.
type targetStatus struct {
	address          string
	healthy          bool
	consecutiveFails int
	consecutiveOK    int
	cancel           context.CancelFunc
}

// Manager probes the private destinations of the applied endpoints.
// Destinations start healthy; a destination not being probed is reported
// healthy as well.
type Manager struct {
	settings   Settings
	newChecker func(timeout time.Duration) Checker
	statuses   map[string]*targetStatus // key: private ip:port
	mu         sync.RWMutex
	onChange   func(address string, healthy bool)
	logger     *zap.Logger
}

// NewManager creates a Manager. onChange, if set, is invoked whenever a
// destination changes health.
func NewManager(settings Settings, onChange func(address string, healthy bool), logger *zap.Logger) *Manager {
	return &Manager{
		settings:   settings,
		newChecker: func(timeout time.Duration) Checker { return NewTCPChecker(timeout) },
		statuses:   make(map[string]*targetStatus),
		onChange:   onChange,
		logger:     logger,
	}
}

// IsHealthy returns whether the destination address is considered healthy.
func (m *Manager) IsHealthy(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[address]
	if !exists {
		return true
	}
	return status.healthy
}

// Targets returns the addresses being probed.
func (m *Manager) Targets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.statuses))
	for address := range m.statuses {
		out = append(out, address)
	}
	return out
}

// UpdateTargets starts probes for new addresses and stops probes of
// addresses no longer listed. With checks disabled every probe is stopped.
func (m *Manager) UpdateTargets(ctx context.Context, addresses []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[string]bool, len(addresses))
	if m.settings.Enabled {
		for _, address := range addresses {
			desired[address] = true
		}
	}

	for address := range desired {
		if _, exists := m.statuses[address]; !exists {
			m.startCheckLocked(ctx, address)
		}
	}

	for address, status := range m.statuses {
		if !desired[address] {
			if status.cancel != nil {
				status.cancel()
			}
			delete(m.statuses, address)
			m.logger.Info("stopped health check for removed destination", zap.String("address", address))
		}
	}
}

// Reconfigure applies new settings. Running probes are restarted so the new
// interval and thresholds take effect; addresses stays the target set.
func (m *Manager) Reconfigure(ctx context.Context, settings Settings, addresses []string) {
	m.mu.Lock()
	m.stopAllLocked()
	m.settings = settings
	m.mu.Unlock()

	m.UpdateTargets(ctx, addresses)
}

// startCheckLocked starts the probe goroutine of one destination.
// Must be called with m.mu held.
func (m *Manager) startCheckLocked(ctx context.Context, address string) {
	checkCtx, cancel := context.WithCancel(ctx)
	m.statuses[address] = &targetStatus{
		address: address,
		healthy: true,
		cancel:  cancel,
	}

	m.logger.Info("started health check for destination", zap.String("address", address))

	go m.runCheck(checkCtx, address, m.newChecker(m.settings.Timeout), m.settings)
}

// runCheck probes address every interval until ctx is cancelled.
func (m *Manager) runCheck(ctx context.Context, address string, checker Checker, settings Settings) {
	ticker := time.NewTicker(settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := checker.Check(address)
			m.handleCheckResult(address, err, settings)
		}
	}
}

// handleCheckResult records one probe result and flips the health state once
// the fail or rise threshold is reached.
func (m *Manager) handleCheckResult(address string, checkErr error, settings Settings) {
	m.mu.Lock()

	status, exists := m.statuses[address]
	if !exists {
		m.mu.Unlock()
		return
	}

	previouslyHealthy := status.healthy

	if checkErr != nil {
		status.consecutiveFails++
		status.consecutiveOK = 0

		if status.healthy && status.consecutiveFails >= settings.FailCount {
			status.healthy = false
			m.logger.Warn("destination marked unhealthy",
				zap.String("address", address),
				zap.Int("consecutive_fails", status.consecutiveFails),
				zap.Error(checkErr),
			)
		}
	} else {
		status.consecutiveOK++
		status.consecutiveFails = 0

		if !status.healthy && status.consecutiveOK >= settings.RiseCount {
			status.healthy = true
			m.logger.Info("destination marked healthy",
				zap.String("address", address),
				zap.Int("consecutive_ok", status.consecutiveOK),
			)
		}
	}

	healthy := status.healthy
	m.mu.Unlock()

	if previouslyHealthy != healthy && m.onChange != nil {
		m.onChange(address, healthy)
	}
}

// Stop cancels every probe and clears state.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopAllLocked()
	m.logger.Info("all health checks stopped")
}

func (m *Manager) stopAllLocked() {
	for address, status := range m.statuses {
		if status.cancel != nil {
			status.cancel()
		}
		m.logger.Debug("stopped health check", zap.String("address", address))
	}
	m.statuses = make(map[string]*targetStatus)
}

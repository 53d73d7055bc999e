package faulttolerance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const checkTimeout = 10 * time.Second

// HealthCheck is the last result of one named check.
type HealthCheck struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	LastCheck time.Time     `json:"last_check"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	checkFunc func(ctx context.Context) error
}

// HealthMonitor runs registered checks periodically and reports status
// transitions.
type HealthMonitor struct {
	checks   map[string]*HealthCheck
	mutex    sync.RWMutex
	logger   logrus.FieldLogger
	interval time.Duration
	onChange func(name string, status HealthStatus)
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logrus.FieldLogger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		checks:   make(map[string]*HealthCheck),
		logger:   logger.WithField("component", "health"),
		interval: interval,
	}
}

// AddCheck registers a check. Checks start out healthy.
func (hm *HealthMonitor) AddCheck(name string, checkFunc func(ctx context.Context) error) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.checks[name] = &HealthCheck{
		Name:      name,
		Status:    HealthStatusHealthy,
		checkFunc: checkFunc,
	}
}

// OnStatusChange registers fn to be called whenever a check changes status.
func (hm *HealthMonitor) OnStatusChange(fn func(name string, status HealthStatus)) {
	hm.mutex.Lock()
	hm.onChange = fn
	hm.mutex.Unlock()
}

// Name identifies the monitor as a scheduler task.
func (hm *HealthMonitor) Name() string { return "health-monitor" }

// Run checks immediately and then every interval until ctx is done.
func (hm *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.RunChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hm.RunChecks(ctx)
		}
	}
}

// RunChecks runs every check once, concurrently.
func (hm *HealthMonitor) RunChecks(ctx context.Context) {
	hm.mutex.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check *HealthCheck) {
			defer wg.Done()
			hm.runCheck(ctx, check)
		}(check)
	}
	wg.Wait()
}

func (hm *HealthMonitor) runCheck(ctx context.Context, check *HealthCheck) {
	if check.checkFunc == nil {
		return
	}

	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	err := check.checkFunc(checkCtx)
	duration := time.Since(start)

	if ctx.Err() != nil {
		return
	}

	hm.mutex.Lock()
	old := check.Status
	check.LastCheck = start
	check.Duration = duration
	if err != nil {
		check.Status = HealthStatusUnhealthy
		check.Error = err.Error()
	} else {
		check.Status = HealthStatusHealthy
		check.Error = ""
	}
	status := check.Status
	fn := hm.onChange
	hm.mutex.Unlock()

	if old == status {
		return
	}
	entry := hm.logger.WithField("check", check.Name)
	if err != nil {
		entry.WithError(err).Warn("Health check failed")
	} else {
		entry.Info("Health check recovered")
	}
	if fn != nil {
		fn(check.Name, status)
	}
}

// GetHealth returns a copy of every check result.
func (hm *HealthMonitor) GetHealth() map[string]HealthCheck {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	result := make(map[string]HealthCheck, len(hm.checks))
	for name, check := range hm.checks {
		c := *check
		c.checkFunc = nil
		result[name] = c
	}
	return result
}

// GetOverallHealth is unhealthy when any check is.
func (hm *HealthMonitor) GetOverallHealth() HealthStatus {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	for _, check := range hm.checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
	}
	return HealthStatusHealthy
}

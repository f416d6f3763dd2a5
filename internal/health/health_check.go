// Package health runs periodic checks of a replica and derives its
// readiness from them.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of one check or of the whole replica
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    Status
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	DataDir  string
	Interval time.Duration
	// ReplayQueueUtilization returns how full the replay queue is, in percent.
	ReplayQueueUtilization func() float64
	// Recovering reports whether the replica is resending missed changes.
	Recovering func() bool
}

// HealthChecker performs health checks for a replica
type HealthChecker struct {
	config    HealthCheckConfig
	logger    *zap.Logger
	mu        sync.RWMutex
	lastCheck time.Time
	status    Status
	checks    map[string]CheckResult
	ready     bool
	reason    string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &HealthChecker{
		config: cfg,
		logger: logger,
		checks: make(map[string]CheckResult),
		status: StatusHealthy,
		ready:  true,
	}
}

// Start runs the checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the status
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkDiskSpace,
		h.checkDataDirWritable,
		h.checkReplayQueue,
		h.checkRecovery,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.status = StatusHealthy
	h.ready = true
	h.reason = ""
	for _, result := range results {
		h.checks[result.Name] = result
		switch result.Status {
		case StatusCritical:
			if h.ready {
				h.reason = fmt.Sprintf("%s: %s", result.Name, result.Message)
			}
			h.status = StatusCritical
			h.ready = false
		case StatusWarning:
			if h.status == StatusHealthy {
				h.status = StatusWarning
			}
		}
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("ready", h.ready))
}

func result(name string, status Status, format string, args ...interface{}) CheckResult {
	return CheckResult{Name: name, Status: status, Message: fmt.Sprintf(format, args...), Timestamp: time.Now()}
}

// checkDiskSpace checks if disk space is sufficient for the change log
func (h *HealthChecker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.config.DataDir, &stat); err != nil {
		return result("disk_space", StatusCritical, "failed to stat filesystem: %v", err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return result("disk_space", StatusHealthy, "size unknown")
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return result("disk_space", StatusCritical, "disk usage critical: %.2f%%", usagePercent)
	case usagePercent > 90:
		return result("disk_space", StatusWarning, "disk usage high: %.2f%%", usagePercent)
	}
	return result("disk_space", StatusHealthy, "disk usage: %.2f%%", usagePercent)
}

// checkDataDirWritable checks the store directory accepts writes
func (h *HealthChecker) checkDataDirWritable() CheckResult {
	info, err := os.Stat(h.config.DataDir)
	if err != nil {
		return result("data_dir", StatusCritical, "data directory not accessible: %v", err)
	}
	if !info.IsDir() {
		return result("data_dir", StatusCritical, "data path is not a directory")
	}

	testFile := filepath.Join(h.config.DataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir", StatusCritical, "cannot write to data directory: %v", err)
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir", StatusHealthy, "writable")
}

// checkReplayQueue warns when updates from peers pile up
func (h *HealthChecker) checkReplayQueue() CheckResult {
	if h.config.ReplayQueueUtilization == nil {
		return result("replay_queue", StatusHealthy, "not monitored")
	}
	utilization := h.config.ReplayQueueUtilization()
	if utilization >= 90 {
		return result("replay_queue", StatusWarning, "replay queue %.0f%% full", utilization)
	}
	return result("replay_queue", StatusHealthy, "replay queue %.0f%% full", utilization)
}

// checkRecovery keeps the replica out of rotation while peers catch up
func (h *HealthChecker) checkRecovery() CheckResult {
	if h.config.Recovering != nil && h.config.Recovering() {
		return result("recovery", StatusCritical, "recovering")
	}
	return result("recovery", StatusHealthy, "publishing")
}

// Readiness reports whether the replica is ready and, if not, why.
func (h *HealthChecker) Readiness() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready, h.reason
}

// Status returns the overall status of the last run
func (h *HealthChecker) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns all check results, sorted by name
func (h *HealthChecker) GetChecks() []CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

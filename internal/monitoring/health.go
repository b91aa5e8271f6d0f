package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/23skdu/longbow-precision/internal/logger"
	"github.com/23skdu/longbow-precision/internal/optimizer"
	"github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxFoldHistory = 1000
	maxAlerts      = 100
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Uptime    time.Duration    `json:"uptime"`
	System    SystemInfo       `json:"system"`
	Optimizer optimizer.Status `json:"optimizer"`
	Folds     FoldInfo         `json:"folds"`
	Alerts    []Alert          `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
	Goroutines   int    `json:"goroutines"`
}

// FoldInfo summarizes recent optimizer folds.
type FoldInfo struct {
	Count           int       `json:"count"`
	TracesPerFold   float64   `json:"traces_per_fold"`
	MeanReward      float64   `json:"mean_reward"`
	P95DurationMs   float64   `json:"p95_duration_ms"`
	LastFold        time.Time `json:"last_fold"`
	ExportFailures  int       `json:"export_failures"`
	ExportSucceeded int       `json:"export_succeeded"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"` // info, warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Thresholds control when fold observations raise alerts.
type Thresholds struct {
	MinMeanReward float64
	MaxFoldTime   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinMeanReward: -1, MaxFoldTime: 5 * time.Second}
}

// HealthMonitor serves health, metrics and optimizer status over HTTP.
type HealthMonitor struct {
	startTime  time.Time
	version    string
	status     func() optimizer.Status
	thresholds Thresholds
	log        *logger.Logger

	server   *http.Server
	listener net.Listener

	mu          sync.RWMutex
	alerts      []Alert
	history     []optimizer.FoldReport
	exportOK    int
	exportFails int
}

// NewHealthMonitor creates a monitor. status may be nil when no optimizer
// is running.
func NewHealthMonitor(version string, status func() optimizer.Status) *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		version:    version,
		status:     status,
		thresholds: DefaultThresholds(),
		log:        logger.Log.With("component", "monitoring"),
		alerts:     make([]Alert, 0),
	}
}

func (hm *HealthMonitor) SetThresholds(t Thresholds) {
	hm.mu.Lock()
	hm.thresholds = t
	hm.mu.Unlock()
}

// Handler returns the monitor's routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. The bound address
// is returned so callers can pass ":0".
func (hm *HealthMonitor) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hm.listener = ln
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	hm.log.Info("Health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hm.log.Error("Health monitor stopped", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordFold adds a fold report to the history and checks it against the
// alert thresholds.
func (hm *HealthMonitor) RecordFold(r optimizer.FoldReport) {
	hm.mu.Lock()
	hm.history = append(hm.history, r)
	if len(hm.history) > maxFoldHistory {
		hm.history = hm.history[1:]
	}
	th := hm.thresholds
	hm.mu.Unlock()

	if r.Traces > 0 && r.MeanReward < th.MinMeanReward {
		hm.AddAlert("warning", "policy", fmt.Sprintf("Low mean reward: %.3f over %d traces", r.MeanReward, r.Traces))
	}
	if th.MaxFoldTime > 0 && r.Duration > th.MaxFoldTime {
		hm.AddAlert("error", "optimizer", fmt.Sprintf("Slow fold: %s", r.Duration))
	}
}

// RecordExport tracks trace export outcomes. A failure raises an error
// alert; the next success resolves open export alerts.
func (hm *HealthMonitor) RecordExport(err error) {
	if err != nil {
		hm.mu.Lock()
		hm.exportFails++
		hm.mu.Unlock()
		hm.AddAlert("error", "export", fmt.Sprintf("Trace export failed: %v", err))
		return
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.exportOK++
	now := time.Now()
	for i := range hm.alerts {
		if hm.alerts[i].Component == "export" && !hm.alerts[i].Resolved {
			hm.alerts[i].Resolved = true
			hm.alerts[i].ResolvedAt = &now
		}
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.HealthStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.HealthStatus())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// HealthStatus computes the current status. Any unresolved critical alert
// makes it critical, an unresolved error makes it degraded.
func (hm *HealthMonitor) HealthStatus() HealthStatus {
	var opt optimizer.Status
	if hm.status != nil {
		opt = hm.status()
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Optimizer: opt,
		Folds:     hm.foldInfo(),
		Alerts:    alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		Goroutines:   runtime.NumGoroutine(),
	}
}

// foldInfo must be called with hm.mu held.
func (hm *HealthMonitor) foldInfo() FoldInfo {
	info := FoldInfo{
		Count:           len(hm.history),
		ExportFailures:  hm.exportFails,
		ExportSucceeded: hm.exportOK,
	}
	if len(hm.history) == 0 {
		return info
	}

	traces := make([]float64, 0, len(hm.history))
	durations := make([]float64, 0, len(hm.history))
	var rewardSum float64
	var rewarded int
	for _, r := range hm.history {
		traces = append(traces, float64(r.Traces))
		durations = append(durations, float64(r.Duration.Nanoseconds())/1e6)
		if r.Traces > 0 {
			rewardSum += r.MeanReward * float64(r.Traces)
			rewarded += r.Traces
		}
	}
	info.TracesPerFold, _ = stats.Mean(traces)
	info.P95DurationMs, _ = stats.Percentile(durations, 95)
	if rewarded > 0 {
		info.MeanReward = rewardSum / float64(rewarded)
	}
	info.LastFold = hm.history[len(hm.history)-1].At
	return info
}

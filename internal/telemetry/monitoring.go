package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/droidfleet/pkg/api"
)

// HealthStatus represents the health status of the fleet
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// DeviceState is the latest known state of one device.
type DeviceState struct {
	Device    string           `json:"device"`
	Alias     string           `json:"alias,omitempty"`
	Connected bool             `json:"connected"`
	Status    api.DeviceStatus `json:"status"`
	Round     int              `json:"round"`
	Rounds    int              `json:"rounds"`
	Searches  int              `json:"searches"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// StatusBoard tracks each device's latest state from the event stream.
type StatusBoard struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState
}

// NewStatusBoard creates a board with every device pending.
func NewStatusBoard(devices map[string]string) *StatusBoard {
	b := &StatusBoard{devices: make(map[string]*DeviceState, len(devices))}
	for handle, alias := range devices {
		b.devices[handle] = &DeviceState{Device: handle, Alias: alias, Status: api.StatusPending}
	}
	return b
}

func (b *StatusBoard) Observe(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.devices[e.Device]
	if !ok {
		st = &DeviceState{Device: e.Device, Alias: e.Alias, Status: api.StatusPending}
		b.devices[e.Device] = st
	}
	st.UpdatedAt = e.Time
	switch e.Kind {
	case EventWorkerStarted:
		st.Status = api.StatusRunning
	case EventProbe:
		st.Connected = e.OK
	case EventUnreachable:
		st.Connected = false
	case EventRoundStarted:
		st.Round = e.Round
	case EventRoundFinished:
		if e.OK {
			st.Rounds++
		}
	case EventTaskSelected:
		st.Searches++
	case EventWorkerFinished:
		st.Status = api.DeviceStatus(e.Status)
		if st.Status != api.StatusCompleted && st.Status != api.StatusCancelled {
			st.Connected = false
		}
	}
}

// Snapshot returns the board sorted by device handle.
func (b *StatusBoard) Snapshot() []DeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DeviceState, 0, len(b.devices))
	for _, st := range b.devices {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// Health summarises the board: unhealthy when every device has been lost,
// degraded when some have. A running device that reported itself unreachable
// counts as lost before its worker finishes.
func (b *StatusBoard) Health() HealthStatus {
	snap := b.Snapshot()
	lost := 0
	for _, st := range snap {
		switch {
		case st.Status.Final():
			if st.Status == api.StatusDisconnected || st.Status == api.StatusUnreachable {
				lost++
			}
		case st.Status == api.StatusRunning && !st.Connected:
			lost++
		}
	}
	switch {
	case len(snap) > 0 && lost == len(snap):
		return HealthStatusUnhealthy
	case lost > 0:
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// MonitoringServer provides HTTP endpoints for fleet status and metrics
type MonitoringServer struct {
	board   *StatusBoard
	metrics *Metrics
	logger  zerolog.Logger
	server  *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, board *StatusBoard, metrics *Metrics, logger zerolog.Logger) *MonitoringServer {
	ms := &MonitoringServer{
		board:   board,
		metrics: metrics,
		logger:  logger,
	}

	mux := http.NewServeMux()
	ms.setupRoutes(mux)

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return ms
}

func (ms *MonitoringServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", ms.healthHandler)
	if ms.metrics != nil {
		mux.Handle("/metrics", ms.metrics.Handler())
	}
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := ms.board.Health()
	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"devices":   ms.board.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if status == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// Start serves until Shutdown is called
func (ms *MonitoringServer) Start() error {
	ms.logger.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

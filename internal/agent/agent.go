// Package agent runs adb commands on behalf of a remote droidfleet over HTTP.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/droidfleet/internal/device"
)

// Server is the droidfleet-agent HTTP service.
type Server struct {
	Version string
	// Token, when set, must be presented as a bearer token or X-Auth-Token.
	Token  string
	ADB    device.Channel
	Logger zerolog.Logger

	srv      *http.Server
	registry *prometheus.Registry
	execs    *prometheus.CounterVec
	latency  prometheus.Histogram
	beats    prometheus.Counter
}

// NewServer creates an agent running adb through ch.
func NewServer(version, token string, ch device.Channel, logger zerolog.Logger) *Server {
	s := &Server{
		Version:  version,
		Token:    token,
		ADB:      ch,
		Logger:   logger,
		registry: prometheus.NewRegistry(),
		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "droidfleet_agent_exec_total",
			Help: "adb commands executed by the agent.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "droidfleet_agent_exec_seconds",
			Help:    "Time spent running adb commands.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		beats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "droidfleet_agent_heartbeats_total",
			Help: "Heartbeat requests served.",
		}),
	}
	s.registry.MustRegister(s.execs, s.latency, s.beats)
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the agent's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/heartbeat", s.heartbeat)
	mux.HandleFunc("/v0/exec", s.exec)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.Token || r.Header.Get("X-Auth-Token") == s.Token
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	_ = r.Body.Close()
	s.beats.Inc()
	writeJSON(w, HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version})
}

func (s *Server) exec(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		s.Logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected unauthorized exec")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	start := time.Now()
	res := s.ADB.Execute(ctx, req.Handle, req.Command)
	elapsed := time.Since(start)

	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	s.execs.WithLabelValues(outcome).Inc()
	s.latency.Observe(elapsed.Seconds())
	s.Logger.Debug().
		Str("handle", req.Handle).
		Str("command", req.Command).
		Bool("ok", res.OK).
		Dur("duration", elapsed).
		Msg("exec")

	writeJSON(w, ExecResponse{OK: res.OK, Output: res.Diagnostic, Duration: elapsed.Milliseconds()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns http.ErrServerClosed after
// Shutdown, including when Shutdown came first.
func (s *Server) Serve(ln net.Listener) error {
	s.Logger.Info().Str("addr", ln.Addr().String()).Msg("agent listening")
	return s.srv.Serve(ln)
}

// Shutdown stops the server gracefully. It is safe to call before or while
// the server is starting.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

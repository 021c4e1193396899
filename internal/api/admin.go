package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"jokeguard/internal/alerts"
	"jokeguard/internal/config"
	"jokeguard/internal/pipeline"
)

// StateControl is the slice of the abuse state the admin API may touch.
type StateControl interface {
	Reset()
	Stats() pipeline.Stats
}

type Admin struct {
	cfg     *config.Manager
	alerts  *alerts.Store
	state   StateControl
	metrics http.Handler
	secret  interface{ Digest() []byte }
	logger  *slog.Logger
	version string
}

func NewAdmin(cfg *config.Manager, alertsStore *alerts.Store, state StateControl, metrics http.Handler, secret interface{ Digest() []byte }, logger *slog.Logger, version string) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		cfg:     cfg,
		alerts:  alertsStore,
		state:   state,
		metrics: metrics,
		secret:  secret,
		logger:  logger,
		version: version,
	}
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	RateLimit  rateLimitStatus `json:"rate_limit"`
	Detection  detectionStatus `json:"detection"`
	Events     eventsStatus    `json:"events"`
	Storage    string          `json:"storage_driver"`
	AdminAuth  bool            `json:"admin_secret_configured"`
	State      pipeline.Stats  `json:"state"`
	Alerts     int             `json:"alerts"`
}

type rateLimitStatus struct {
	Algorithm string         `json:"algorithm"`
	Window    string         `json:"window"`
	Tiers     map[string]int `json:"tiers"`
}

type detectionStatus struct {
	Window          string `json:"window"`
	PerIPThreshold  int    `json:"per_ip_threshold"`
	GlobalThreshold int    `json:"global_threshold"`
	ResetPolicy     string `json:"reset_policy"`
}

type eventsStatus struct {
	Output string `json:"output"`
	Kafka  bool   `json:"kafka"`
}

func (s *Admin) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/alerts", s.handleAlerts)
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/reset", s.handleReset)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Admin) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	tiers := make(map[string]int, len(cfg.RateLimit.Tiers))
	for k, v := range cfg.RateLimit.Tiers {
		tiers[k] = v
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		RateLimit: rateLimitStatus{
			Algorithm: cfg.RateLimit.Algorithm,
			Window:    cfg.RateLimit.Window.String(),
			Tiers:     tiers,
		},
		Detection: detectionStatus{
			Window:          cfg.Detection.Window.String(),
			PerIPThreshold:  cfg.Detection.PerIPThreshold,
			GlobalThreshold: cfg.Detection.GlobalThreshold,
			ResetPolicy:     cfg.Detection.ResetPolicy,
		},
		Events:    eventsStatus{Output: cfg.Events.Output, Kafka: cfg.Events.Kafka.Enabled},
		Storage:   cfg.Storage.Driver,
		AdminAuth: s.secret != nil && len(s.secret.Digest()) > 0,
		State:     s.state.Stats(),
		Alerts:    s.alerts.Len(),
	}
	pipeline.WriteJSON(w, http.StatusOK, resp)
}

func (s *Admin) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	list := s.alerts.List(limit)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			pipeline.WriteDetail(w, http.StatusBadRequest, "since must be an RFC3339 timestamp.")
			return
		}
		list = s.alerts.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	}
	pipeline.WriteJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Admin) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.state.Reset()
		s.alerts.Clear()
	case "alerts":
		s.alerts.Clear()
	case "state":
		s.state.Reset()
	default:
		pipeline.WriteDetail(w, http.StatusBadRequest, "target must be all, alerts or state.")
		return
	}
	s.logger.Info("admin clear", "target", target)
	pipeline.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Admin) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.state.Reset()
	s.alerts.Clear()
	s.logger.Info("abuse state reset")
	pipeline.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Package metrics exposes dispatch counters over an optional Prometheus
// HTTP endpoint. The server is disabled unless configured; the counters
// themselves are always live and cheap to increment.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heraldbot/pkg/logx"
)

var (
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "herald_sends_total", Help: "Delivery attempts by outcome"},
		[]string{"outcome"},
	)
	CampaignsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "herald_campaigns_total", Help: "Campaigns run to completion, by kind"},
		[]string{"kind"},
	)
	PrunedRecipientsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "herald_pruned_recipients_total", Help: "Recipients removed after permanent delivery failures"},
	)
	AccessChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "herald_access_checks_total", Help: "Broadcast target accessibility checks, by result"},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(SendsTotal, CampaignsTotal, PrunedRecipientsTotal, AccessChecksTotal)
}

// ObserveReport folds a finished campaign into the counters.
func ObserveReport(kind string, successful, failed, pruned int) {
	SendsTotal.WithLabelValues("success").Add(float64(successful))
	SendsTotal.WithLabelValues("failure").Add(float64(failed))
	CampaignsTotal.WithLabelValues(kind).Inc()
	if pruned > 0 {
		PrunedRecipientsTotal.Add(float64(pruned))
	}
}

// ObserveAccessCheck counts one target accessibility check.
func ObserveAccessCheck(accessible bool) {
	result := "inaccessible"
	if accessible {
		result = "accessible"
	}
	AccessChecksTotal.WithLabelValues(result).Inc()
}

// Config controls the optional /metrics HTTP server. Prefer binding to
// localhost; the endpoint carries no auth.
type Config struct {
	Enabled bool
	Addr    string
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9109"
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.ln, s.srv = ln, srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", logx.Err(err))
		}
	}()
	s.log.Info("metrics server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	shCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		s.log.Warn("metrics server shutdown", logx.Err(err))
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"smsbridge/internal/constants"
	"smsbridge/internal/models"
	"smsbridge/internal/service"
	smstypes "smsbridge/pkg/smsgw/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router       *mux.Router
	logger       *logrus.Logger
	cfg          *models.Config
	orchestrator *service.Orchestrator
	ledger       service.LedgerService
	server       *http.Server
}

func NewServer(cfg *models.Config, orchestrator *service.Orchestrator, ledger service.LedgerService, logger *logrus.Logger) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		logger:       logger,
		cfg:          cfg,
		orchestrator: orchestrator,
		ledger:       ledger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/stats", s.handleStats()).Methods(http.MethodGet)

	sms := s.router.PathPrefix("/webhook/sms").Subrouter()
	sms.HandleFunc("", s.handleSMSWebhook()).Methods(http.MethodPost)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.WithError(err).Warn("Failed to write health response")
		}
	}
}

// handleSMSWebhook receives pushed gateway events. The gateway retries
// non-2xx responses, so transient handling errors still return 200: the
// ledger owns retries once the event is recorded.
func (s *Server) handleSMSWebhook() http.HandlerFunc {
	maxSkew := time.Duration(s.cfg.Server.WebhookMaxSkewSec) * time.Second
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := verifySignature(r, s.cfg.SMSGateway.WebhookSecret, maxSkew)
		if err != nil {
			s.logger.WithError(err).Warn("Rejected SMS webhook")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var event smstypes.Event
		if err := json.Unmarshal(body, &event); err != nil {
			s.logger.WithError(err).Warn("Malformed SMS webhook payload")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		s.orchestrator.HandleGatewayEvent(r.Context(), event)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.ledger.Stats(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("Failed to load ledger stats")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			s.logger.WithError(err).Warn("Failed to write stats response")
		}
	}
}

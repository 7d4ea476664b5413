package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/logging"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/metrics"
	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/webhook"
)

// WebhookPath is where Bitbucket delivers pull request events.
const WebhookPath = "/webhook/bitbucket/pr"

// MaxBodyBytes caps webhook bodies.
const MaxBodyBytes = 1 << 20

// Webhook outcomes recorded on pr_review_webhooks_total.
const (
	OutcomeAccepted     = "accepted"
	OutcomeIgnored      = "ignored"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeInvalid      = "invalid"
	OutcomeTooLarge     = "too_large"
	OutcomeError        = "error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string               `json:"error"`
	Details []webhook.FieldError `json:"details,omitempty"`
}

// EnqueueResponse is returned once a review is queued.
type EnqueueResponse struct {
	Message       string `json:"message"`
	PRTitle       string `json:"prTitle"`
	QueuePosition int    `json:"queuePosition"`
	JobID         string `json:"jobId"`
}

// IgnoredResponse is returned for events the filter drops.
type IgnoredResponse struct {
	Message string `json:"message"`
	Event   string `json:"event"`
}

// Server is the HTTP ingress.
type Server struct {
	cfg        *config.Config
	queue      *Queue
	metrics    *metrics.Recorder
	metricsH   http.Handler
	errorLog   *ErrorLog
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates the ingress. metricsHandler serves GET /metrics; nil
// disables the route.
func NewServer(cfg *config.Config, queue *Queue, rec *metrics.Recorder, metricsHandler http.Handler, errorLog *ErrorLog, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		queue:    queue,
		metrics:  rec,
		metricsH: metricsHandler,
		errorLog: errorLog,
		logger:   logging.OrDefault(logger, logging.SubsystemServer),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebhookPath, s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	if metricsHandler != nil {
		mux.HandleFunc("/metrics", s.handleMetrics)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// WarnInsecure logs the startup warnings for disabled checks.
func (s *Server) WarnInsecure() {
	if s.cfg.WebhookSecret == "" {
		s.logger.Warn("webhook_secret is empty: signatures are NOT verified, any caller can enqueue reviews")
	}
	if len(s.cfg.AllowedWorkspaces) == 0 {
		s.logger.Warn("allowed_workspaces is empty: webhooks from every workspace are accepted")
	}
}

// Start listens on the configured address and serves until Stop. It returns
// nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.WarnInsecure()

	ln, err := net.Listen("tcp", s.cfg.ServerAddr)
	if err != nil {
		return err
	}
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("listening", "addr", ln.Addr().String(), "webhook", WebhookPath)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down, waiting for in-flight requests until ctx
// is done.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError writes an internal error response and logs it
func (s *Server) writeInternalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	s.errorLog.Log(ErrorEntry{Level: "error", Component: "server", Message: msg + ": " + err.Error()})
	s.recordWebhook(OutcomeError)
	writeError(w, http.StatusInternalServerError, msg)
}

func (s *Server) recordWebhook(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWebhook(outcome)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.recordWebhook(OutcomeTooLarge)
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeInternalError(w, "failed to read request body", err)
		return
	}

	event := r.Header.Get(webhook.EventHeader)
	logger := s.logger.With("event", event, "remote", r.RemoteAddr)

	if s.cfg.WebhookSecret == "" {
		logger.Debug("signature check skipped: no webhook secret configured")
	} else if err := webhook.VerifySignature(s.cfg.WebhookSecret, body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		logger.Warn("rejected webhook", "error", err)
		s.recordWebhook(OutcomeUnauthorized)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	if len(s.cfg.AllowedWorkspaces) > 0 {
		slug, err := webhook.WorkspaceSlug(body)
		if err != nil {
			s.writeSchemaError(w, logger, err)
			return
		}
		if !s.cfg.WorkspaceAllowed(slug) {
			logger.Warn("rejected webhook", "workspace", slug, "error", webhook.ErrForbiddenWorkspace)
			s.recordWebhook(OutcomeForbidden)
			writeError(w, http.StatusForbidden, webhook.ErrForbiddenWorkspace.Error())
			return
		}
	}

	if !webhook.EventAccepted(s.cfg.EventFilter, event) {
		logger.Info("ignoring event", "filter", s.cfg.EventFilter)
		s.recordWebhook(OutcomeIgnored)
		writeJSON(w, http.StatusOK, IgnoredResponse{Message: "event ignored", Event: event})
		return
	}

	req, err := webhook.ParsePayload(body)
	if err != nil {
		s.writeSchemaError(w, logger, err)
		return
	}
	req.EventKey = event

	job, position, err := s.queue.Enqueue(req)
	if err != nil {
		s.writeInternalError(w, "failed to enqueue review", err)
		return
	}

	s.recordWebhook(OutcomeAccepted)
	writeJSON(w, http.StatusOK, EnqueueResponse{
		Message:       "Review queued",
		PRTitle:       req.Title,
		QueuePosition: position,
		JobID:         job.ID,
	})
}

func (s *Server) writeSchemaError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var schemaErr *webhook.SchemaError
	if !errors.As(err, &schemaErr) {
		s.writeInternalError(w, "failed to parse payload", err)
		return
	}
	logger.Warn("invalid payload", "error", err)
	s.recordWebhook(OutcomeInvalid)
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Details: schemaErr.Fields})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.metricsH.ServeHTTP(w, r)
}

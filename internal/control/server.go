// Package control serves the HTTP panel used to provision a session and to
// start, stop and inspect the bot.
package control

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudbera60-web/Gifted-bot/internal/bot"
	"github.com/cloudbera60-web/Gifted-bot/internal/convstore"
	"github.com/cloudbera60-web/Gifted-bot/internal/session"
)

//go:embed deploy.html
var deployPage []byte

const (
	deployStartDelay = time.Second
	shutdownTimeout  = 10 * time.Second
)

// Controller is the part of bot.Manager the panel drives.
type Controller interface {
	Deploy(sessionID string) (string, error)
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	Running() bool
	Status() bot.DeploymentStatus
	Health() bot.Health
	Authenticated() bool
	QRCode() string
	Stats() convstore.Stats
}

var _ Controller = (*bot.Manager)(nil)

// Options configures a Server.
type Options struct {
	Port      int
	APISecret string
	ServiceID string
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// Server is the control panel.
type Server struct {
	ctrl  Controller
	opts  Options
	log   zerolog.Logger
	now   func() time.Time
	delay time.Duration
	// ctx outlives requests; background starts use it.
	ctx context.Context
}

func NewServer(ctrl Controller, opts Options) *Server {
	if opts.ServiceID == "" {
		opts.ServiceID = "not-set"
	}
	return &Server{
		ctrl:  ctrl,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "control").Logger(),
		now:   time.Now,
		delay: deployStartDelay,
		ctx:   context.Background(),
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/qr-code", s.handleQRCode)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/deploy", s.handleDeploy)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/restart", s.handleRestart)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return s.authMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info().Str("addr", srv.Addr).Msg("Control panel listening")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve control panel: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control panel: %w", err)
	}
	s.log.Info().Msg("Control panel stopped")
	return nil
}

// authMiddleware requires "Authorization: Bearer <secret>" when a secret is
// configured. The deploy page, health and metrics stay open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APISecret == "" || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authorization header required"})
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid authorization format, expected Bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APISecret)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid API secret"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func publicPath(p string) bool {
	return p == "/" || p == "/api/health" || p == "/metrics"
}

type result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	NextSteps string `json:"nextSteps,omitempty"`
	Hash      string `json:"sessionHash,omitempty"`
}

type statusResponse struct {
	bot.DeploymentStatus
	RenderServiceID string    `json:"renderServiceId"`
	Port            int       `json:"port"`
	Timestamp       time.Time `json:"timestamp"`
}

type qrResponse struct {
	QRCode  *string `json:"qr_code"`
	Message string  `json:"message"`
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(deployPage)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		DeploymentStatus: s.ctrl.Status(),
		RenderServiceID:  s.opts.ServiceID,
		Port:             s.opts.Port,
		Timestamp:        s.now().UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Health())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleQRCode(w http.ResponseWriter, _ *http.Request) {
	if s.ctrl.Authenticated() {
		writeJSON(w, http.StatusOK, qrResponse{Message: "Already authenticated"})
		return
	}
	if qr := s.ctrl.QRCode(); qr != "" {
		writeJSON(w, http.StatusOK, qrResponse{QRCode: &qr, Message: "Scan QR code with WhatsApp"})
		return
	}
	writeJSON(w, http.StatusOK, qrResponse{Message: "QR code not available yet, container starting..."})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	sessionID, err := readSessionID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, result{Message: "Invalid request body"})
		return
	}
	sessionID = strings.TrimSpace(sessionID)

	switch {
	case sessionID == "":
		writeJSON(w, http.StatusBadRequest, result{Message: "Session ID is required"})
		return
	case !strings.HasPrefix(sessionID, session.Prefix):
		writeJSON(w, http.StatusBadRequest, result{Message: "Invalid session format. Must start with 'Gifted~'"})
		return
	case s.ctrl.Running():
		writeJSON(w, http.StatusBadRequest, result{Message: "Bot is already running. Please wait or restart the service."})
		return
	}

	hash, err := s.ctrl.Deploy(sessionID)
	switch {
	case errors.Is(err, bot.ErrAlreadyRunning):
		writeJSON(w, http.StatusBadRequest, result{Message: "Bot is already running. Please wait or restart the service."})
		return
	case err != nil:
		s.log.Error().Err(err).Msg("Deploy failed")
		writeJSON(w, http.StatusInternalServerError, result{Message: "Failed to save session: " + err.Error()})
		return
	}

	s.log.Info().Str("hash", hash).Msg("Session deployed")
	writeJSON(w, http.StatusOK, result{
		Success:   true,
		Message:   "Session saved successfully! Starting bot...",
		NextSteps: "The bot will connect shortly. Check /api/status for updates.",
		Hash:      hash,
	})

	time.AfterFunc(s.delay, func() { s.start("deploy") })
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, result{Success: true, Message: "Bot stopped successfully"})
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Success: true, Message: "Bot restart initiated"})
	go func() {
		if err := s.ctrl.Restart(s.ctx); err != nil {
			s.log.Error().Err(err).Msg("Restart failed")
		}
	}()
}

func (s *Server) start(reason string) {
	err := s.ctrl.Start(s.ctx)
	if err != nil && !errors.Is(err, bot.ErrAlreadyRunning) {
		s.log.Error().Err(err).Str("reason", reason).Msg("Bot start failed")
	}
}

// readSessionID accepts a JSON body or a form post.
func readSessionID(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			SessionID string `json:"sessionId"`
		}
		err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 16<<20)).Decode(&body)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return body.SessionID, nil
	}
	r.Body = http.MaxBytesReader(nil, r.Body, 16<<20)
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.PostForm.Get("sessionId"), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

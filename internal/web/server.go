package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/execlog"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/protocol"
	"github.com/mtzanidakis/conclave/internal/store"
	"github.com/nats-io/nats.go"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour // 30 days
)

// Runner starts and cancels protocol runs.
type Runner interface {
	Start(ctx context.Context, req protocol.Request) (string, error)
	Cancel(runID string) bool
	Active() []string
}

type Server struct {
	store     *store.Store
	nats      *natsbus.Client
	runner    Runner
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token → expiry
}

func NewServer(s *store.Store, client *natsbus.Client, runner Runner, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		nats:      client,
		runner:    runner,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		sessions:  make(map[string]time.Time),
	}
}

// Handler returns the HTTP handler with every route and middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints (public)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	sub, err := s.subscribeEvents()
	if err != nil {
		return err
	}
	if sub != nil {
		defer sub.Unsubscribe()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if r.URL.Path == "/api/login" || r.URL.Path == "/api/auth/check" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth accepts a session cookie, a bearer token or Basic Auth.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.refreshSession(w, cookie.Value) {
		return true
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && s.validSecret(token) {
		return true
	}
	if _, pass, ok := r.BasicAuth(); ok && s.validSecret(pass) {
		return true
	}

	jsonError(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) validSecret(v string) bool {
	return subtle.ConstantTimeCompare([]byte(v), []byte(s.cfg.Auth)) == 1
}

// refreshSession extends a live session and reports whether it was valid.
func (s *Server) refreshSession(w http.ResponseWriter, token string) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	expiry, ok := s.sessions[token]
	if ok && time.Now().Before(expiry) {
		s.sessions[token] = time.Now().Add(sessionMaxAge)
		s.setSessionCookie(w, token)
		return true
	}
	if ok {
		delete(s.sessions, token)
	}
	return false
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	s.sessionMu.Unlock()

	return token, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.validSecret(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, token)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	// No auth configured, the UI can skip login.
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.refreshSession(w, cookie.Value) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	jsonError(w, "unauthorized", http.StatusUnauthorized)
}

// subscribeEvents forwards every run log entry published on the bus to the
// websocket clients.
func (s *Server) subscribeEvents() (*nats.Subscription, error) {
	if s.nats == nil {
		return nil, nil
	}
	sub, err := s.nats.Subscribe(natsbus.TopicEventsRuns, func(msg *nats.Msg) {
		var entry execlog.Entry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			slog.Warn("invalid run event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(Event{Type: string(entry.Kind), RunID: entry.RunID, Payload: entry})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe run events: %w", err)
	}
	return sub, nil
}

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"agentgate/internal/auth"
	"agentgate/internal/httpapi"
	. "agentgate/internal/logging"
)

// Server exposes the session control plane: login, QR retrieval and
// session teardown. All routes except /health require a bearer token.
type Server struct {
	mgr      *Manager
	verifier *auth.Verifier
	srv      *http.Server
}

func NewServer(mgr *Manager, verifier *auth.Verifier, port int) *Server {
	s := &Server{mgr: mgr, verifier: verifier}

	mux := http.NewServeMux()
	mux.HandleFunc("OPTIONS /", httpapi.Preflight)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /login", httpapi.WithAuth(verifier, s.handleLogin))
	mux.HandleFunc("GET /login/{sessionId}/qr", httpapi.WithAuth(verifier, s.handleQR))
	mux.HandleFunc("GET /login/{sessionId}/status", httpapi.WithAuth(verifier, s.handleStatus))
	mux.HandleFunc("GET /sessions", httpapi.WithAuth(verifier, s.handleList))
	mux.HandleFunc("DELETE /sessions/{sessionId}", httpapi.WithAuth(verifier, s.handleDelete))

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		L_info("whatsapp api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("whatsapp api server failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.mgr.Count(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	userID := httpapi.UserID(r)
	sess, err := s.mgr.Create(userID, httpapi.Token(r))
	if errors.Is(err, ErrSessionLimit) {
		httpapi.WriteError(w, http.StatusConflict, "session limit reached")
		return
	}
	if err != nil {
		L_error("login failed", "userId", userID, "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"sessionId": sess.SessionID})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.PathValue("sessionId"), httpapi.UserID(r))
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.Connected() {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "already connected")
		return
	}
	code := sess.CurrentQR()
	if code == "" {
		httpapi.WriteError(w, http.StatusServiceUnavailable, "qr not available yet")
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 512)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to render qr")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.PathValue("sessionId"), httpapi.UserID(r))
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"connected":   sess.Connected(),
		"phoneNumber": sess.PhoneNumber(),
		"qrAvailable": sess.CurrentQR() != "",
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.mgr.ListForUser(httpapi.UserID(r))
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, map[string]interface{}{
			"sessionId":   sess.SessionID,
			"connected":   sess.Connected(),
			"phoneNumber": sess.PhoneNumber(),
			"needsRepair": sess.NeedsRepair(),
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	userID := httpapi.UserID(r)
	if err := s.mgr.Destroy(sessionID, userID); err != nil {
		httpapi.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

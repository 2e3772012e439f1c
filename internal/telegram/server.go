package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"agentgate/internal/auth"
	"agentgate/internal/httpapi"
	. "agentgate/internal/logging"
)

// Server exposes the pairing control plane.
type Server struct {
	bot      *Bot
	registry *Registry
	pairing  *PairingCodes
	verifier *auth.Verifier
	srv      *http.Server
}

func NewServer(bot *Bot, reg *Registry, pairing *PairingCodes, verifier *auth.Verifier, port int) *Server {
	s := &Server{bot: bot, registry: reg, pairing: pairing, verifier: verifier}

	mux := http.NewServeMux()
	mux.HandleFunc("OPTIONS /", httpapi.Preflight)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pair", httpapi.WithAuth(verifier, s.handlePair))
	mux.HandleFunc("DELETE /pair", httpapi.WithAuth(verifier, s.handleUnpair))
	mux.HandleFunc("GET /status", httpapi.WithAuth(verifier, s.handleStatus))
	mux.HandleFunc("PUT /settings", httpapi.WithAuth(verifier, s.handleSettings))

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		L_info("telegram api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("telegram api server failed", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"paired": s.registry.Len(),
	})
}

type pairRequest struct {
	AgentID     string `json:"agentId"`
	AssistantID string `json:"assistantId"`
	WorkspaceID string `json:"workspaceId"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if r.ContentLength > 0 {
		if err := httpapi.DecodeBody(r, &req); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	// assistantId is the older client field name for the same setting
	agentID := req.AgentID
	if agentID == "" {
		agentID = req.AssistantID
	}

	userID := httpapi.UserID(r)
	pair := s.pairing.Issue(userID, httpapi.Token(r), agentID, req.WorkspaceID)
	L_info("pairing code issued", "userId", userID)

	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pairingCode":      pair.Code,
		"botUsername":      s.bot.Username(),
		"expiresInSeconds": int(CodeTTL.Seconds()),
	})
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	userID := httpapi.UserID(r)
	cancelled := s.pairing.Cancel(userID)
	removed, err := s.registry.RemoveByUser(userID)
	if err != nil {
		L_error("unpair persist failed", "userId", userID, "error", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "failed to remove mapping")
		return
	}
	if !removed && !cancelled {
		httpapi.WriteError(w, http.StatusNotFound, "nothing to remove")
		return
	}
	if removed {
		L_info("mapping removed", "userId", userID)
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := s.registry.ByUser(httpapi.UserID(r))
	if !ok {
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"paired": false})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"paired":           true,
		"telegramUsername": m.Username,
		"agentId":          m.AgentID,
	})
}

type settingsRequest struct {
	AgentID     string `json:"agentId"`
	AssistantID string `json:"assistantId"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := httpapi.DecodeBody(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = req.AssistantID
	}
	if agentID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	userID := httpapi.UserID(r)
	if err := s.registry.SetAgent(userID, agentID); err != nil {
		httpapi.WriteError(w, http.StatusNotFound, "no mapping for this user")
		return
	}
	L_info("default agent updated", "userId", userID, "agentId", agentID)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"agentId": agentID})
}

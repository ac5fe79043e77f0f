package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// maxBodySize bounds request bodies; the API only accepts small JSON documents.
const maxBodySize = 64 << 10

// providerResponse describes a configured provider and its current state.
type providerResponse struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Type  domain.ProviderType    `json:"type"`
	State domain.ConnectionState `json:"state"`
}

// stateResponse is the connection state of a provider's active account.
type stateResponse struct {
	ProviderID string                 `json:"provider_id"`
	State      domain.ConnectionState `json:"state"`
}

// permissionErrorRequest reports a failed downstream API call.
type permissionErrorRequest struct {
	Message string `json:"message"`
}

// refreshResponse never carries token values.
type refreshResponse struct {
	Key       domain.AccountKey `json:"key"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleListProviders godoc
// @Summary List configured providers with the state of their active account
// @Router  /providers [get]
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.providers.List()
	out := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		state, err := s.accounts.ProviderState(r.Context(), p.ID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		out = append(out, providerResponse{ID: p.ID, Name: p.DisplayName(), Type: p.Type, State: state})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProviderState godoc
// @Summary Connection state of the provider's active account
// @Router  /providers/{provider}/state [get]
func (s *Server) handleProviderState(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if _, err := s.providers.Get(providerID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	state, err := s.accounts.ProviderState(r.Context(), providerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{ProviderID: providerID, State: state})
}

// handleListAccounts godoc
// @Summary List every stored account of a provider, broken ones included
// @Router  /providers/{provider}/accounts [get]
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if _, err := s.providers.Get(providerID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	views, err := s.accounts.ListAccounts(r.Context(), providerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if views == nil {
		views = []*domain.AccountView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// handleDisconnectAll godoc
// @Summary Remove every account of a provider
// @Router  /providers/{provider}/accounts [delete]
func (s *Server) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if err := s.accounts.DisconnectAll(r.Context(), providerID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("accounts disconnected", "provider", providerID, "admin", adminFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleDisconnect godoc
// @Summary Remove one account
// @Router  /providers/{provider}/accounts/{user} [delete]
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	key := accountKey(r)
	if err := s.accounts.Disconnect(r.Context(), key); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("account disconnected", "account", key.String(), "admin", adminFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleSetActive godoc
// @Summary Make an account the provider's active account
// @Router  /providers/{provider}/accounts/{user}/active [post]
func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	view, err := s.accounts.SetActiveAccount(r.Context(), accountKey(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handlePermissionError godoc
// @Summary Report that a provider API call failed on authorization
// @Router  /providers/{provider}/accounts/{user}/permission-error [post]
func (s *Server) handlePermissionError(w http.ResponseWriter, r *http.Request) {
	var req permissionErrorRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Message == "" {
		req.Message = "permission denied by provider"
	}

	key := accountKey(r)
	if err := s.accounts.ReportPermissionError(r.Context(), key, errors.New(req.Message)); err != nil {
		s.writeServiceError(w, err)
		return
	}
	state, err := s.accounts.State(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{ProviderID: key.ProviderID, State: state})
}

// handleRefresh godoc
// @Summary Refresh the account's access token when it is due
// @Router  /providers/{provider}/accounts/{user}/refresh [post]
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	key := accountKey(r)
	cred, err := s.accounts.EnsureFresh(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Key: key, ExpiresAt: cred.ExpiresAt})
}

func accountKey(r *http.Request) domain.AccountKey {
	return domain.NewAccountKey(chi.URLParam(r, "provider"), chi.URLParam(r, "user"))
}

// writeServiceError maps domain errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrReauthRequired), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

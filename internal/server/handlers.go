package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dreymor/dtfetch/internal/account"
	"github.com/dreymor/dtfetch/internal/api"
	"github.com/dreymor/dtfetch/internal/events"
)

// idHandler is a handler for one resolved account id. The path variants
// parse it from the URL, the single-account variants resolve it through
// get-single.
type idHandler func(w http.ResponseWriter, r *http.Request, id uuid.UUID)

func (s *Server) single(next idHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok, err := s.auths.GetSingle()
		if err != nil {
			slog.Error("failed to resolve single account", "error", err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "no accounts known")
			return
		}
		next(w, r, id)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}

// --- Summary ---

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathID(w, r); ok {
		s.handleSummaryFor(w, r, id)
	}
}

func (s *Server) handleSummaryFor(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	bundle := s.accounts.Get(id)
	if bundle != nil && bundle.Summary() != nil && time.Since(bundle.LastUpdated()) < SummaryRefreshInterval {
		writeJSON(w, http.StatusOK, bundle.Summary())
		return
	}

	summary, err := s.refreshSummary(r, id)
	if err != nil {
		slog.Warn("summary refresh failed", "sub", id, "error", err)
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// refreshSummary refetches the summary from the upstream and installs it in
// the cache. Any failure along the way makes the account unanswerable.
func (s *Server) refreshSummary(r *http.Request, id uuid.UUID) (*api.Summary, error) {
	cred, err := s.auths.Get(id)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("no credential for %s", id)
	}

	summary, err := s.client.GetSummary(r.Context(), cred)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}

	if bundle := s.accounts.Get(id); bundle != nil {
		bundle.SetSummary(summary)
	} else {
		s.accounts.Insert(id, account.NewBundle(summary, nil, nil, nil))
	}
	s.accounts.Touch(id)
	return summary, nil
}

// --- Master data ---

func (s *Server) handleMasterData(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathID(w, r); ok {
		s.handleMasterDataFor(w, r, id)
	}
}

func (s *Server) handleMasterDataFor(w http.ResponseWriter, _ *http.Request, id uuid.UUID) {
	bundle := s.accounts.Get(id)
	if bundle == nil || bundle.MasterData() == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, bundle.MasterData())
}

// --- Store ---

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if id, ok := pathID(w, r); ok {
		s.handleStoreFor(w, r, id)
	}
}

func (s *Server) handleStoreFor(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	characterID, err := uuid.Parse(r.URL.Query().Get("characterId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid characterId")
		return
	}
	currency, err := api.ParseCurrencyType(r.URL.Query().Get("currencyType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bundle := s.accounts.Get(id)
	if bundle == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	if store, ok := bundle.Store(currency, characterID); ok && store.Valid(time.Now()) {
		writeJSON(w, http.StatusOK, store)
		return
	}
	s.refreshStore(w, r, id, bundle, currency, characterID)
}

// refreshStore fetches the storefront for one character. An unknown
// character forces a summary refresh first; a character the refreshed
// summary still lacks does not exist.
func (s *Server) refreshStore(w http.ResponseWriter, r *http.Request, id uuid.UUID, bundle *account.Bundle, currency api.CurrencyType, characterID uuid.UUID) {
	var character api.Character
	var ok bool
	if summary := bundle.Summary(); summary != nil {
		character, ok = summary.Character(characterID)
	}
	if !ok {
		summary, err := s.refreshSummary(r, id)
		if err != nil {
			slog.Warn("summary refresh for store failed", "sub", id, "error", err)
			writeError(w, http.StatusNotFound, "character not found")
			return
		}
		if character, ok = summary.Character(characterID); !ok {
			writeError(w, http.StatusNotFound, "character not found")
			return
		}
	}

	cred, err := s.auths.Get(id)
	if err != nil || cred == nil {
		slog.Error("failed to read credential for store fetch", "sub", id, "error", err)
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	store, err := s.client.GetStore(r.Context(), cred, currency, character)
	if err != nil {
		slog.Error("store fetch failed", "sub", id, "character", characterID, "currency", currency, "error", err)
		writeError(w, http.StatusInternalServerError, "store fetch failed")
		return
	}
	bundle.SetStore(currency, characterID, store)
	s.bus.Publish(events.Event{
		Type:      events.EventStoreFetch,
		AccountID: id.String(),
		Message:   fmt.Sprintf("%s store fetched for character %s", currency, characterID),
	})
	writeJSON(w, http.StatusOK, store)
}

// --- Auth ---

func (s *Server) handlePutAuth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var cred api.Auth
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
		writeError(w, http.StatusBadRequest, "invalid credential body")
		return
	}
	if cred.Sub != id {
		writeError(w, http.StatusBadRequest, "credential sub does not match path")
		return
	}

	known, err := s.auths.Contains(id)
	if err != nil {
		slog.Error("failed to check storage", "sub", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if known {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if err := s.auths.AddAuth(&cred); err != nil {
		slog.Error("failed to enqueue credential", "sub", id, "error", err)
		writeError(w, http.StatusInternalServerError, "manager unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleGetAuth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	known, err := s.auths.Contains(id)
	if err != nil {
		slog.Error("failed to check storage", "sub", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !known {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package vault

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/basketfi/vault-engine/internal/bank"
	"github.com/basketfi/vault-engine/internal/fix"
	"github.com/basketfi/vault-engine/internal/metrics"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/store"
	"github.com/basketfi/vault-engine/internal/stream"
)

// Service exposes the vault and its collateral set over HTTP.
type Service struct {
	vault   *Vault
	journal store.Store
	hub     *stream.Hub
}

// NewService wraps a vault. It wires each collateral engine's status
// notifications into the journal, metrics, and the WebSocket hub.
func NewService(v *Vault, journal store.Store, hub *stream.Hub) *Service {
	s := &Service{vault: v, journal: journal, hub: hub}

	for _, c := range v.Collaterals() {
		c := c
		metrics.CollateralStatus.WithLabelValues(c.Symbol()).Set(0)
		c.OnStatusChange = func(old, new model.Status) {
			metrics.CollateralStatus.WithLabelValues(c.Symbol()).Set(metrics.StatusLevel(string(new)))
			metrics.StatusTransitionsTotal.WithLabelValues(c.Symbol(), string(new)).Inc()
			e := model.Event{
				ID:         uuid.New().String(),
				Type:       model.EventStatusChanged,
				Collateral: c.Symbol(),
				OldStatus:  old,
				NewStatus:  new,
				Timestamp:  time.Now().UTC(),
			}
			if err := journal.InsertEvent(context.Background(), &e); err != nil {
				slog.Warn("journal insert failed", "type", e.Type, "err", err)
			}
			hub.Broadcast(stream.Message{
				Type:       model.EventStatusChanged,
				Collateral: c.Symbol(),
				OldStatus:  string(old),
				NewStatus:  string(new),
			})
		}
	}
	return s
}

// Vault returns the underlying aggregate.
func (s *Service) Vault() *Vault { return s.vault }

// Routes mounts the vault and collateral endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/vault", s.GetBasket)
	r.Get("/vault/rate", s.GetRate)
	r.Get("/vault/supply", s.GetSupply)
	r.Get("/vault/balances/{account}", s.GetBalance)
	r.Get("/vault/max-issuable/{account}", s.GetMaxIssuable)
	r.Get("/vault/token-amounts", s.GetTokenAmounts)
	r.Post("/vault/issue", s.Issue)
	r.Post("/vault/redeem", s.Redeem)
	r.Post("/vault/allowance", s.SetAllowance)
	r.Post("/vault/transfer", s.PullBUs)

	r.Post("/collateral/{symbol}/refresh", s.RefreshCollateral)
	r.Get("/collateral/{symbol}", s.GetCollateral)
	r.Get("/collateral/{symbol}/price", s.GetCollateralPrice)

	r.Get("/events", s.ListEvents)
	r.Get("/events/{account}", s.GetAccountEvents)
}

// --- Request/Response types ---

// IssueRequest is the JSON body for POST /vault/issue and /vault/redeem.
type IssueRequest struct {
	Caller string  `json:"caller"`
	To     string  `json:"to"`
	Amount fix.Fix `json:"amount"`
}

// AllowanceRequest is the JSON body for POST /vault/allowance.
type AllowanceRequest struct {
	Caller  string  `json:"caller"`
	Spender string  `json:"spender"`
	Amount  fix.Fix `json:"amount"`
}

// PullRequest is the JSON body for POST /vault/transfer.
type PullRequest struct {
	Caller string  `json:"caller"`
	From   string  `json:"from"`
	Amount fix.Fix `json:"amount"`
}

// --- Handlers ---

// GetBasket handles GET /api/v1/vault
func (s *Service) GetBasket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": s.vault.Account(),
		"basket":  s.vault.Basket(),
		"supply":  s.vault.TotalSupply(),
	})
}

// GetRate handles GET /api/v1/vault/rate
func (s *Service) GetRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.vault.BasketRate(r.Context())
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]fix.Fix{"rate": rate})
}

// GetSupply handles GET /api/v1/vault/supply
func (s *Service) GetSupply(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]fix.Fix{"supply": s.vault.TotalSupply()})
}

// GetBalance handles GET /api/v1/vault/balances/{account}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, map[string]fix.Fix{"balance": s.vault.BalanceOf(account)})
}

// GetMaxIssuable handles GET /api/v1/vault/max-issuable/{account}
func (s *Service) GetMaxIssuable(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	max, err := s.vault.MaxIssuable(r.Context(), account)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]fix.Fix{"max_issuable": max})
}

// GetTokenAmounts handles GET /api/v1/vault/token-amounts?amount=N
func (s *Service) GetTokenAmounts(w http.ResponseWriter, r *http.Request) {
	amount, err := fix.FromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	amounts, err := s.vault.TokenAmounts(amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	basket := s.vault.Basket()
	out := make([]map[string]interface{}, len(basket))
	for i, entry := range basket {
		out[i] = map[string]interface{}{
			"token":  entry.Token,
			"amount": amounts[i],
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Issue handles POST /api/v1/vault/issue
func (s *Service) Issue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.To == "" {
		writeError(w, "caller and to are required", http.StatusBadRequest)
		return
	}
	if err := s.vault.Issue(r.Context(), req.Caller, req.To, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]fix.Fix{
		"balance": s.vault.BalanceOf(req.To),
		"supply":  s.vault.TotalSupply(),
	})
}

// Redeem handles POST /api/v1/vault/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.To == "" {
		writeError(w, "caller and to are required", http.StatusBadRequest)
		return
	}
	if err := s.vault.Redeem(r.Context(), req.Caller, req.To, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]fix.Fix{
		"balance": s.vault.BalanceOf(req.Caller),
		"supply":  s.vault.TotalSupply(),
	})
}

// SetAllowance handles POST /api/v1/vault/allowance
func (s *Service) SetAllowance(w http.ResponseWriter, r *http.Request) {
	var req AllowanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.Spender == "" {
		writeError(w, "caller and spender are required", http.StatusBadRequest)
		return
	}
	if err := s.vault.SetAllowance(req.Caller, req.Spender, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]fix.Fix{
		"allowance": s.vault.Allowance(req.Caller, req.Spender),
	})
}

// PullBUs handles POST /api/v1/vault/transfer
func (s *Service) PullBUs(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" || req.From == "" {
		writeError(w, "caller and from are required", http.StatusBadRequest)
		return
	}
	if err := s.vault.PullBUs(r.Context(), req.Caller, req.From, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]fix.Fix{
		"balance": s.vault.BalanceOf(req.Caller),
	})
}

// RefreshCollateral handles POST /api/v1/collateral/{symbol}/refresh
func (s *Service) RefreshCollateral(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	c, ok := s.vault.Collateral(symbol)
	if !ok {
		writeError(w, "collateral not found: "+symbol, http.StatusNotFound)
		return
	}
	c.Refresh(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collateral": symbol,
		"status":     c.Status(),
	})
}

// GetCollateral handles GET /api/v1/collateral/{symbol}
func (s *Service) GetCollateral(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	c, ok := s.vault.Collateral(symbol)
	if !ok {
		writeError(w, "collateral not found: "+symbol, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collateral":   symbol,
		"units":        c.Units().String(),
		"status":       c.Status(),
		"when_default": c.WhenDefault().Unix(),
	})
}

// GetCollateralPrice handles GET /api/v1/collateral/{symbol}/price
// Direct price queries surface oracle failures, unlike refresh.
func (s *Service) GetCollateralPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	c, ok := s.vault.Collateral(symbol)
	if !ok {
		writeError(w, "collateral not found: "+symbol, http.StatusNotFound)
		return
	}
	strict, err := c.StrictPrice(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	perTarget, err := c.PricePerTarget(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]fix.Fix{
		"price":            strict,
		"price_per_target": perTarget,
	})
}

// ListEvents handles GET /api/v1/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.journal.ListEvents(r.Context())
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetAccountEvents handles GET /api/v1/events/{account}
func (s *Service) GetAccountEvents(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	events, err := s.journal.GetEventsByAccount(r.Context(), account)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- helpers ---

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrEmptyBasket),
		errors.Is(err, fix.ErrOverflow), errors.Is(err, fix.ErrRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientAllowance),
		errors.Is(err, bank.ErrInsufficientFunds):
		return http.StatusConflict
	default:
		return http.StatusConflict
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

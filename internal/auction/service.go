package auction

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/basketfi/vault-engine/internal/bank"
	"github.com/basketfi/vault-engine/internal/model"
	"github.com/basketfi/vault-engine/internal/store"
)

// Service exposes the auction market over HTTP.
type Service struct {
	market *Market
}

// NewService wraps a market.
func NewService(m *Market) *Service {
	return &Service{market: m}
}

// Routes mounts the auction endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/auctions", s.ListAuctions)
	r.Post("/auctions", s.InitiateAuction)
	r.Get("/auctions/{id}", s.GetAuction)
	r.Post("/auctions/{id}/bid", s.PlaceBid)
	r.Post("/auctions/{id}/clear", s.ClearAuction)
}

// InitiateRequest is the JSON body for POST /auctions.
type InitiateRequest struct {
	Origin       string          `json:"origin"`
	SellToken    string          `json:"sell_token"`
	BuyToken     string          `json:"buy_token"`
	SellAmount   decimal.Decimal `json:"sell_amount"`
	MinBuyAmount decimal.Decimal `json:"min_buy_amount"`
	DurationSecs int64           `json:"duration_secs"`
}

// BidRequest is the JSON body for POST /auctions/{id}/bid.
type BidRequest struct {
	Bidder     string          `json:"bidder"`
	SellAmount decimal.Decimal `json:"sell_amount"`
	BuyAmount  decimal.Decimal `json:"buy_amount"`
}

// ClearRequest is the JSON body for POST /auctions/{id}/clear.
type ClearRequest struct {
	Caller string `json:"caller"`
}

// ListAuctions handles GET /api/v1/auctions
func (s *Service) ListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.market.List(r.Context())
	if err != nil {
		writeError(w, "failed to list auctions", http.StatusInternalServerError)
		return
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}
	writeJSON(w, http.StatusOK, auctions)
}

// InitiateAuction handles POST /api/v1/auctions
func (s *Service) InitiateAuction(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := s.market.Initiate(r.Context(), req.Origin, req.SellToken, req.BuyToken,
		req.SellAmount, req.MinBuyAmount, time.Duration(req.DurationSecs)*time.Second)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAuction handles GET /api/v1/auctions/{id}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	a, err := s.market.Get(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// PlaceBid handles POST /api/v1/auctions/{id}/bid
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := s.market.SetBid(r.Context(), id, model.Bid{
		Bidder:     req.Bidder,
		SellAmount: req.SellAmount,
		BuyAmount:  req.BuyAmount,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	a, err := s.market.Get(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ClearAuction handles POST /api/v1/auctions/{id}/clear
func (s *Service) ClearAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionID(w, r)
	if !ok {
		return
	}
	var req ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}
	a, err := s.market.Clear(r.Context(), req.Caller, id)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func auctionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid auction id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotOrigin):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidAuction), errors.Is(err, ErrInvalidBid):
		return http.StatusBadRequest
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotEnded),
		errors.Is(err, bank.ErrInsufficientFunds), errors.Is(err, bank.ErrInvalidTransfer):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
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

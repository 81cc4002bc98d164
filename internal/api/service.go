// Package api provides the HTTP handlers for the forward engine: contract
// lifecycle calls, the off-chain position mirror, and oracle prices.
//
// Amounts on the wire are 6-decimal fixed-point integers; responses also carry
// shopspring/decimal renderings for display. Never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bitforward/forward-engine/internal/chain"
	"github.com/bitforward/forward-engine/internal/events"
	"github.com/bitforward/forward-engine/internal/mirror"
	"github.com/bitforward/forward-engine/internal/model"
	"github.com/bitforward/forward-engine/internal/oracle"
	"github.com/bitforward/forward-engine/internal/settlement"
)

// Ledger is the contract lifecycle, served either by the embedded engine or
// by a remote ledger client.
type Ledger interface {
	CreatePosition(ctx context.Context, p model.CreateParams) (uint64, error)
	TakePosition(ctx context.Context, id uint64, counterparty string) (uint64, error)
	CloseContract(ctx context.Context, id uint64, caller string) (model.CloseReceipt, error)
	GetContract(ctx context.Context, id uint64) (*model.Contract, error)
	ListContracts(ctx context.Context) ([]model.Contract, error)
	CurrentBlock(ctx context.Context) (uint64, error)
}

// Service handles the application HTTP surface.
type Service struct {
	ledger     Ledger
	feed       oracle.Feed
	mirror     *mirror.Store
	reconciler *mirror.Reconciler
	events     events.Publisher
	now        func() time.Time
}

// NewService creates a service. Pass nil for pub if no event fan-out is
// needed.
func NewService(ledger Ledger, feed oracle.Feed, m *mirror.Store, rec *mirror.Reconciler, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{
		ledger:     ledger,
		feed:       feed,
		mirror:     m,
		reconciler: rec,
		events:     pub,
		now:        time.Now,
	}
}

// Mount registers the application routes on r.
func (s *Service) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/block", s.GetBlock)

		r.Post("/contracts", s.CreateContract)
		r.Get("/contracts", s.ListContracts)
		r.Get("/contracts/{id}", s.GetContract)
		r.Post("/contracts/{id}/take", s.TakeContract)
		r.Post("/contracts/{id}/close", s.CloseContract)

		r.Post("/positions", s.NewPosition)
		r.Get("/positions", s.ListPositions)
		r.Get("/positions/history", s.ListHistory)
		r.Get("/positions/{id}", s.GetPosition)
		r.Post("/positions/{id}/match", s.MatchPosition)
		r.Delete("/positions/{id}", s.RemovePosition)

		r.Post("/price", s.SetPrice)
		r.Get("/price/{asset}", s.GetPrice)
	})
}

// --- Request/Response types ---

// TakeRequest is the JSON body for POST /contracts/{id}/take.
type TakeRequest struct {
	Counterparty string `json:"counterparty"`
}

// CloseRequest is the JSON body for POST /contracts/{id}/close.
type CloseRequest struct {
	Caller string `json:"caller"`
}

// NewPositionRequest is the JSON body for POST /positions.
type NewPositionRequest struct {
	ContractID uint64 `json:"contract_id"`
	Address    string `json:"address,omitempty"` // optional creator check
}

// MatchRequest is the JSON body for POST /positions/{id}/match.
type MatchRequest struct {
	MatchedAddress string `json:"matched_address,omitempty"` // optional counterparty check
}

// SetPriceRequest is the JSON body for POST /price.
type SetPriceRequest struct {
	Asset string `json:"asset"`
	Price uint64 `json:"price"`
}

// PriceResponse reports an oracle price.
type PriceResponse struct {
	Asset string          `json:"asset"`
	Price uint64          `json:"price"`
	Value decimal.Decimal `json:"value"`
}

// ContractView is a contract with display renderings of its amounts.
type ContractView struct {
	model.Contract
	StatusName    string          `json:"status_name"`
	Collateral    decimal.Decimal `json:"collateral"`
	PremiumValue  decimal.Decimal `json:"premium_value"`
	OpenValue     decimal.Decimal `json:"open_value"`
	LongMultiple  decimal.Decimal `json:"long_multiple"`
	ShortMultiple decimal.Decimal `json:"short_multiple"`
}

func viewOf(c model.Contract) ContractView {
	return ContractView{
		Contract:      c,
		StatusName:    c.Status.String(),
		Collateral:    settlement.FromFixed(c.CollateralAmount),
		PremiumValue:  settlement.FromFixedSigned(c.Premium),
		OpenValue:     settlement.FromFixed(c.OpenPrice),
		LongMultiple:  settlement.FromFixed(c.LongLeverage),
		ShortMultiple: settlement.FromFixed(c.ShortLeverage),
	}
}

// CreateContractResponse is returned from POST /contracts.
type CreateContractResponse struct {
	ContractID uint64        `json:"contract_id"`
	Contract   *ContractView `json:"contract,omitempty"`
}

// TakeResponse is returned from POST /contracts/{id}/take.
type TakeResponse struct {
	ContractID uint64 `json:"contract_id"`
	LegID      uint64 `json:"leg_id"`
}

// --- Contract lifecycle ---

// CreateContract handles POST /api/v1/contracts.
func (s *Service) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req model.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Creator == "" {
		writeError(w, "creator is required", http.StatusBadRequest)
		return
	}

	id, err := s.ledger.CreatePosition(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := CreateContractResponse{ContractID: id}
	if c, err := s.ledger.GetContract(r.Context(), id); err == nil {
		v := viewOf(*c)
		resp.Contract = &v
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListContracts handles GET /api/v1/contracts.
func (s *Service) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := s.ledger.ListContracts(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	views := make([]ContractView, 0, len(contracts))
	for _, c := range contracts {
		views = append(views, viewOf(c))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetContract handles GET /api/v1/contracts/{id}.
func (s *Service) GetContract(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	c, err := s.ledger.GetContract(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*c))
}

// TakeContract handles POST /api/v1/contracts/{id}/take.
func (s *Service) TakeContract(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	var req TakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Counterparty == "" {
		writeError(w, "counterparty is required", http.StatusBadRequest)
		return
	}

	legID, err := s.ledger.TakePosition(r.Context(), id, req.Counterparty)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TakeResponse{ContractID: id, LegID: legID})
}

// CloseContract handles POST /api/v1/contracts/{id}/close. A mirrored
// position closed this way moves to history.
func (s *Service) CloseContract(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	rc, err := s.ledger.CloseContract(r.Context(), id, req.Caller)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	err = s.mirror.Update(r.Context(), func(tx *mirror.Tx) error {
		rec, ok := tx.Get(id)
		if !ok {
			return nil
		}
		rec.Status = model.StatusClosed
		tx.Archive(model.HistoryRecord{
			MirrorRecord:     rec,
			LongPayout:       rc.LongPayout,
			ShortPayout:      rc.ShortPayout,
			ClosePrice:       rc.ClosePrice,
			ClosedAt:         s.now().UnixMilli(),
			ClosedAtBlock:    rc.ClosedAtBlock,
			CloseTransaction: rc.TxRef,
		})
		return nil
	})
	if err != nil {
		slog.Error("mirror update after close", "contract_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, rc)
}

// GetBlock handles GET /api/v1/block.
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	h, err := s.ledger.CurrentBlock(r.Context())
	if err != nil {
		writeError(w, "block height unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, chain.NodeInfo{StacksTipHeight: h})
}

// --- Position mirror ---

// NewPosition handles POST /api/v1/positions: waits until the contract is
// visible on the ledger, then mirrors it.
func (s *Service) NewPosition(w http.ResponseWriter, r *http.Request) {
	var req NewPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ContractID == 0 {
		writeError(w, "contract_id is required", http.StatusBadRequest)
		return
	}

	slog.Info("checking position", "contract_id", req.ContractID)
	c, err := s.reconciler.WaitForContract(r.Context(), req.ContractID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if req.Address != "" && req.Address != c.Creator {
		writeErrorDetails(w, "position created by unexpected address",
			"expected "+req.Address+" but contract was created by "+c.Creator, http.StatusBadRequest)
		return
	}

	rec := model.MirrorFromContract(c)
	if err := s.mirror.Update(r.Context(), func(tx *mirror.Tx) error {
		tx.Upsert(rec)
		return nil
	}); err != nil {
		slog.Error("mirror persist", "contract_id", c.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, rec)
}

// MatchPosition handles POST /api/v1/positions/{id}/match: waits until the
// contract has a counterparty, verifies it when one is named, and updates
// the mirror.
func (s *Service) MatchPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	var req MatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	slog.Info("checking matched position", "contract_id", id)
	c, err := s.reconciler.WaitForMatch(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if req.MatchedAddress != "" && req.MatchedAddress != c.Counterparty {
		writeErrorDetails(w, "position matched with unexpected address",
			"expected match with "+req.MatchedAddress+" but found match with "+c.Counterparty, http.StatusBadRequest)
		return
	}

	rec := model.MirrorFromContract(c)
	if err := s.mirror.Update(r.Context(), func(tx *mirror.Tx) error {
		tx.Upsert(rec)
		return nil
	}); err != nil {
		slog.Error("mirror persist", "contract_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListPositions handles GET /api/v1/positions.
func (s *Service) ListPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mirror.List())
}

// ListHistory handles GET /api/v1/positions/history.
func (s *Service) ListHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mirror.History())
}

// GetPosition handles GET /api/v1/positions/{id}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	rec, found := s.mirror.Get(id)
	if !found {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RemovePosition handles DELETE /api/v1/positions/{id}.
func (s *Service) RemovePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	var removed bool
	if err := s.mirror.Update(r.Context(), func(tx *mirror.Tx) error {
		removed = tx.Remove(id)
		return nil
	}); err != nil {
		slog.Error("mirror persist", "contract_id", id, "err", err)
	}
	if !removed {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Oracle ---

// SetPrice handles POST /api/v1/price.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Asset == "" || req.Price == 0 {
		writeError(w, "asset and price are required", http.StatusBadRequest)
		return
	}

	if err := s.feed.SetPrice(r.Context(), req.Asset, req.Price); err != nil {
		writeLedgerError(w, err)
		return
	}
	s.events.Publish(r.Context(), events.Event{
		Type:      events.PriceUpdated,
		Asset:     req.Asset,
		Price:     req.Price,
		Timestamp: s.now().UTC(),
	})
	writeJSON(w, http.StatusOK, PriceResponse{Asset: req.Asset, Price: req.Price, Value: settlement.FromFixed(req.Price)})
}

// GetPrice handles GET /api/v1/price/{asset}.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	a := chi.URLParam(r, "asset")
	p, err := s.feed.Price(r.Context(), a)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Asset: a, Price: p, Value: settlement.FromFixed(p)})
}

// --- helpers ---

func contractID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "invalid contract id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// StatusFor maps a lifecycle error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrContractNotFound), errors.Is(err, model.ErrUnconfirmed):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyHasCounterparty),
		errors.Is(err, model.ErrInvalidStatus),
		errors.Is(err, model.ErrCloseBlockNotReached):
		return http.StatusConflict
	case errors.Is(err, model.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, chain.ErrDecode):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    uint64 `json:"code,omitempty"`
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := errorBody{Error: err.Error(), Code: model.ErrorCode(err)}
	if errors.Is(err, model.ErrUnconfirmed) {
		body.Details = "the contract might not be confirmed on the ledger yet"
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeErrorDetails(w http.ResponseWriter, message, details string, status int) {
	writeJSON(w, status, errorBody{Error: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bitforward/forward-engine/internal/chain"
	"github.com/bitforward/forward-engine/internal/model"
	"github.com/bitforward/forward-engine/internal/oracle"
)

// Miner advances a devnet ledger's block height.
type Miner interface {
	Mine(n uint64) uint64
}

// LedgerAPI serves the ledger wire protocol consumed by chain.Client.
// Lifecycle failures are answered with HTTP 200 and an (err uN) value, the
// way a read-only ledger call reports them; only malformed requests get an
// HTTP error status.
type LedgerAPI struct {
	ledger Ledger
	feed   oracle.Feed
	miner  Miner
}

// NewLedgerAPI creates the wire protocol handlers. miner may be nil, in
// which case /mine is not served.
func NewLedgerAPI(ledger Ledger, feed oracle.Feed, miner Miner) *LedgerAPI {
	return &LedgerAPI{ledger: ledger, feed: feed, miner: miner}
}

// Mount registers the protocol under chain.PathPrefix.
func (l *LedgerAPI) Mount(r chi.Router) {
	r.Route(chain.PathPrefix, func(r chi.Router) {
		r.Get("/v2/info", l.Info)
		r.Get("/contracts", l.ListContracts)
		r.Post("/contracts", l.CreatePosition)
		r.Get("/contracts/{id}", l.GetContract)
		r.Post("/contracts/{id}/take", l.TakePosition)
		r.Post("/contracts/{id}/close", l.CloseContract)
		r.Get("/price/{asset}", l.GetPrice)
		r.Post("/price", l.SetPrice)
		if l.miner != nil {
			r.Post("/mine", l.Mine)
		}
	})
}

// Info handles GET /ledger/v2/info.
func (l *LedgerAPI) Info(w http.ResponseWriter, r *http.Request) {
	h, err := l.ledger.CurrentBlock(r.Context())
	if err != nil {
		writeError(w, "block height unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, chain.NodeInfo{StacksTipHeight: h})
}

// ListContracts handles GET /ledger/contracts.
func (l *LedgerAPI) ListContracts(w http.ResponseWriter, r *http.Request) {
	contracts, err := l.ledger.ListContracts(r.Context())
	if err != nil {
		writeError(w, "failed to list contracts", http.StatusInternalServerError)
		return
	}
	items := make([]chain.Value, 0, len(contracts))
	for i := range contracts {
		items = append(items, chain.EncodeContract(&contracts[i]))
	}
	writeJSON(w, http.StatusOK, chain.List(items...))
}

// GetContract handles GET /ledger/contracts/{id}: (some tuple) or none.
func (l *LedgerAPI) GetContract(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	c, err := l.ledger.GetContract(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, chain.Some(chain.EncodeContract(c)))
	case errors.Is(err, model.ErrContractNotFound):
		writeJSON(w, http.StatusOK, chain.None())
	default:
		writeError(w, "failed to read contract", http.StatusInternalServerError)
	}
}

// CreatePosition handles POST /ledger/contracts.
func (l *LedgerAPI) CreatePosition(w http.ResponseWriter, r *http.Request) {
	args, ok := decodeArgs(w, r)
	if !ok {
		return
	}
	p, err := chain.DecodeCreateParams(args)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := l.ledger.CreatePosition(r.Context(), p)
	l.respond(w, chain.Uint(id), err)
}

// TakePosition handles POST /ledger/contracts/{id}/take.
func (l *LedgerAPI) TakePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	args, ok := decodeArgs(w, r)
	if !ok {
		return
	}
	f, err := args.Field("counterparty")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	counterparty, err := f.AsPrincipal()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	legID, err := l.ledger.TakePosition(r.Context(), id, counterparty)
	l.respond(w, chain.Uint(legID), err)
}

// CloseContract handles POST /ledger/contracts/{id}/close.
func (l *LedgerAPI) CloseContract(w http.ResponseWriter, r *http.Request) {
	id, ok := contractID(w, r)
	if !ok {
		return
	}
	args, ok := decodeArgs(w, r)
	if !ok {
		return
	}
	f, err := args.Field("caller")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := f.AsPrincipal()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rc, err := l.ledger.CloseContract(r.Context(), id, caller)
	l.respond(w, chain.EncodeReceipt(rc), err)
}

// GetPrice handles GET /ledger/price/{asset}.
func (l *LedgerAPI) GetPrice(w http.ResponseWriter, r *http.Request) {
	p, err := l.feed.Price(r.Context(), chi.URLParam(r, "asset"))
	l.respond(w, chain.Uint(p), err)
}

// SetPrice handles POST /ledger/price.
func (l *LedgerAPI) SetPrice(w http.ResponseWriter, r *http.Request) {
	args, ok := decodeArgs(w, r)
	if !ok {
		return
	}
	af, err := args.Field("asset")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	pf, err := args.Field("price")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	a, err := af.AsASCII()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := pf.AsUint()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = l.feed.SetPrice(r.Context(), a, p)
	l.respond(w, chain.Bool(true), err)
}

// Mine handles POST /ledger/mine.
func (l *LedgerAPI) Mine(w http.ResponseWriter, r *http.Request) {
	n := uint64(1)
	if r.ContentLength != 0 {
		args, ok := decodeArgs(w, r)
		if !ok {
			return
		}
		f, err := args.Field("blocks")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if n, err = f.AsUint(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, chain.Ok(chain.Uint(l.miner.Mine(n))))
}

// respond writes (ok v) or (err uN). Errors outside the ledger taxonomy are
// infrastructure failures and get an HTTP error status.
func (l *LedgerAPI) respond(w http.ResponseWriter, v chain.Value, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, chain.Ok(v))
		return
	}
	if model.ErrorCode(err) == 0 {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain.ErrorValue(err))
}

func decodeArgs(w http.ResponseWriter, r *http.Request) (chain.Value, bool) {
	var v chain.Value
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return chain.Value{}, false
	}
	return v, true
}

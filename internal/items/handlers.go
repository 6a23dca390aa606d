package items

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

// Handlers serves the ownership ledger over HTTP.
type Handlers struct {
	ledger *Ledger
}

// NewHandlers serves l.
func NewHandlers(l *Ledger) *Handlers {
	return &Handlers{ledger: l}
}

// Routes mounts the ledger endpoints, usually under /api/v1/items.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/", h.Summary)
	r.Get("/{id}", h.Item)
	r.Get("/holders/{address}", h.Holder)

	r.Post("/base-uri", h.SetBaseURI)
	r.Post("/provenance", h.SetProvenance)
}

// Summary is the response of GET /items.
type Summary struct {
	Address    common.Address `json:"address"`
	Minted     uint64         `json:"minted"`
	BaseURI    string         `json:"base_uri"`
	Provenance string         `json:"provenance,omitempty"`
}

// Item is the response of GET /items/{id}.
type Item struct {
	ID       uint64         `json:"id"`
	Owner    common.Address `json:"owner"`
	TokenURI string         `json:"token_uri"`
}

// MetadataRequest is the JSON body for the owner-only metadata setters.
type MetadataRequest struct {
	Caller string `json:"caller"`
	Value  string `json:"value"`
}

// Summary handles GET /api/v1/items
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Summary{
		Address:    h.ledger.Address(),
		Minted:     h.ledger.NumMinted(),
		BaseURI:    h.ledger.BaseURI(),
		Provenance: h.ledger.ProvenanceHash(),
	})
}

// Item handles GET /api/v1/items/{id}
func (h *Handlers) Item(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "id must be a non-negative integer", http.StatusBadRequest)
		return
	}
	holder, err := h.ledger.OwnerOf(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	uri, err := h.ledger.TokenURI(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Item{ID: id, Owner: holder, TokenURI: uri})
}

// Holder handles GET /api/v1/items/holders/{address}
func (h *Handlers) Holder(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		writeError(w, "address must be a hex address", http.StatusBadRequest)
		return
	}
	holder := common.HexToAddress(addr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": holder,
		"balance": h.ledger.BalanceOf(holder),
	})
}

// SetBaseURI handles POST /api/v1/items/base-uri
func (h *Handlers) SetBaseURI(w http.ResponseWriter, r *http.Request) {
	h.setMetadata(w, r, h.ledger.SetBaseURI)
}

// SetProvenance handles POST /api/v1/items/provenance
func (h *Handlers) SetProvenance(w http.ResponseWriter, r *http.Request) {
	h.setMetadata(w, r, h.ledger.SetProvenanceHash)
}

func (h *Handlers) setMetadata(w http.ResponseWriter, r *http.Request, set func(caller common.Address, v string) error) {
	var req MetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, "caller must be a hex address", http.StatusBadRequest)
		return
	}
	if err := set(common.HexToAddress(req.Caller), req.Value); err != nil {
		writeLedgerError(w, err)
		return
	}
	h.Summary(w, r)
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotMinter):
		status = http.StatusForbidden
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

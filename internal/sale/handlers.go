package sale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/admission"
	"github.com/atmx/sale-engine/internal/curve"
	"github.com/atmx/sale-engine/internal/funds"
	"github.com/atmx/sale-engine/internal/store"
	"github.com/atmx/sale-engine/internal/supply"
)

// Handlers exposes an Engine over HTTP. Callers identify themselves with
// the "caller" field; authentication happens in front of this service.
type Handlers struct {
	engine *Engine
}

// NewHandlers creates the HTTP surface for engine.
func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// Routes registers every sale endpoint on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Get("/config", h.GetConfig)
	r.Get("/price", h.GetPrice)
	r.Get("/buyers", h.ListBuyers)
	r.Get("/buyers/{address}", h.GetBuyer)
	r.Get("/history/{address}", h.GetHistory)
	r.Get("/aux/{address}", h.GetAuxBalance)

	r.Post("/bid", h.Bid)
	r.Post("/allowlist", h.Allowlist)
	r.Post("/public", h.Public)
	r.Post("/claim", h.Claim)
	r.Post("/team", h.Team)

	r.Post("/refunds", h.IssueRefunds)
	r.Post("/refunds/address", h.RefundAddress)
	r.Post("/refunds/self", h.SelfRefund)

	r.Post("/deposit", h.Deposit)
	r.Post("/withdraw", h.Withdraw)
	r.Post("/withdraw-all", h.WithdrawAll)
	r.Post("/withdraw-classic", h.WithdrawClassic)
	r.Post("/aux/forward", h.ForwardAux)

	r.Post("/admin/{setting}", h.Admin)
}

// --- Request types ---

// PurchaseRequest is the JSON body for bid, allowlist, public and claim.
type PurchaseRequest struct {
	Caller   string          `json:"caller"`
	Quantity int64           `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
	Proof    []string        `json:"proof,omitempty"` // 0x-prefixed sibling hashes
}

// BatchError is the response to a batch refund that failed part way.
type BatchError struct {
	Error  string       `json:"error"`
	Result *BatchResult `json:"result"`
}

// TeamRequest is the JSON body for POST /team.
type TeamRequest struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Quantity  int64  `json:"quantity"`
}

// RefundRequest is the JSON body for the refund endpoints.
type RefundRequest struct {
	Caller string `json:"caller"`
	Buyer  string `json:"buyer,omitempty"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
}

// FundsRequest is the JSON body for deposits, withdrawals and forwards.
type FundsRequest struct {
	Caller string          `json:"caller"`
	To     string          `json:"to,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// AdminRequest is the JSON body for POST /admin/{setting}. Value holds the
// new setting; its shape depends on the setting.
type AdminRequest struct {
	Caller string          `json:"caller"`
	Value  json.RawMessage `json:"value"`
}

// PhaseTimesValue is the value of the phase_times setting.
type PhaseTimesValue struct {
	AuctionStart   time.Time `json:"auction_start"`
	AllowlistStart time.Time `json:"allowlist_start"`
	PublicStart    time.Time `json:"public_start"`
	ClaimStart     time.Time `json:"claim_start"`
}

// --- Queries ---

// GetStatus handles GET /api/v1/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetConfig handles GET /api/v1/config
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.Config(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetPrice handles GET /api/v1/price
func (h *Handlers) GetPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	auction, err := h.engine.CurrentPrice(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	clearing, err := h.engine.CurrentClearingPrice(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"auction":  auction,
		"clearing": clearing,
	})
}

// ListBuyers handles GET /api/v1/buyers?start=0&end=99
// Without a range it lists every buyer.
func (h *Handlers) ListBuyers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.engine.NumDaMinters(ctx)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	start, end := int64(0), n-1
	if s := r.URL.Query().Get("start"); s != "" {
		if start, err = strconv.ParseInt(s, 10, 64); err != nil {
			writeError(w, "start must be an integer", http.StatusBadRequest)
			return
		}
	}
	if s := r.URL.Query().Get("end"); s != "" {
		if end, err = strconv.ParseInt(s, 10, 64); err != nil {
			writeError(w, "end must be an integer", http.StatusBadRequest)
			return
		}
	}

	buyers := []BuyerPosition{}
	if n > 0 || r.URL.Query().Has("start") {
		if buyers, err = h.engine.Buyers(ctx, start, end); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"num_da_minters": n,
		"buyers":         buyers,
	})
}

// GetBuyer handles GET /api/v1/buyers/{address}
func (h *Handlers) GetBuyer(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	pos, err := h.engine.Position(r.Context(), addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetHistory handles GET /api/v1/history/{address}
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.engine.History(r.Context(), addr)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAuxBalance handles GET /api/v1/aux/{address}
func (h *Handlers) GetAuxBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	bal, err := h.engine.AuxBalance(r.Context(), addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr, "balance": bal})
}

// --- Purchases ---

// Bid handles POST /api/v1/bid
func (h *Handlers) Bid(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	res, err := h.engine.BidSummon(r.Context(), caller, req.Quantity, req.Value)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Allowlist handles POST /api/v1/allowlist
func (h *Handlers) Allowlist(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.engine.MintlistSummon(r.Context(), caller, proof, req.Value)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Public handles POST /api/v1/public
func (h *Handlers) Public(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	res, err := h.engine.PublicSummon(r.Context(), caller, req.Quantity, req.Value)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Claim handles POST /api/v1/claim
func (h *Handlers) Claim(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodePurchase(w, r)
	if !ok {
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.engine.ClaimSummon(r.Context(), caller, proof)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Team handles POST /api/v1/team
func (h *Handlers) Team(w http.ResponseWriter, r *http.Request) {
	var req TeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.engine.TeamSummon(r.Context(), caller, recipient, req.Quantity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- Settlement ---

// IssueRefunds handles POST /api/v1/refunds
func (h *Handlers) IssueRefunds(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.engine.IssueRefunds(r.Context(), caller, req.Start, req.End)
	if err != nil && res != nil {
		// Payouts made before the failure stand; report them with the error.
		writeJSON(w, statusFor(err), BatchError{Error: err.Error(), Result: res})
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefundAddress handles POST /api/v1/refunds/address
func (h *Handlers) RefundAddress(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	buyer, err := parseAddress("buyer", req.Buyer)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.engine.RefundAddress(r.Context(), caller, buyer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SelfRefund handles POST /api/v1/refunds/self
func (h *Handlers) SelfRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.engine.SelfRefund(r.Context(), caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Treasury ---

// Deposit handles POST /api/v1/deposit
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodeFunds(w, r)
	if !ok {
		return
	}
	if err := h.engine.Deposit(r.Context(), caller, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deposited": req.Amount})
}

// Withdraw handles POST /api/v1/withdraw
func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodeFunds(w, r)
	if !ok {
		return
	}
	paid, err := h.engine.Withdraw(r.Context(), caller, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawn": paid})
}

// WithdrawAll handles POST /api/v1/withdraw-all
func (h *Handlers) WithdrawAll(w http.ResponseWriter, r *http.Request) {
	_, caller, ok := decodeFunds(w, r)
	if !ok {
		return
	}
	paid, err := h.engine.WithdrawAll(r.Context(), caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawn": paid})
}

// WithdrawClassic handles POST /api/v1/withdraw-classic
func (h *Handlers) WithdrawClassic(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodeFunds(w, r)
	if !ok {
		return
	}
	paid, err := h.engine.WithdrawClassic(r.Context(), caller, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"withdrawn": paid})
}

// ForwardAux handles POST /api/v1/aux/forward
func (h *Handlers) ForwardAux(w http.ResponseWriter, r *http.Request) {
	req, caller, ok := decodeFunds(w, r)
	if !ok {
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine.ForwardAuxTokens(r.Context(), caller, to, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"forwarded": req.Amount, "to": to})
}

// --- Administration ---

type adminSetter func(ctx context.Context, caller common.Address, raw json.RawMessage) error

func (h *Handlers) setters() map[string]adminSetter {
	e := h.engine
	return map[string]adminSetter{
		"phase_times": func(ctx context.Context, caller common.Address, raw json.RawMessage) error {
			var v PhaseTimesValue
			if err := json.Unmarshal(raw, &v); err != nil {
				return badValue(err)
			}
			return e.SetPhaseTimes(ctx, caller, v.AuctionStart, v.AllowlistStart, v.PublicStart, v.ClaimStart)
		},
		"auction_start":     timeSetter(e.SetAuctionStart),
		"allowlist_start":   timeSetter(e.SetAllowlistStart),
		"public_start":      timeSetter(e.SetPublicStart),
		"claim_start":       timeSetter(e.SetClaimStart),
		"self_refund_start": timeSetter(e.SetSelfRefundStart),
		"start_price":       decimalSetter(e.SetStartPrice),
		"lowest_price":      decimalSetter(e.SetLowestPrice),
		"final_price":       decimalSetter(e.SetFinalPrice),
		"curve_length":      durationSetter(e.SetCurveLength),
		"drop_interval":     durationSetter(e.SetDropInterval),
		"max_da_supply":     intSetter(e.SetMaxDaSupply),
		"max_for_sale":      intSetter(e.SetMaxForSale),
		"max_for_claim":     intSetter(e.SetMaxForClaim),
		"allowlist_root1":   hashSetter(e.SetAllowlistRoot1),
		"allowlist_root2":   hashSetter(e.SetAllowlistRoot2),
		"claimlist_root":    hashSetter(e.SetClaimlistRoot),
		"vault":             addressSetter(e.SetVault),
		"refunder":          addressSetter(e.SetRefunder),
		"items":             addressSetter(e.SetItemsAddress),
		"aux_token":         addressSetter(e.SetAuxTokenAddress),
		"owner":             addressSetter(e.TransferOwnership),
		"pause": func(ctx context.Context, caller common.Address, _ json.RawMessage) error {
			return e.Pause(ctx, caller)
		},
		"unpause": func(ctx context.Context, caller common.Address, _ json.RawMessage) error {
			return e.Unpause(ctx, caller)
		},
	}
}

// Admin handles POST /api/v1/admin/{setting}
func (h *Handlers) Admin(w http.ResponseWriter, r *http.Request) {
	setting := chi.URLParam(r, "setting")
	set, ok := h.setters()[setting]
	if !ok {
		writeError(w, "unknown setting: "+setting, http.StatusNotFound)
		return
	}

	var req AdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := set(r.Context(), caller, req.Value); err != nil {
		writeEngineError(w, err)
		return
	}

	cfg, err := h.engine.Config(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// errBadValue marks an undecodable admin value.
var errBadValue = errors.New("invalid value")

func badValue(err error) error {
	return fmt.Errorf("%w: %v", errBadValue, err)
}

func timeSetter(set func(context.Context, common.Address, time.Time) error) adminSetter {
	return func(ctx context.Context, caller common.Address, raw json.RawMessage) error {
		var at time.Time
		if err := json.Unmarshal(raw, &at); err != nil {
			return badValue(err)
		}
		return set(ctx, caller, at)
	}
}

func decimalSetter(set func(context.Context, common.Address, decimal.Decimal) error) adminSetter {
	return func(ctx context.Context, caller common.Address, raw json.RawMessage) error {
		var v decimal.Decimal
		if err := json.Unmarshal(raw, &v); err != nil {
			return badValue(err)
		}
		return set(ctx, caller, v)
	}
}

// durationSetter accepts Go duration strings such as "10m".
func durationSetter(set func(context.Context, common.Address, time.Duration) error) adminSetter {
	return func(ctx context.Context, caller common.Address, raw json.RawMessage) error {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return badValue(err)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return badValue(err)
		}
		return set(ctx, caller, d)
	}
}

func intSetter(set func(context.Context, common.Address, int64) error) adminSetter {
	return func(ctx context.Context, caller common.Address, raw json.RawMessage) error {
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return badValue(err)
		}
		return set(ctx, caller, n)
	}
}

func hashSetter(set func(context.Context, common.Address, common.Hash) error) adminSetter {
	return func(ctx context.Context, caller common.Address, raw json.RawMessage) error {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return badValue(err)
		}
		hash, err := parseHash(s)
		if err != nil {
			return badValue(err)
		}
		return set(ctx, caller, hash)
	}
}

func addressSetter(set func(context.Context, common.Address, common.Address) error) adminSetter {
	return func(ctx context.Context, caller common.Address, raw json.RawMessage) error {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return badValue(err)
		}
		addr, err := parseAddress("value", s)
		if err != nil {
			return badValue(err)
		}
		return set(ctx, caller, addr)
	}
}

// --- Helpers ---

func decodePurchase(w http.ResponseWriter, r *http.Request) (*PurchaseRequest, common.Address, bool) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return nil, common.Address{}, false
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, common.Address{}, false
	}
	return &req, caller, true
}

func decodeFunds(w http.ResponseWriter, r *http.Request) (*FundsRequest, common.Address, bool) {
	var req FundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return nil, common.Address{}, false
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, common.Address{}, false
	}
	return &req, caller, true
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash must be %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func parseProof(raw []string) ([]common.Hash, error) {
	proof := make([]common.Hash, 0, len(raw))
	for i, s := range raw {
		h, err := parseHash(s)
		if err != nil {
			return nil, fmt.Errorf("proof[%d]: %v", i, err)
		}
		proof = append(proof, h)
	}
	return proof, nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotConfigured),
		errors.Is(err, ErrReserveShortfall),
		errors.Is(err, ErrNoItemLedger),
		errors.Is(err, ErrNoAuxToken):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValueTooLow),
		errors.Is(err, ErrValueIncorrect),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, funds.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, errBadValue),
		errors.Is(err, supply.ErrQuantity),
		errors.Is(err, ErrFinalPriceBelowFloor),
		errors.Is(err, ErrPhaseOrder),
		errors.Is(err, ErrInvalidCap),
		errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrZeroAddress),
		errors.Is(err, curve.ErrNegativePrice),
		errors.Is(err, curve.ErrPriceOrder),
		errors.Is(err, curve.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, ErrPaused),
		errors.Is(err, ErrAuctionNotStarted),
		errors.Is(err, ErrAuctionOver),
		errors.Is(err, ErrAllowlistNotStarted),
		errors.Is(err, ErrAllowlistClosed),
		errors.Is(err, ErrPublicNotStarted),
		errors.Is(err, ErrClaimNotStarted),
		errors.Is(err, ErrSelfRefundNotStarted),
		errors.Is(err, ErrCurveLocked),
		errors.Is(err, supply.ErrAuctionSoldOut),
		errors.Is(err, supply.ErrSoldOut),
		errors.Is(err, supply.ErrNotEnoughRemaining),
		errors.Is(err, supply.ErrNoMoreClaims),
		errors.Is(err, admission.ErrAlreadyUsed),
		errors.Is(err, admission.ErrInvalidProof),
		errors.Is(err, funds.ErrRejected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Package model defines the core domain types shared across the sale engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Phase identifies which part of the sale is open.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseAuction   Phase = "auction"
	PhaseAllowlist Phase = "allowlist"
	PhasePublic    Phase = "public"
	PhaseClaim     Phase = "claim"
)

// ListID names an admission used-flag set. Both allowlist tiers share
// ListAllowlist; the claim tier has its own set.
type ListID string

const (
	ListAllowlist ListID = "allowlist"
	ListClaim     ListID = "claim"
)

// PhaseTimes are the four ordered phase start timestamps plus the time
// from which buyers may settle their own refunds.
type PhaseTimes struct {
	AuctionStart    time.Time `json:"auction_start"`
	AllowlistStart  time.Time `json:"allowlist_start"`
	PublicStart     time.Time `json:"public_start"`
	ClaimStart      time.Time `json:"claim_start"`
	SelfRefundStart time.Time `json:"self_refund_start"`
}

// CurveParams configure the descending auction price.
type CurveParams struct {
	StartPrice   decimal.Decimal `json:"start_price"`
	LowestPrice  decimal.Decimal `json:"lowest_price"`
	CurveLength  time.Duration   `json:"curve_length"`
	DropInterval time.Duration   `json:"drop_interval"`
}

// Caps bound how many units each part of the sale may issue.
type Caps struct {
	MaxDaSupply int64 `json:"max_da_supply"` // auction
	MaxForSale  int64 `json:"max_for_sale"`  // auction + allowlist + public
	MaxForClaim int64 `json:"max_for_claim"`
}

// Roots are the Merkle roots committing to each admission list.
type Roots struct {
	Allowlist1 common.Hash `json:"allowlist1"`
	Allowlist2 common.Hash `json:"allowlist2"`
	Claimlist  common.Hash `json:"claimlist"`
}

// Roles hold the single-address capabilities and collaborator identities.
type Roles struct {
	Owner    common.Address `json:"owner"`
	Refunder common.Address `json:"refunder"`
	Vault    common.Address `json:"vault"`
	Items    common.Address `json:"items"`     // ownership ledger
	AuxToken common.Address `json:"aux_token"` // refund fallback token
}

// SaleConfig is the administrative configuration aggregate. Every field is
// explicit; there are no hidden defaults once a config is persisted.
type SaleConfig struct {
	Times  PhaseTimes  `json:"times"`
	Curve  CurveParams `json:"curve"`
	Caps   Caps        `json:"caps"`
	Roots  Roots       `json:"roots"`
	Roles  Roles       `json:"roles"`
	Paused bool        `json:"paused"`

	// FinalPrice is nil until fixed, either by the administrator or by the
	// auction selling out.
	FinalPrice *decimal.Decimal `json:"final_price,omitempty"`
}

// Clone returns a deep copy so callers can stage edits.
func (c *SaleConfig) Clone() *SaleConfig {
	cp := *c
	if c.FinalPrice != nil {
		fp := *c.FinalPrice
		cp.FinalPrice = &fp
	}
	return &cp
}

// Counters are the global sale counters plus the engine's treasury.
type Counters struct {
	NumSold      int64           `json:"num_sold"`
	NumClaimed   int64           `json:"num_claimed"`
	NumDaMinters int64           `json:"num_da_minters"`
	Treasury     decimal.Decimal `json:"treasury"`
}

// AuctionRecord is a buyer's cumulative auction position. Records are never
// deleted; settlement only raises AmountRefunded.
type AuctionRecord struct {
	Buyer          common.Address  `json:"buyer"`
	Index          int64           `json:"index"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	NumMinted      int64           `json:"num_minted"`
	AmountRefunded decimal.Decimal `json:"amount_refunded"`
}

// RefundOwed returns paid − finalPrice × minted − refunded, clamped at zero.
func (r *AuctionRecord) RefundOwed(finalPrice decimal.Decimal) decimal.Decimal {
	owed := r.AmountPaid.
		Sub(finalPrice.Mul(decimal.NewFromInt(r.NumMinted))).
		Sub(r.AmountRefunded)
	if owed.IsNegative() {
		return decimal.Zero
	}
	return owed
}

// Entry kinds recorded in the immutable ledger.
const (
	EntryBid        = "bid"
	EntryAllowlist  = "allowlist"
	EntryPublic     = "public"
	EntryClaim      = "claim"
	EntryTeam       = "team"
	EntryRefund     = "refund"
	EntryAuxCredit  = "aux_credit"
	EntryDeposit    = "deposit"
	EntryWithdraw   = "withdraw"
	EntryAuxForward = "aux_forward"
)

// LedgerEntry is an immutable record of a value or item movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	Kind      string          `json:"kind" db:"kind"`
	Account   common.Address  `json:"account" db:"account"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	FirstItem int64           `json:"first_item" db:"first_item"` // -1 when no items moved
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// AdmissionMark records that an address consumed its admission on a list.
type AdmissionMark struct {
	List    ListID         `json:"list"`
	Address common.Address `json:"address"`
}

// AssetNative keys native balances. Auxiliary-token balances are keyed by
// AuxAsset of the token address.
const AssetNative = "native"

// AuxAsset is the balance key of the auxiliary token at addr.
func AuxAsset(addr common.Address) string {
	return "aux:" + addr.Hex()
}

// Balance is an account's holding of one asset after a commit.
type Balance struct {
	Asset   string          `json:"asset" db:"asset"`
	Account common.Address  `json:"account" db:"account"`
	Amount  decimal.Decimal `json:"amount" db:"amount"`
}

// ItemRecord is an item issued on an ownership ledger.
type ItemRecord struct {
	Ledger common.Address `json:"ledger" db:"ledger"`
	ID     uint64         `json:"id" db:"id"`
	Owner  common.Address `json:"owner" db:"owner"`
}

// Changeset is everything one engine call commits. A store applies it
// entirely or not at all.
type Changeset struct {
	Config   *SaleConfig
	Counters *Counters
	Records  []AuctionRecord
	Marks    []AdmissionMark
	Entries  []LedgerEntry
	Items    []ItemRecord
	Balances []Balance
}

// Empty reports whether the changeset carries no writes.
func (c *Changeset) Empty() bool {
	return c.Config == nil && c.Counters == nil &&
		len(c.Records) == 0 && len(c.Marks) == 0 && len(c.Entries) == 0 &&
		len(c.Items) == 0 && len(c.Balances) == 0
}

// Package items is an in-process ownership ledger for the sale's
// collectibles. It mints sequential ids starting at zero, restricts
// minting and burning to a single minter address, and keeps owner-managed
// metadata (base URI, provenance hash).
package items

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/sale-engine/internal/model"
)

var (
	ErrNotOwner        = errors.New("items: caller is not the owner")
	ErrNotMinter       = errors.New("items: not a minter")
	ErrNotFound        = errors.New("items: item does not exist")
	ErrSupplyExhausted = errors.New("items: all items have been minted")
	ErrZeroAddress     = errors.New("items: zero address")
)

// Ledger tracks item ownership. Safe for concurrent use.
type Ledger struct {
	mu         sync.RWMutex
	addr       common.Address
	owner      common.Address
	minter     common.Address
	baseURI    string
	provenance string
	maxSupply  uint64
	next       uint64
	owners     map[uint64]common.Address
	balances   map[common.Address]uint64
}

// NewLedger creates a ledger reachable at addr and administered by owner.
// maxSupply of zero means unbounded.
func NewLedger(addr, owner common.Address, baseURI string, maxSupply uint64) *Ledger {
	return &Ledger{
		addr:      addr,
		owner:     owner,
		baseURI:   baseURI,
		maxSupply: maxSupply,
		owners:    make(map[uint64]common.Address),
		balances:  make(map[common.Address]uint64),
	}
}

// Address returns the address the ledger is reachable at.
func (l *Ledger) Address() common.Address {
	return l.addr
}

// Owner returns the administrator address.
func (l *Ledger) Owner() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.owner
}

// Minter returns the address allowed to mint and burn.
func (l *Ledger) Minter() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.minter
}

// SetMinter assigns the minter role.
func (l *Ledger) SetMinter(caller, minter common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return ErrNotOwner
	}
	l.minter = minter
	return nil
}

// SetBaseURI replaces the metadata base URI.
func (l *Ledger) SetBaseURI(caller common.Address, uri string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return ErrNotOwner
	}
	l.baseURI = uri
	return nil
}

// BaseURI returns the metadata base URI.
func (l *Ledger) BaseURI() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.baseURI
}

// SetProvenanceHash records the metadata provenance hash.
func (l *Ledger) SetProvenanceHash(caller common.Address, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.owner {
		return ErrNotOwner
	}
	l.provenance = hash
	return nil
}

// ProvenanceHash returns the recorded provenance hash.
func (l *Ledger) ProvenanceHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.provenance
}

// Mint issues the next sequential id to to.
func (l *Ledger) Mint(_ context.Context, caller, to common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.minter == (common.Address{}) || caller != l.minter {
		return 0, ErrNotMinter
	}
	if to == (common.Address{}) {
		return 0, ErrZeroAddress
	}
	if l.maxSupply > 0 && l.next >= l.maxSupply {
		return 0, ErrSupplyExhausted
	}

	id := l.next
	l.next++
	l.owners[id] = to
	l.balances[to]++
	return id, nil
}

// Restore reloads issued items. The next id follows the highest restored
// one, so ids issued before a restart are never issued again.
func (l *Ledger) Restore(records []model.ItemRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owners := make(map[uint64]common.Address, len(records))
	balances := make(map[common.Address]uint64)
	var next uint64
	for _, r := range records {
		if r.Ledger != l.addr {
			return fmt.Errorf("items: record %d belongs to ledger %s", r.ID, r.Ledger.Hex())
		}
		owners[r.ID] = r.Owner
		balances[r.Owner]++
		if r.ID >= next {
			next = r.ID + 1
		}
	}
	l.owners, l.balances, l.next = owners, balances, next
	return nil
}

// Burn destroys an item. Burned ids are never reissued.
func (l *Ledger) Burn(_ context.Context, caller common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.minter == (common.Address{}) || caller != l.minter {
		return ErrNotMinter
	}
	holder, ok := l.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(l.owners, id)
	l.balances[holder]--
	return nil
}

// Exists reports whether id is minted and not burned.
func (l *Ledger) Exists(id uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.owners[id]
	return ok
}

// NumMinted returns how many ids were ever issued, burned ones included.
func (l *Ledger) NumMinted() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// OwnerOf returns the holder of id.
func (l *Ledger) OwnerOf(id uint64) (common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	holder, ok := l.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return holder, nil
}

// BalanceOf returns how many items addr holds.
func (l *Ledger) BalanceOf(addr common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// TokenURI returns the metadata URI of id.
func (l *Ledger) TokenURI(id uint64) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.owners[id]; !ok {
		return "", fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return l.baseURI + strconv.FormatUint(id, 10), nil
}

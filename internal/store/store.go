// Package store defines the persistence interface for the sale engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/sale-engine/internal/model"
)

// ErrNotFound is returned when a config or auction record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Configuration and counters ---

	// LoadConfig returns the persisted sale configuration, or ErrNotFound.
	LoadConfig(ctx context.Context) (*model.SaleConfig, error)

	// LoadCounters returns the global counters; zero values before the
	// first commit.
	LoadCounters(ctx context.Context) (*model.Counters, error)

	// --- Auction positions ---

	// GetAuctionRecord returns a buyer's auction record, or ErrNotFound.
	GetAuctionRecord(ctx context.Context, buyer common.Address) (*model.AuctionRecord, error)

	// ListAuctionRecords returns records with start <= index <= end,
	// ordered by index.
	ListAuctionRecords(ctx context.Context, start, end int64) ([]model.AuctionRecord, error)

	// --- Admission ---

	// IsMarked reports whether addr already used its admission on list.
	IsMarked(ctx context.Context, list model.ListID, addr common.Address) (bool, error)

	// --- Collaborator state ---

	// ListItems returns the items issued on ledger, ordered by id.
	ListItems(ctx context.Context, ledger common.Address) ([]model.ItemRecord, error)

	// LoadBalances returns every persisted balance of asset.
	LoadBalances(ctx context.Context, asset string) ([]model.Balance, error)

	// --- Atomic writes ---

	// Commit applies every write in cs, or none of them.
	Commit(ctx context.Context, cs *model.Changeset) error

	// --- Immutable ledger ---

	// GetLedgerEntriesByAccount returns all entries for an account, oldest first.
	GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error)
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	config   *model.SaleConfig
	counters model.Counters
	records  map[common.Address]model.AuctionRecord
	byIndex  map[int64]common.Address
	marks    map[model.AdmissionMark]struct{}
	items    map[common.Address]map[uint64]model.ItemRecord
	balances map[string]map[common.Address]decimal.Decimal
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[common.Address]model.AuctionRecord),
		byIndex:  make(map[int64]common.Address),
		marks:    make(map[model.AdmissionMark]struct{}),
		items:    make(map[common.Address]map[uint64]model.ItemRecord),
		balances: make(map[string]map[common.Address]decimal.Decimal),
	}
}

func (s *MemoryStore) LoadConfig(_ context.Context) (*model.SaleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return nil, fmt.Errorf("sale config: %w", ErrNotFound)
	}
	return s.config.Clone(), nil
}

func (s *MemoryStore) LoadCounters(_ context.Context) (*model.Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.counters
	return &c, nil
}

func (s *MemoryStore) GetAuctionRecord(_ context.Context, buyer common.Address) (*model.AuctionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[buyer]
	if !ok {
		return nil, fmt.Errorf("auction record %s: %w", buyer.Hex(), ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) ListAuctionRecords(_ context.Context, start, end int64) ([]model.AuctionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuctionRecord
	for i := start; i <= end; i++ {
		buyer, ok := s.byIndex[i]
		if !ok {
			continue
		}
		out = append(out, s.records[buyer])
	}
	return out, nil
}

func (s *MemoryStore) IsMarked(_ context.Context, list model.ListID, addr common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.marks[model.AdmissionMark{List: list, Address: addr}]
	return ok, nil
}

func (s *MemoryStore) ListItems(_ context.Context, ledger common.Address) ([]model.ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ItemRecord, 0, len(s.items[ledger]))
	for _, it := range s.items[ledger] {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LoadBalances(_ context.Context, asset string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Balance, 0, len(s.balances[asset]))
	for account, amount := range s.balances[asset] {
		out = append(out, model.Balance{Asset: asset, Account: account, Amount: amount})
	}
	return out, nil
}

// Commit validates the whole changeset before touching state so a bad
// record leaves nothing half-applied.
func (s *MemoryStore) Commit(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range cs.Records {
		if owner, ok := s.byIndex[r.Index]; ok && owner != r.Buyer {
			return fmt.Errorf("auction index %d already assigned to %s", r.Index, owner.Hex())
		}
	}
	for _, it := range cs.Items {
		if _, ok := s.items[it.Ledger][it.ID]; ok {
			return fmt.Errorf("item %d on %s already issued", it.ID, it.Ledger.Hex())
		}
	}

	if cs.Config != nil {
		s.config = cs.Config.Clone()
	}
	if cs.Counters != nil {
		s.counters = *cs.Counters
	}
	for _, r := range cs.Records {
		s.records[r.Buyer] = r
		s.byIndex[r.Index] = r.Buyer
	}
	for _, m := range cs.Marks {
		s.marks[m] = struct{}{}
	}
	for _, it := range cs.Items {
		if s.items[it.Ledger] == nil {
			s.items[it.Ledger] = make(map[uint64]model.ItemRecord)
		}
		s.items[it.Ledger][it.ID] = it
	}
	for _, b := range cs.Balances {
		if s.balances[b.Asset] == nil {
			s.balances[b.Asset] = make(map[common.Address]decimal.Decimal)
		}
		s.balances[b.Asset][b.Account] = b.Amount
	}
	s.ledger = append(s.ledger, cs.Entries...)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account common.Address) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/sale-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Counters and admission marks are never cached: supply and replay checks
// must see the committed value.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *model.Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}

	var keys []string
	if cs.Config != nil {
		keys = append(keys, configKey)
	}
	for _, r := range cs.Records {
		keys = append(keys, recordKey(r.Buyer))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadConfig(ctx context.Context) (*model.SaleConfig, error) {
	data, err := s.rdb.Get(ctx, configKey).Bytes()
	if err == nil {
		var cfg model.SaleConfig
		if json.Unmarshal(data, &cfg) == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.primary.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(cfg); err == nil {
		s.rdb.Set(ctx, configKey, data, s.ttl)
	}
	return cfg, nil
}

func (s *CachedStore) GetAuctionRecord(ctx context.Context, buyer common.Address) (*model.AuctionRecord, error) {
	data, err := s.rdb.Get(ctx, recordKey(buyer)).Bytes()
	if err == nil {
		var r model.AuctionRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetAuctionRecord(ctx, buyer)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, recordKey(buyer), data, s.ttl)
	}
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadCounters(ctx context.Context) (*model.Counters, error) {
	return s.primary.LoadCounters(ctx)
}

func (s *CachedStore) ListAuctionRecords(ctx context.Context, start, end int64) ([]model.AuctionRecord, error) {
	return s.primary.ListAuctionRecords(ctx, start, end)
}

func (s *CachedStore) IsMarked(ctx context.Context, list model.ListID, addr common.Address) (bool, error) {
	return s.primary.IsMarked(ctx, list, addr)
}

func (s *CachedStore) ListItems(ctx context.Context, ledger common.Address) ([]model.ItemRecord, error) {
	return s.primary.ListItems(ctx, ledger)
}

func (s *CachedStore) LoadBalances(ctx context.Context, asset string) ([]model.Balance, error) {
	return s.primary.LoadBalances(ctx, asset)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, account)
}

// --- Cache helpers ---

const configKey = "sale:config"

func recordKey(buyer common.Address) string { return fmt.Sprintf("sale:record:%s", buyer.Hex()) }

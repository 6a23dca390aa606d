package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/sale-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) LoadConfig(ctx context.Context) (*model.SaleConfig, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM sale_config WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sale config: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load sale config: %w", err)
	}

	var cfg model.SaleConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("decode sale config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) LoadCounters(ctx context.Context) (*model.Counters, error) {
	var c model.Counters
	var treasury string

	err := s.pool.QueryRow(ctx,
		`SELECT num_sold, num_claimed, num_da_minters, treasury::TEXT
		 FROM sale_counters WHERE id = 1`).
		Scan(&c.NumSold, &c.NumClaimed, &c.NumDaMinters, &treasury)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Counters{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	c.Treasury, _ = decimal.NewFromString(treasury)
	return &c, nil
}

func (s *PostgresStore) GetAuctionRecord(ctx context.Context, buyer common.Address) (*model.AuctionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT buyer, idx, amount_paid::TEXT, num_minted, amount_refunded::TEXT
		 FROM auction_records WHERE buyer = $1`, buyer.Hex())

	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auction record %s: %w", buyer.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction record %s: %w", buyer.Hex(), err)
	}
	return r, nil
}

func (s *PostgresStore) ListAuctionRecords(ctx context.Context, start, end int64) ([]model.AuctionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT buyer, idx, amount_paid::TEXT, num_minted, amount_refunded::TEXT
		 FROM auction_records WHERE idx BETWEEN $1 AND $2 ORDER BY idx`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AuctionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) IsMarked(ctx context.Context, list model.ListID, addr common.Address) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM admission_marks WHERE list = $1 AND address = $2)`,
		string(list), addr.Hex()).Scan(&exists)
	return exists, err
}

// Commit writes the changeset inside one transaction.
func (s *PostgresStore) Commit(ctx context.Context, cs *model.Changeset) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if cs.Config != nil {
		doc, err := json.Marshal(cs.Config)
		if err != nil {
			return fmt.Errorf("encode sale config: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO sale_config (id, doc, updated_at) VALUES (1, $1, now())
			 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`, doc); err != nil {
			return fmt.Errorf("write sale config: %w", err)
		}
	}

	if c := cs.Counters; c != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sale_counters (id, num_sold, num_claimed, num_da_minters, treasury)
			 VALUES (1, $1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (id) DO UPDATE SET
			     num_sold = EXCLUDED.num_sold,
			     num_claimed = EXCLUDED.num_claimed,
			     num_da_minters = EXCLUDED.num_da_minters,
			     treasury = EXCLUDED.treasury`,
			c.NumSold, c.NumClaimed, c.NumDaMinters, c.Treasury.String()); err != nil {
			return fmt.Errorf("write counters: %w", err)
		}
	}

	for _, r := range cs.Records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO auction_records (buyer, idx, amount_paid, num_minted, amount_refunded)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC)
			 ON CONFLICT (buyer) DO UPDATE SET
			     amount_paid = EXCLUDED.amount_paid,
			     num_minted = EXCLUDED.num_minted,
			     amount_refunded = EXCLUDED.amount_refunded`,
			r.Buyer.Hex(), r.Index, r.AmountPaid.String(), r.NumMinted, r.AmountRefunded.String()); err != nil {
			return fmt.Errorf("write auction record %s: %w", r.Buyer.Hex(), err)
		}
	}

	for _, m := range cs.Marks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO admission_marks (list, address) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, string(m.List), m.Address.Hex()); err != nil {
			return fmt.Errorf("write admission mark: %w", err)
		}
	}

	for _, it := range cs.Items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO items (ledger, id, owner) VALUES ($1, $2, $3)`,
			it.Ledger.Hex(), int64(it.ID), it.Owner.Hex()); err != nil {
			return fmt.Errorf("write item %d: %w", it.ID, err)
		}
	}

	for _, b := range cs.Balances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (asset, account, amount) VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (asset, account) DO UPDATE SET amount = EXCLUDED.amount`,
			b.Asset, b.Account.Hex(), b.Amount.String()); err != nil {
			return fmt.Errorf("write balance %s: %w", b.Account.Hex(), err)
		}
	}

	for _, e := range cs.Entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, kind, account, quantity, amount, price, first_item, timestamp)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
			e.ID, e.Kind, e.Account.Hex(), e.Quantity,
			e.Amount.String(), e.Price.String(), e.FirstItem, e.Timestamp); err != nil {
			return fmt.Errorf("write ledger entry: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListItems(ctx context.Context, ledger common.Address) ([]model.ItemRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner FROM items WHERE ledger = $1 ORDER BY id`, ledger.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ItemRecord
	for rows.Next() {
		var id int64
		var holder string
		if err := rows.Scan(&id, &holder); err != nil {
			return nil, err
		}
		out = append(out, model.ItemRecord{Ledger: ledger, ID: uint64(id), Owner: common.HexToAddress(holder)})
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadBalances(ctx context.Context, asset string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, amount::TEXT FROM balances WHERE asset = $1`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Balance
	for rows.Next() {
		var account, amountS string
		if err := rows.Scan(&account, &amountS); err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", account, err)
		}
		out = append(out, model.Balance{Asset: asset, Account: common.HexToAddress(account), Amount: amount})
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, account, quantity,
		        amount::TEXT, price::TEXT, first_item, timestamp
		 FROM ledger_entries WHERE account = $1 ORDER BY timestamp`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row pgxRow) (*model.AuctionRecord, error) {
	var r model.AuctionRecord
	var buyer, paidS, refundedS string
	if err := row.Scan(&buyer, &r.Index, &paidS, &r.NumMinted, &refundedS); err != nil {
		return nil, err
	}
	r.Buyer = common.HexToAddress(buyer)
	r.AmountPaid, _ = decimal.NewFromString(paidS)
	r.AmountRefunded, _ = decimal.NewFromString(refundedS)
	return &r, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var account, amountS, priceS string

		if err := rows.Scan(&e.ID, &e.Kind, &account, &e.Quantity,
			&amountS, &priceS, &e.FirstItem, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Account = common.HexToAddress(account)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Price, _ = decimal.NewFromString(priceS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

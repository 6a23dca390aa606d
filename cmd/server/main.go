package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/sale-engine/internal/admission"
	"github.com/atmx/sale-engine/internal/config"
	"github.com/atmx/sale-engine/internal/funds"
	"github.com/atmx/sale-engine/internal/items"
	"github.com/atmx/sale-engine/internal/metrics"
	"github.com/atmx/sale-engine/internal/sale"
	"github.com/atmx/sale-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sale-engine",
		Short:        "Time-phased descending-price sale engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), merkleCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	return cmd
}

func merkleCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "merkle <address-file>",
		Short: "Compute an admission list root, and optionally one address's proof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, err := readAddresses(args[0])
			if err != nil {
				return err
			}
			tree, err := admission.NewTree(addrs)
			if err != nil {
				return err
			}

			out := struct {
				Root    common.Hash   `json:"root"`
				Size    int           `json:"size"`
				Address string        `json:"address,omitempty"`
				Proof   []common.Hash `json:"proof,omitempty"`
			}{Root: tree.Root(), Size: tree.Len()}

			if address != "" {
				if !common.IsHexAddress(address) {
					return fmt.Errorf("invalid address %q", address)
				}
				addr := common.HexToAddress(address)
				if out.Proof, err = tree.Proof(addr); err != nil {
					return err
				}
				out.Address = addr.Hex()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address to produce a proof for")
	return cmd
}

// readAddresses reads one hex address per line; blank lines and lines
// starting with # are skipped.
func readAddresses(path string) ([]common.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var addrs []common.Address
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !common.IsHexAddress(line) {
			return nil, fmt.Errorf("%s:%d: invalid address %q", path, n, line)
		}
		addrs = append(addrs, common.HexToAddress(line))
	}
	return addrs, sc.Err()
}

func serve(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := connectPostgres(ctx, cfg.DatabaseURL, cfg.ConnectRetries)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			rdb, err := connectRedis(ctx, cfg.RedisURL, cfg.ConnectRetries)
			if err != nil {
				return err
			}
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Value rails and collaborators ---
	self := common.HexToAddress(cfg.Self)
	bank := funds.NewBank()

	saleCfg, err := cfg.Sale.Model(cfg.Items.Address)
	if err != nil {
		return err
	}
	ledger := items.NewLedger(saleCfg.Roles.Items, saleCfg.Roles.Owner, cfg.Items.BaseURI, cfg.Items.MaxSupply)
	if err := ledger.SetMinter(saleCfg.Roles.Owner, self); err != nil {
		return fmt.Errorf("grant minter: %w", err)
	}
	if cfg.Items.Provenance != "" {
		if err := ledger.SetProvenanceHash(saleCfg.Roles.Owner, cfg.Items.Provenance); err != nil {
			return fmt.Errorf("set provenance: %w", err)
		}
	}
	aux := funds.NewAuxToken(common.HexToAddress(cfg.Sale.AuxToken), bank)

	// --- WebSocket hub ---
	wsHub := sale.NewWSHub()

	// --- Sale engine ---
	engine := sale.NewEngine(st, bank, sale.Options{
		Self:       self,
		MaxPerCall: cfg.MaxPerCall,
		Items:      []sale.ItemLedger{ledger},
		AuxTokens:  []sale.AuxToken{aux},
		Events:     wsHub,
	})
	active, err := engine.Bootstrap(ctx, saleCfg)
	if err != nil {
		return fmt.Errorf("bootstrap sale: %w", err)
	}
	if active.Roles.Items != ledger.Address() {
		slog.Warn("persisted ownership ledger differs from the configured one",
			"persisted", active.Roles.Items.Hex(), "configured", ledger.Address().Hex())
	}

	// Fund only seeds accounts the store has never seen.
	seed := make(map[common.Address]decimal.Decimal, len(cfg.Fund))
	for addr, amount := range cfg.Fund {
		seed[common.HexToAddress(addr)] = decimal.RequireFromString(amount)
	}
	if err := engine.Recover(ctx, seed); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"sale-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handlers := sale.NewHandlers(engine)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live sale events.
		r.Get("/ws", wsHub.HandleWS)
		handlers.Routes(r)
		r.Route("/items", items.NewHandlers(ledger).Routes)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsHub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("sale-engine listening", "port", cfg.Port, "self", self.Hex())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down sale-engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("sale-engine stopped")
	return nil
}

func connectPostgres(ctx context.Context, url string, retries int) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := pool.Ping(ctx); err != nil {
			slog.Warn("database not ready", "err", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(retries+1)))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return pool, nil
}

func connectRedis(ctx context.Context, url string, retries int) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	rdb := redis.NewClient(opt)
	_, err = backoff.Retry(ctx, func() (string, error) {
		return rdb.Ping(ctx).Result()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(retries+1)))
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/polycrawl/paygate"
	"github.com/polycrawl/paygate/catalog"
	"github.com/polycrawl/paygate/config"
	"github.com/polycrawl/paygate/facilitator"
	"github.com/polycrawl/paygate/gateway"
	paygatehttp "github.com/polycrawl/paygate/http"
	"github.com/polycrawl/paygate/httpsig"
	"github.com/polycrawl/paygate/ledger"
	mcpserver "github.com/polycrawl/paygate/mcp/server"
	"github.com/polycrawl/paygate/nonce"
	"github.com/polycrawl/paygate/postgres"
	"github.com/polycrawl/paygate/pricing"
	"github.com/polycrawl/paygate/receipt"
	"github.com/polycrawl/paygate/settlement"
	evmsigner "github.com/polycrawl/paygate/signers/evm"
	svmsigner "github.com/polycrawl/paygate/signers/svm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP and MCP server",
		Long: `Run the gateway.

Stores are in memory unless PAYGATE_POSTGRES_DSN is set; nonces are in
memory unless PAYGATE_REDIS_ADDR is set.

Examples:
  paygate serve --config paygate.yaml
  PAYGATE_AGENT_PUBLIC_KEY_PATH=tap-agent-public.pem paygate serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.Server.Addr, "network", cfg.X402.Network)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("hold sweeper: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// app holds the wired gateway and what must be closed with it.
type app struct {
	handler http.Handler
	service *gateway.Service
	sweeper *ledger.Sweeper
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Stores.
	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		pool, err = postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no PostgreSQL DSN configured, balances and receipts are kept in memory")
	}

	defaultCaps, err := cfg.Pricing.Caps.Caps()
	if err != nil {
		return nil, err
	}
	var (
		l         ledger.Ledger
		receipts  receipt.Store
		requests  gateway.RequestStore
		capStore  pricing.CapStore
		ledgerOpt = ledger.WithFeeOwner(cfg.Pricing.FeeOwner)
	)
	if pool != nil {
		l = ledger.NewPostgres(pool, ledgerOpt)
		receipts = receipt.NewPostgres(pool)
		requests = gateway.NewPostgresRequests(pool)
		capStore = pricing.NewPostgresCapStore(pool, defaultCaps)
	} else {
		l = ledger.NewMemory(ledgerOpt)
		receipts = receipt.NewMemory()
		requests = gateway.NewMemoryRequests()
		capStore = pricing.NewStaticCaps(defaultCaps)
	}

	var nonces nonce.Store
	if cfg.Redis.Addr != "" {
		rdb, err := nonce.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		nonces = nonce.NewRedis(rdb, cfg.Redis.Prefix)
	} else {
		logger.Warn("no Redis configured, nonces are tracked in memory and only protect a single instance")
		nonces = nonce.NewMemory(nil)
	}

	dir, err := loadCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Agent signatures.
	verifier, err := buildVerifier(cfg, nonces, registry, logger)
	if err != nil {
		return nil, err
	}

	// Receipts.
	issuer, err := buildIssuer(cfg, receipts, logger)
	if err != nil {
		return nil, err
	}

	opts := []gateway.Option{
		gateway.WithFetcher(buildConnectors(cfg, logger)),
		gateway.WithCaps(capStore),
		gateway.WithRequests(requests),
		gateway.WithFeeBps(cfg.Pricing.FeeBps),
		gateway.WithPaymentPolicy(gateway.PaymentPolicy(cfg.Pricing.Policy)),
		gateway.WithLogger(logger),
		gateway.WithMetrics(gateway.NewMetrics(registry)),
	}
	if cfg.Catalog.SignedURLBase != "" {
		opts = append(opts,
			gateway.WithURLSigner(&catalog.HMACURLSigner{BaseURL: cfg.Catalog.SignedURLBase, Secret: []byte(cfg.Catalog.SignedURLSecret)}),
			gateway.WithSignedURLTTL(cfg.Catalog.SignedURLTTL),
		)
	}

	// Settlement.
	var solanaRPC *rpc.Client
	if cfg.Solana.RPCURL != "" {
		solanaRPC = rpc.New(cfg.Solana.RPCURL)
		a.closers = append(a.closers, func() { _ = solanaRPC.Close() })
	}
	if cfg.X402.Network != "" {
		adapter, err := buildSettlement(cfg, solanaRPC, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gateway.WithSettlement(adapter))
	}
	if cfg.Solana.PlatformKey != "" {
		key, err := solana.PrivateKeyFromBase58(cfg.Solana.PlatformKey)
		if err != nil {
			return nil, fmt.Errorf("solana.platform_key: %w", err)
		}
		payout, err := svmsigner.NewPayout(solanaRPC, key, cfg.Solana.Network, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("on-chain payouts enabled", "network", cfg.Solana.Network, "from", payout.Address())
		opts = append(opts, gateway.WithPayouts(payout))
	}

	svc, err := gateway.New(dir, l, issuer, opts...)
	if err != nil {
		return nil, err
	}
	a.service = svc
	a.sweeper = &ledger.Sweeper{
		Ledger:   l,
		MaxAge:   cfg.Holds.MaxAge,
		Interval: cfg.Holds.SweepInterval,
		Logger:   logger,
		OnSwept:  svc.HoldSwept,
	}

	mcp := mcpserver.New("paygate", Version, svc, mcpserver.WithLogger(logger))
	a.handler = paygatehttp.NewRouter(paygatehttp.Deps{
		Service:        svc,
		Verifier:       verifier,
		MCP:            mcp.Handler(),
		Gatherer:       registry,
		TrustForwarded: cfg.Server.TrustForwarded,
		Logger:         logger,
	})
	return a, nil
}

func loadCatalog(cfg *config.Config, logger *slog.Logger) (*catalog.Memory, error) {
	if cfg.Catalog.SeedPath == "" {
		logger.Warn("no catalog seed configured, the catalog is empty")
		return catalog.NewMemory(), nil
	}
	return catalog.LoadFile(cfg.Catalog.SeedPath)
}

func buildVerifier(cfg *config.Config, nonces nonce.Store, reg prometheus.Registerer, logger *slog.Logger) (*httpsig.Verifier, error) {
	var local *httpsig.PublicKey
	if cfg.Signature.PublicKeyPath != "" {
		data, err := os.ReadFile(cfg.Signature.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("signature public key: %w", err)
		}
		local, err = httpsig.LocalKeyFromPEM(data, cfg.Signature.KeyID)
		if err != nil {
			return nil, fmt.Errorf("signature public key: %w", err)
		}
		logger.Info("agent key loaded", "key_id", local.ID)
	}
	var remote *httpsig.JWKSCache
	if cfg.Signature.JWKSURL != "" {
		remote = httpsig.NewJWKSCache(cfg.Signature.JWKSURL, httpsig.WithJWKSTTL(cfg.Signature.JWKSTTL))
	}
	resolver, err := httpsig.NewResolver(local, remote, logger)
	if err != nil {
		return nil, err
	}

	opts := []httpsig.VerifierOption{
		httpsig.WithMaxWindow(cfg.Signature.MaxWindow),
		httpsig.WithLogger(logger),
		httpsig.WithMetrics(reg),
	}
	if len(cfg.Signature.Tags) > 0 {
		opts = append(opts, httpsig.WithTags(cfg.Signature.Tags...))
	}
	return httpsig.NewVerifier(resolver, nonces, opts...), nil
}

func buildIssuer(cfg *config.Config, store receipt.Store, logger *slog.Logger) (*receipt.Issuer, error) {
	var pemData []byte
	switch {
	case cfg.Receipts.KeyPath != "":
		data, err := os.ReadFile(cfg.Receipts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("receipt key: %w", err)
		}
		pemData = data
	case cfg.Receipts.KeyPEM != "":
		pemData = []byte(cfg.Receipts.KeyPEM)
	}

	var key ed25519.PrivateKey
	if pemData != nil {
		var err error
		if key, err = receipt.ParseKeyPEM(pemData); err != nil {
			return nil, fmt.Errorf("receipt key: %w", err)
		}
	} else {
		logger.Warn("no receipt key configured, using an ephemeral key; receipts will not verify after a restart")
		var err error
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, err
		}
	}
	return receipt.NewIssuer(key, cfg.Receipts.KeyID, store, receipt.WithLogger(logger))
}

// buildConnectors registers the HTTP connector. With a forward key the
// connector signs its origin requests.
func buildConnectors(cfg *config.Config, logger *slog.Logger) catalog.Connectors {
	client := &http.Client{Timeout: 30 * time.Second}
	if cfg.Forward.KeyPath != "" {
		signer, err := loadSigner(cfg.Forward.KeyPath, cfg.Forward.KeyID)
		if err != nil {
			logger.Warn("origin signing disabled", "error", err)
		} else {
			client.Transport = &paygatehttp.Transport{Signer: signer, Logger: logger}
		}
	}
	return catalog.Connectors{
		"http": &catalog.HTTPFetcher{Client: client, MaxBytes: catalog.DefaultMaxFetchBytes},
	}
}

func buildSettlement(cfg *config.Config, solanaRPC *rpc.Client, logger *slog.Logger) (*settlement.Adapter, error) {
	fac := &facilitator.Client{
		BaseURL:  cfg.X402.FacilitatorURL,
		Timeouts: facilitator.DefaultTimeouts,
		Logger:   logger,
	}
	if cfg.X402.CDPKeyID != "" {
		auth, err := facilitator.NewCDPAuth(cfg.X402.CDPKeyID, cfg.X402.CDPKeySecret)
		if err != nil {
			return nil, err
		}
		fac.AuthorizationProvider = auth.Provider()
	}

	opts := []settlement.Option{
		settlement.WithCapabilities(facilitator.NewCapabilities(fac, facilitator.WithCapabilitiesLogger(logger))),
		settlement.WithLogger(logger),
	}
	custodial, err := custodialSigners(cfg, solanaRPC)
	if err != nil {
		return nil, err
	}
	if len(custodial) > 0 {
		opts = append(opts, settlement.WithSigners(custodial...))
	}

	return settlement.New(settlement.Config{
		Network:           cfg.X402.Network,
		PayTo:             cfg.X402.PayTo,
		Asset:             cfg.X402.Asset,
		Decimals:          cfg.X402.Decimals,
		MaxTimeoutSeconds: cfg.X402.MaxTimeoutSeconds,
	}, fac, opts...)
}

// custodialSigners builds the delegated payers for the settlement network.
func custodialSigners(cfg *config.Config, solanaRPC *rpc.Client) ([]paygate.Signer, error) {
	netType, err := paygate.ValidateNetwork(cfg.X402.Network)
	if err != nil {
		return nil, err
	}
	switch {
	case netType == paygate.NetworkTypeEVM && cfg.Custodial.EVMMnemonic != "":
		vault, err := evmsigner.NewHDVault(cfg.Custodial.EVMMnemonic, "")
		if err != nil {
			return nil, fmt.Errorf("custodial.evm_mnemonic: %w", err)
		}
		s, err := evmsigner.NewSigner(vault, cfg.X402.Network)
		if err != nil {
			return nil, err
		}
		return []paygate.Signer{s}, nil
	case netType == paygate.NetworkTypeSVM && cfg.Custodial.KeystoreDir != "":
		vault, err := svmsigner.NewKeystoreVault(cfg.Custodial.KeystoreDir, cfg.Custodial.Passphrase)
		if err != nil {
			return nil, err
		}
		s, err := svmsigner.NewSigner(vault, cfg.X402.Network, solanaRPC)
		if err != nil {
			return nil, err
		}
		return []paygate.Signer{s}, nil
	}
	return nil, nil
}

// Package core wires the purchase and profile components into the single
// object host SDKs talk to.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"paykit/internal/billing"
	"paykit/internal/config"
	"paykit/internal/database"
	"paykit/internal/ledger"
	"paykit/internal/metrics"
	"paykit/internal/models"
	"paykit/internal/products"
	"paykit/internal/profile"
	"paykit/internal/purchase"
	"paykit/internal/remote"
	"paykit/internal/retry"
	"paykit/pkg/logging"
)

// ErrNotActivated is returned by every call made before Activate.
var ErrNotActivated = profile.ErrNotActivated

// Options carries the host-provided collaborators.
type Options struct {
	// Platform is the billing service. Required.
	Platform billing.Platform
	// DB overrides the database opened from the config.
	DB *gorm.DB
	// Registerer receives the metrics; nil keeps them unregistered.
	Registerer     prometheus.Registerer
	Installation   profile.InstallationProvider
	CustomerUserID string
	Observer       purchase.StateObserver
	HTTPClient     *http.Client
	// Immediate disables retry delays.
	Immediate bool
}

// Core is the engine behind the SDK facade.
type Core struct {
	cfg    *config.Config
	logger logging.Logger

	db      *gorm.DB
	ownsDB  bool
	rdb     *redis.Client
	metrics *metrics.Metrics
	runner  *retry.Runner

	gateway   *billing.Gateway
	remote    *remote.Client
	products  *products.Service
	engine    *profile.Engine
	ledger    *ledger.Ledger
	validator *purchase.Validator
	orch      *purchase.Orchestrator

	mu        sync.RWMutex
	activated bool
}

// New builds a Core from cfg. Nothing talks to the network until Activate.
func New(cfg *config.Config, opts Options) (*Core, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("core: billing platform is required")
	}
	c := &Core{
		cfg:     cfg,
		logger:  logging.NewComponentLogger("core"),
		metrics: metrics.New(opts.Registerer),
		db:      opts.DB,
	}
	c.runner = &retry.Runner{Metrics: c.metrics, Logger: logging.NewComponentLogger("retry"), Delay: cfg.RetryDelay, Immediate: opts.Immediate}

	if c.db == nil {
		db, err := database.Open(cfg)
		if err != nil {
			return nil, err
		}
		c.db, c.ownsDB = db, true
	}

	store, err := c.ledgerStore()
	if err != nil {
		c.Close()
		return nil, err
	}

	remoteOpts := []remote.Option{remote.WithTimeout(cfg.HTTPTimeout)}
	if opts.HTTPClient != nil {
		remoteOpts = append([]remote.Option{remote.WithHTTPClient(opts.HTTPClient)}, remoteOpts...)
	}
	c.remote = remote.NewClient(cfg.BaseURL, cfg.APIKey, remoteOpts...)
	c.gateway = billing.NewGateway(opts.Platform, billing.WithMetrics(c.metrics))
	c.products = products.NewService(c.gateway, products.WithRunner(c.runner), products.WithCacheTTL(cfg.ProductCacheTTL))
	c.ledger = ledger.New(store, ledger.WithMetrics(c.metrics))

	engineOpts := []profile.Option{
		profile.WithRunner(c.runner),
		profile.WithMetrics(c.metrics),
		profile.WithCountrySource(c.gateway),
		profile.WithCustomerUserID(opts.CustomerUserID),
	}
	if opts.Installation != nil {
		engineOpts = append(engineOpts, profile.WithInstallation(opts.Installation))
	}
	c.engine = profile.NewEngine(c.remote, database.NewPreferences(c.db), engineOpts...)

	c.validator = purchase.NewValidator(c.remote, c.engine, c.gateway, c.runner, nil)
	c.engine.AttachSync(profile.SyncDeps{
		Replayer: c.validator,
		Ledger:   c.ledger,
		History:  c.gateway,
		Products: c.products,
	})

	orchOpts := []purchase.Option{
		purchase.WithRunner(c.runner),
		purchase.WithMetrics(c.metrics),
		purchase.WithProfileID(c.profileID),
	}
	if opts.Observer != nil {
		orchOpts = append(orchOpts, purchase.WithObserver(opts.Observer))
	}
	c.orch = purchase.New(c.gateway, c.products, c.validator, c.ledger, orchOpts...)
	return c, nil
}

func (c *Core) ledgerStore() (ledger.Store, error) {
	switch strings.ToLower(c.cfg.LedgerBackend) {
	case config.LedgerBackendMemory:
		return ledger.NewMemoryStore(), nil
	case config.LedgerBackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := database.OpenRedis(ctx, c.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		c.rdb = rdb
		return ledger.NewRedisStore(rdb, "paykit"), nil
	default:
		return ledger.NewGormStore(c.db), nil
	}
}

func (c *Core) profileID() string {
	p, err := c.engine.Current()
	if err != nil {
		return ""
	}
	return p.ProfileID
}

func (c *Core) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.activated {
		return ErrNotActivated
	}
	return nil
}

// Activate prepares local storage, loads the cached profile and warms up the
// billing connection. Calling it again is a no-op.
func (c *Core) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activated {
		return nil
	}

	if err := database.Migrate(c.db, database.ClientModels()...); err != nil {
		return fmt.Errorf("activate: migrate: %w", err)
	}
	if err := c.engine.Activate(ctx); err != nil {
		return err
	}
	if _, err := retry.Do(ctx, c.runner, retry.Connection, c.gateway.StoreCountry); err != nil {
		c.logger.Warn("billing service not reachable yet: %v", err)
	}
	c.activated = true
	return nil
}

func (c *Core) GetOrCreateProfile(ctx context.Context) (*models.Profile, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.engine.GetOrCreateProfile(ctx)
}

func (c *Core) UpdateProfile(ctx context.Context, params models.ProfileParams) (*models.Profile, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.engine.UpdateProfile(ctx, params)
}

// MakePurchase buys product. See purchase.Orchestrator.MakePurchase.
func (c *Core) MakePurchase(ctx context.Context, host billing.UIHost, product models.PurchasableProduct, replacement *models.ReplacementParams) (*purchase.Result, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.orch.MakePurchase(ctx, host, product, replacement)
}

func (c *Core) SyncPurchases(ctx context.Context) (*models.Profile, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.engine.SyncPurchases(ctx)
}

func (c *Core) GetPaywall(ctx context.Context, placementID, locale string) (*models.Paywall, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return retry.Do(ctx, c.runner, retry.Paywall, func(ctx context.Context) (*models.Paywall, error) {
		return c.remote.GetPaywall(ctx, placementID, locale)
	})
}

func (c *Core) GetPaywallProducts(ctx context.Context, paywall *models.Paywall) ([]models.PurchasableProduct, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.products.PaywallProducts(ctx, paywall)
}

// GetPaywallUI fetches the UI description once; failures are not retried.
func (c *Core) GetPaywallUI(ctx context.Context, paywallID string) (json.RawMessage, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.remote.GetPaywallUI(ctx, paywallID)
}

// TrackEvent forwards an analytics event tagged with the current profile.
func (c *Core) TrackEvent(ctx context.Context, eventType string, payload map[string]any) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.remote.SendEvents(ctx, []remote.Event{{
		Type:      eventType,
		ProfileID: c.profileID(),
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}})
}

// PendingPurchases lists purchases waiting for validation.
func (c *Core) PendingPurchases(ctx context.Context) ([]models.UnsyncedPurchaseRecord, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.ledger.Pending(ctx)
}

// Subscribe streams profile snapshots; see profile.Engine.Subscribe.
func (c *Core) Subscribe() (<-chan *models.Profile, func()) {
	return c.engine.Subscribe()
}

func (c *Core) Logout(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.engine.Logout(ctx)
}

// Close ends the billing connection and closes what New opened.
func (c *Core) Close() {
	if c.gateway != nil {
		c.gateway.Close()
	}
	var db *gorm.DB
	if c.ownsDB {
		db = c.db
	}
	database.Close(db, c.rdb)
}

package api

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"paykit/internal/config"
	"paykit/internal/middleware"
	"paykit/internal/models"
	"paykit/internal/services"
)

// DefaultPaywallProducts are offered at the seeded placement.
var DefaultPaywallProducts = []models.PaywallProduct{
	{VendorProductID: "premium_monthly", Type: models.ProductTypeSubs, BasePlanID: "monthly"},
	{VendorProductID: "premium_lifetime", Type: models.ProductTypeInApp},
	{VendorProductID: "coins_100", Type: models.ProductTypeInApp, IsConsumable: true},
}

// NewHandler wires the authority services on db. rdb may be nil; reg, when
// set, receives the HTTP metrics and backs /metrics.
func NewHandler(cfg *config.Config, db *gorm.DB, rdb *redis.Client, reg *prometheus.Registry) *Handler {
	profiles := services.NewProfileService(db, services.NewProfileCache(rdb))
	purchases := services.NewPurchaseService(db, profiles)
	purchases.Notifier = services.NewWebhookNotifier()
	h := &Handler{
		Projects:  services.NewProjectService(db),
		Profiles:  profiles,
		Purchases: purchases,
		Paywalls:  services.NewPaywallService(db),
		Events:    services.NewEventService(db),
		Limiter:   middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if reg != nil {
		h.Metrics = middleware.NewHTTPMetrics(reg)
		h.Gatherer = reg
	}
	return h
}

// Seed creates the default project keyed by cfg.APIKey and its paywall.
func (h *Handler) Seed(ctx context.Context, cfg *config.Config) error {
	project, err := h.Projects.EnsureDefaultProject(ctx, cfg.APIKey, cfg.AccessLevel)
	if err != nil {
		return fmt.Errorf("seed project: %w", err)
	}
	if err := h.Paywalls.SeedDefaults(ctx, project.ProjectID, DefaultPaywallProducts); err != nil {
		return fmt.Errorf("seed paywall: %w", err)
	}
	return nil
}

// NewRouter returns a gin engine serving h.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	SetupRoutes(r, h)
	return r
}

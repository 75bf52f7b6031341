package purchase

import (
	"context"
	"fmt"

	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/internal/retry"
	"paykit/pkg/logging"
)

// Authority verifies purchases.
type Authority interface {
	ValidatePurchase(ctx context.Context, req remote.ValidateRequest) (*models.Profile, error)
}

// Profiles is the profile engine as seen by the validator.
type Profiles interface {
	GetOrCreateProfile(ctx context.Context) (*models.Profile, error)
	Apply(ctx context.Context, profile *models.Profile) (*models.Profile, error)
}

// Settler finishes a validated purchase on the platform.
type Settler interface {
	Acknowledge(ctx context.Context, purchaseToken string) error
	Consume(ctx context.Context, purchaseToken string) error
}

// Validator submits platform purchases to the authority and applies the
// returned profile.
type Validator struct {
	authority Authority
	profiles  Profiles
	settler   Settler
	runner    *retry.Runner
	logger    logging.Logger
}

func NewValidator(authority Authority, profiles Profiles, settler Settler, runner *retry.Runner, logger logging.Logger) *Validator {
	if logger == nil {
		logger = logging.NewComponentLogger("validator")
	}
	return &Validator{authority: authority, profiles: profiles, settler: settler, runner: runner, logger: logger}
}

// Validate runs under the validation retry policy. The profile is created
// first when the device has none yet.
func (v *Validator) Validate(ctx context.Context, purchase models.Purchase, product models.PurchasableProduct) (*models.Profile, error) {
	current, err := v.profiles.GetOrCreateProfile(ctx)
	if err != nil {
		return nil, err
	}
	req := remote.ValidateRequest{
		ProfileID: current.ProfileID,
		Purchase:  remote.SnapshotOf(purchase, product),
	}
	profile, err := retry.Do(ctx, v.runner, retry.Validation, func(ctx context.Context) (*models.Profile, error) {
		return v.authority.ValidatePurchase(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("validate purchase %s: %w", purchase.PurchaseToken, err)
	}
	v.logger.Info("purchase %s validated for profile %s", purchase.PurchaseToken, profile.ProfileID)
	return v.profiles.Apply(ctx, profile)
}

// Settle consumes a validated consumable or acknowledges anything else not
// yet acknowledged. Failures are logged only. step, when set, is told the
// state entered.
func (v *Validator) Settle(ctx context.Context, purchase models.Purchase, product models.PurchasableProduct, step func(State)) {
	if v.settler == nil {
		return
	}
	if step == nil {
		step = func(State) {}
	}
	switch {
	case product.IsConsumable:
		step(StateConsuming)
		if err := v.settler.Consume(ctx, purchase.PurchaseToken); err != nil {
			v.logger.Warn("consume %s: %v", purchase.PurchaseToken, err)
		}
	case !purchase.IsAcknowledged:
		step(StateAcknowledging)
		if err := v.settler.Acknowledge(ctx, purchase.PurchaseToken); err != nil {
			v.logger.Warn("acknowledge %s: %v", purchase.PurchaseToken, err)
		}
	}
}

// Replay validates a purchase kept in the ledger and settles it on the
// platform once the authority accepted it.
func (v *Validator) Replay(ctx context.Context, rec models.UnsyncedPurchaseRecord) (*models.Profile, error) {
	profile, err := v.Validate(ctx, rec.Purchase, rec.Product)
	if err != nil {
		return nil, err
	}
	v.Settle(ctx, rec.Purchase, rec.Product, nil)
	return profile, nil
}

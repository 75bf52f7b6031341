package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"paykit/internal/billing"
	"paykit/internal/billing/sandbox"
	"paykit/internal/config"
	"paykit/internal/core"
	"paykit/internal/models"
	"paykit/internal/profile"
	"paykit/internal/purchase"
	"paykit/pkg/logging"
)

type cli struct {
	customerUserID string
	placement      string
	locale         string
	grants         []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "paykit",
		Short:        "Drive the purchase engine against the sandbox billing platform",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.customerUserID, "customer-user-id", "", "Identify the profile with this user id")
	root.PersistentFlags().StringVar(&c.placement, "placement", "onboarding", "Paywall placement")
	root.PersistentFlags().StringVar(&c.locale, "locale", "", "Paywall locale")
	root.PersistentFlags().StringSliceVar(&c.grants, "owned", nil, "Products the sandbox account already owns")

	root.AddCommand(c.profileCommand(), c.paywallCommand(), c.purchaseCommand(), c.syncCommand(), c.ledgerCommand())
	return root
}

// sandboxPlatform mirrors the products the sandbox authority seeds.
func (c *cli) sandboxPlatform() *sandbox.Platform {
	p := sandbox.New()
	p.AddSubscription("premium_monthly", "monthly", "P1M", 4_990_000, "USD")
	p.AddOneTime("premium_lifetime", 49_990_000, "USD")
	p.AddOneTime("coins_100", 990_000, "USD")
	for _, id := range c.grants {
		p.GrantPurchase(id)
	}
	return p
}

// run activates a core for one command.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, pk *core.Core) error) error {
	if err := config.InitConfig(); err != nil {
		return err
	}
	cfg := config.AppConfig
	logging.InitLogging(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cmd.ErrOrStderr()})

	pk, err := core.New(cfg, core.Options{
		Platform:       c.sandboxPlatform(),
		CustomerUserID: c.customerUserID,
		Observer: purchase.ObserverFunc(func(productID string, s purchase.State) {
			logging.Debugf("purchase %s: %s", productID, s)
		}),
		Installation: profileInstallation(),
	})
	if err != nil {
		return err
	}
	defer pk.Close()

	ctx := cmd.Context()
	if err := pk.Activate(ctx); err != nil {
		return err
	}
	return fn(ctx, pk)
}

func profileInstallation() profile.InstallationFunc {
	return func(context.Context) (models.InstallationMeta, error) {
		return models.InstallationMeta{Platform: "cli", OS: "sandbox", SDKVersion: "paykit-cli"}, nil
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) profileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Print the profile, creating it when needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, pk *core.Core) error {
				profile, err := pk.GetOrCreateProfile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, profile)
			})
		},
	}
}

func (c *cli) paywallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paywall [placement]",
		Short: "List the products of a placement's paywall",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			placement := c.placement
			if len(args) == 1 {
				placement = args[0]
			}
			return c.run(cmd, func(ctx context.Context, pk *core.Core) error {
				paywall, err := pk.GetPaywall(ctx, placement, c.locale)
				if err != nil {
					return err
				}
				products, err := pk.GetPaywallProducts(ctx, paywall)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%s, revision %d)\n", paywall.Name, paywall.PaywallID, paywall.Revision)
				for _, p := range products {
					micros, currency := p.Price()
					fmt.Fprintf(out, "  %-20s %-6s %10.2f %s\n", p.VendorProductID, p.Type, float64(micros)/1e6, currency)
				}
				return nil
			})
		},
	}
}

func (c *cli) findProduct(ctx context.Context, pk *core.Core, productID string) (models.PurchasableProduct, error) {
	paywall, err := pk.GetPaywall(ctx, c.placement, c.locale)
	if err != nil {
		return models.PurchasableProduct{}, err
	}
	products, err := pk.GetPaywallProducts(ctx, paywall)
	if err != nil {
		return models.PurchasableProduct{}, err
	}
	for _, p := range products {
		if p.VendorProductID == productID {
			return p, nil
		}
	}
	return models.PurchasableProduct{}, fmt.Errorf("%s is not offered at placement %s", productID, c.placement)
}

func (c *cli) purchaseCommand() *cobra.Command {
	var replace string
	var mode int
	cmd := &cobra.Command{
		Use:   "purchase <product-id>",
		Short: "Buy a product from the placement's paywall",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, pk *core.Core) error {
				product, err := c.findProduct(ctx, pk, args[0])
				if err != nil {
					return err
				}
				var replacement *models.ReplacementParams
				if replace != "" {
					replacement = &models.ReplacementParams{OldVendorProductID: replace, ReplacementMode: mode}
				}
				res, err := pk.MakePurchase(ctx, billing.ImmediateUIHost, product, replacement)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&replace, "replace", "", "Active subscription to replace")
	cmd.Flags().IntVar(&mode, "replacement-mode", 0, "Platform replacement mode")
	return cmd
}

func (c *cli) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay unsynced purchases and restore purchase history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, pk *core.Core) error {
				profile, err := pk.SyncPurchases(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, profile)
			})
		},
	}
}

func (c *cli) ledgerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "List purchases waiting for validation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, pk *core.Core) error {
				pending, err := pk.PendingPurchases(ctx)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no unsynced purchases")
					return nil
				}
				return printJSON(cmd, pending)
			})
		},
	}
}

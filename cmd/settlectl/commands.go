package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/bootstrap"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/settlement"
)

// withContainer builds the engine from the environment, runs fn and closes
// everything afterwards. SIGINT cancels ctx.
func withContainer(cmd *cobra.Command, fn func(ctx context.Context, c *bootstrap.Container, logger *zap.Logger) error) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := zap.NewNop()
	if verbose {
		logger = logging.New(logging.Options{Level: zap.DebugLevel})
	}
	defer logger.Sync()

	c, err := bootstrap.NewContainer(config.Load(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, c, logger)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Complete confirmed bookings whose stay has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container, _ *zap.Logger) error {
				n, err := c.Engine.CompleteElapsed(ctx)
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				fmt.Printf("completed %d booking(s)\n", n)
				return nil
			})
		},
	}
}

func payoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Inspect and process host payouts",
	}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List bookings eligible for payout",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container, _ *zap.Logger) error {
				items, err := c.Engine.ListPending(ctx, settlement.SystemActor, settlement.UserID(host))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BOOKING\tHOST\tAMOUNT\tELIGIBLE SINCE")
				for _, p := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\n",
						p.Booking.ID, p.Booking.HostID, p.Amount.StringFixed(2), p.Booking.Currency,
						p.EligibleSince.Format(time.DateOnly))
				}
				return tw.Flush()
			})
		},
	}
	pending.Flags().String("host", "", "Only list this host's bookings")

	processAll := &cobra.Command{
		Use:   "process-all",
		Short: "Pay every eligible booking through the configured rail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container, _ *zap.Logger) error {
				result, err := c.Engine.ProcessAllPending(ctx, settlement.SystemActor)
				if result != nil {
					fmt.Printf("processed %d payout(s), total %s\n", result.ProcessedCount, result.TotalAmount.StringFixed(2))
					for _, f := range result.Failed {
						fmt.Printf("  failed %s: %v\n", f.BookingID, f.Err)
					}
				}
				return err
			})
		},
	}

	cmd.AddCommand(pending, processAll)
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <scenario-id>",
		Short: "Reset the store and load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, func(ctx context.Context, c *bootstrap.Container, logger *zap.Logger) error {
				h := api.NewHandler(c.Engine, logger)
				if err := h.LoadScenarioByID(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("loaded scenario %s\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id> <customer|host|admin>",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			cfg := config.Load()
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			role := settlement.Role(args[1])
			switch role {
			case settlement.RoleCustomer, settlement.RoleHost, settlement.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", args[1])
			}
			token, err := api.NewAuthenticator(cfg.Auth.JWTSecret).Issue(settlement.UserID(args[0]), role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

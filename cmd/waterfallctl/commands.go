package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/config"
	"github.com/patrickwarner/openmediation/internal/db"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/waterfallfile"
)

type adminStore interface {
	db.Loader
	EnsureSchema(ctx context.Context) error
	ReplaceAll(ctx context.Context, networks []models.NetworkConfig, entries []models.WaterfallEntry, house []models.HouseCreative) error
	SetNetworkEnabled(ctx context.Context, name string, enabled bool) error
	SetEntriesEnabled(ctx context.Context, network string, types models.AdType, enabled bool) error
}

type notifier interface {
	PublishUpdate(ctx context.Context, reason string) error
}

// cli carries lazily opened connections shared by the subcommands.
type cli struct {
	cfg     config.Config
	logger  *zap.Logger
	store   adminStore
	notify  notifier
	closers []func()
	timeout time.Duration
}

func (c *cli) connect(ctx context.Context) error {
	if c.store != nil {
		return nil
	}
	if c.cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is not set")
	}
	pg, err := db.InitPostgres(ctx, c.cfg.PostgresDSN, 2, 1, time.Minute, time.Minute)
	if err != nil {
		return err
	}
	c.store = pg
	c.closers = append(c.closers, pg.Close)

	if c.cfg.RedisAddr != "" {
		rs, err := db.InitRedis(ctx, c.cfg.RedisAddr)
		if err != nil {
			c.logger.Warn("redis unavailable, servers will not be notified", zap.Error(err))
			return nil
		}
		c.notify = rs
		c.closers = append(c.closers, rs.Close)
	}
	return nil
}

func (c *cli) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// publish tells running servers to reload. Failures are logged only.
func (c *cli) publish(ctx context.Context, reason string) {
	if c.notify == nil {
		return
	}
	if err := c.notify.PublishUpdate(ctx, reason); err != nil {
		c.logger.Warn("publish setup update", zap.Error(err))
	}
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "waterfallctl",
		Short:        "Manage mediation networks and waterfalls",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Timeout for database operations")

	root.AddCommand(
		newValidateCmd(),
		newMigrateCmd(c),
		newImportCmd(c),
		newExportCmd(c),
		newToggleCmd(c, "enable", true),
		newToggleCmd(c, "disable", false),
	)
	return root
}

func summary(s db.Setup) string {
	return fmt.Sprintf("%d networks, %d waterfall entries, %d house creatives",
		len(s.Networks), len(s.Waterfall), len(s.House))
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a waterfall YAML file without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := waterfallfile.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", summary(s))
			return nil
		},
	}
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the mediation tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := c.connect(ctx); err != nil {
				return err
			}
			if err := c.store.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newImportCmd(c *cli) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the stored setup with the contents of a waterfall YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := waterfallfile.Load(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "would import %s\n", summary(s))
				return nil
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := c.connect(ctx); err != nil {
				return err
			}
			if err := c.store.ReplaceAll(ctx, s.Networks, s.Waterfall, s.House); err != nil {
				return err
			}
			c.publish(ctx, "import "+args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", summary(s))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate only")
	return cmd
}

func newExportCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored setup as waterfall YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := c.connect(ctx); err != nil {
				return err
			}
			s, err := c.store.LoadSetup(ctx)
			if err != nil {
				return err
			}
			data, err := waterfallfile.Marshal(s)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newToggleCmd(c *cli, use string, enabled bool) *cobra.Command {
	var types string
	verb := map[bool]string{true: "Enable", false: "Disable"}[enabled]
	cmd := &cobra.Command{
		Use:   use + " <network>",
		Short: verb + " a network in every waterfall, or only for --types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			network := args[0]
			var only models.AdType
			if types != "" {
				t, err := models.ParseAdType(types)
				if err != nil {
					return err
				}
				only = t
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := c.connect(ctx); err != nil {
				return err
			}
			if only == models.AdTypeNone {
				if err := c.store.SetNetworkEnabled(ctx, network, enabled); err != nil {
					return err
				}
				c.publish(ctx, use+" "+network)
				fmt.Fprintf(cmd.OutOrStdout(), "network %s %sd\n", network, use)
				return nil
			}
			if err := c.store.SetEntriesEnabled(ctx, network, only, enabled); err != nil {
				return err
			}
			c.publish(ctx, use+" "+network+" "+only.String())
			fmt.Fprintf(cmd.OutOrStdout(), "network %s %sd for %s\n", network, use, only)
			return nil
		},
	}
	cmd.Flags().StringVar(&types, "types", "", "Ad types to change, e.g. banner|video (default all)")
	return cmd
}

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chn0318/catalogstore/catalog"
	"github.com/chn0318/catalogstore/config"
	"github.com/chn0318/catalogstore/sharedlog"
)

type backendOpener func(*config.Config) (sharedlog.Backend, error)

type app struct {
	v          *viper.Viper
	configFile string
	open       backendOpener
}

func newRootCmd(open backendOpener) *cobra.Command {
	a := &app{v: config.New(), open: open}

	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Inspect and repair a durable catalog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file")
	pf.String(config.KeyLogBackend, config.BackendRemote, "shard storage: memory, pebble or remote")
	pf.String(config.KeyLogServerAddr, "localhost:50051", "log server address")
	pf.String(config.KeyPebbleDir, "catalog-data", "pebble data directory")
	pf.String(config.KeyOrganizationID, "", "organization id")
	pf.String(config.KeyBuildVersion, "v0.1.0", "software version to read and write as")
	pf.String(config.KeyLogLevel, "warn", "log level")
	if err := a.v.BindPFlags(pf); err != nil {
		panic(err)
	}

	root.AddCommand(a.statusCmd(), a.traceCmd(), a.openCmd(), a.editCmd(), a.deleteCmd())
	return root
}

// withCatalog runs fn against a freshly opened unopened catalog and releases
// every resource afterwards.
func (a *app) withCatalog(cmd *cobra.Command, fn func(cfg *config.Config, u *catalog.UnopenedState) error) error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	cfg.SetupLogging(true)
	org, err := cfg.RequireOrganization()
	if err != nil {
		return err
	}
	backend, err := a.open(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx := cmd.Context()
	u, err := catalog.NewUnopenedState(ctx, sharedlog.NewClient(backend, cfg.BuildVersion), org)
	if err != nil {
		return err
	}
	defer u.Expire(ctx)
	log.Debug().Stringer("organization", org).Msg("catalog opened")
	return fn(cfg, u)
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the catalog is initialized and who owns it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCatalog(cmd, func(_ *config.Config, u *catalog.UnopenedState) error {
				ctx := cmd.Context()
				initialized, err := u.IsInitialized(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintf(w, "initialized:\t%t\n", initialized)
				if !initialized {
					return nil
				}
				epoch, err := u.Epoch(ctx)
				switch {
				case errors.Is(err, catalog.ErrUninitialized):
					fmt.Fprintf(w, "epoch:\t-\n")
				case err != nil:
					return err
				default:
					fmt.Fprintf(w, "epoch:\t%d\n", epoch)
				}
				for _, item := range []struct {
					name string
					get  func() (uint64, bool, error)
				}{
					{"user version", func() (uint64, bool, error) { return u.GetUserVersion(ctx) }},
					{"deploy generation", func() (uint64, bool, error) { return u.GetDeploymentGeneration(ctx) }},
				} {
					value, ok, err := item.get()
					if err != nil {
						return err
					}
					if ok {
						fmt.Fprintf(w, "%s:\t%d\n", item.name, value)
					} else {
						fmt.Fprintf(w, "%s:\t-\n", item.name)
					}
				}
				synced, err := u.HasSystemConfigSyncedOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "system config synced:\t%t\n", synced)
				return nil
			})
		},
	}
}

func (a *app) traceCmd() *cobra.Command {
	var consolidated bool
	var only string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print the history of every collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *catalog.CollectionType
			if only != "" {
				c, err := catalog.ParseCollectionType(only)
				if err != nil {
					return err
				}
				filter = &c
			}
			return a.withCatalog(cmd, func(_ *config.Config, u *catalog.UnopenedState) error {
				var (
					trace catalog.Trace
					err   error
				)
				if consolidated {
					trace, err = u.TraceConsolidated(cmd.Context())
				} else {
					trace, err = u.TraceUnconsolidated(cmd.Context())
				}
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "COLLECTION\tKEY\tVALUE\tTS\tDIFF")
				for _, c := range catalog.Collections() {
					if filter != nil && *filter != c {
						continue
					}
					for _, e := range trace[c] {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", c, e.Key, e.Value, e.TS, e.Diff)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&consolidated, "consolidated", false, "collapse the history to its current contents")
	cmd.Flags().StringVar(&only, "collection", "", "only print this collection")
	return cmd
}

func (a *app) openCmd() *cobra.Command {
	var (
		mode             string
		deployGeneration uint64
		epochLowerBound  uint64
	)
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open the catalog, bootstrapping it if needed, and report the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCatalog(cmd, func(_ *config.Config, u *catalog.UnopenedState) error {
				ctx := cmd.Context()
				args := catalog.OpenArgs{EpochLowerBound: catalog.Epoch(epochLowerBound)}
				if cmd.Flags().Changed("deploy-generation") {
					args.DeployGeneration = &deployGeneration
				}
				var (
					s   *catalog.State
					err error
				)
				switch mode {
				case catalog.Writable.String():
					s, err = u.Open(ctx, args)
				case catalog.Savepoint.String():
					s, err = u.OpenSavepoint(ctx, args)
				case catalog.Readonly.String():
					s, err = u.OpenReadOnly(ctx, nil)
				default:
					return fmt.Errorf("unknown mode %q", mode)
				}
				if err != nil {
					return err
				}
				defer s.Expire(ctx)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				defer w.Flush()
				fmt.Fprintf(w, "mode:\t%s\n", s.Mode())
				fmt.Fprintf(w, "epoch:\t%d\n", s.Epoch())
				fmt.Fprintf(w, "upper:\t%d\n", s.Upper())
				counts := s.CollectionCounts()
				for _, c := range catalog.Collections() {
					if n := counts[c]; n != 0 {
						fmt.Fprintf(w, "%s:\t%d\n", c, n)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", catalog.Writable.String(), "writable, savepoint or readonly")
	cmd.Flags().Uint64Var(&deployGeneration, "deploy-generation", 0, "deploy generation to record")
	cmd.Flags().Uint64Var(&epochLowerBound, "epoch-lower-bound", 0, "smallest epoch to take")
	return cmd
}

func (a *app) editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit COLLECTION KEY VALUE",
		Short: "Set a single key, fencing out every other writer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.ParseCollectionType(args[0])
			if err != nil {
				return err
			}
			return a.withCatalog(cmd, func(cfg *config.Config, u *catalog.UnopenedState) error {
				prev, found, err := u.OpenDebug(cfg.DebugRetry()).DebugEdit(cmd.Context(), c, args[1], args[2])
				if err != nil {
					return err
				}
				if found {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s -> %s\n", c, args[1], prev, args[2])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: set to %s\n", c, args[1], args[2])
				}
				return nil
			})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete COLLECTION KEY",
		Short: "Remove a single key, fencing out every other writer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalog.ParseCollectionType(args[0])
			if err != nil {
				return err
			}
			return a.withCatalog(cmd, func(cfg *config.Config, u *catalog.UnopenedState) error {
				if err := u.OpenDebug(cfg.DebugRetry()).DebugDelete(cmd.Context(), c, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: deleted\n", c, args[1])
				return nil
			})
		},
	}
}

// Command srcbuild is the CLI entry point wiring the core resolver and
// builder packages into two subcommands: resolve, for inspecting a
// dependency graph without building, and install, for running the full
// resolve-then-build pipeline end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lsst-dm/srcbuild/internal/builder"
	"github.com/lsst-dm/srcbuild/internal/buildlog"
	"github.com/lsst-dm/srcbuild/internal/config"
	"github.com/lsst-dm/srcbuild/internal/identity"
	"github.com/lsst-dm/srcbuild/internal/log"
	"github.com/lsst-dm/srcbuild/internal/productdb"
	"github.com/lsst-dm/srcbuild/internal/repocache"
	"github.com/lsst-dm/srcbuild/internal/reposource"
	"github.com/lsst-dm/srcbuild/internal/resolver"
)

var (
	cfgPath  string
	verbose  bool
	branches []string
	tag      string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "srcbuild:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "srcbuild",
		Short:         "Source-build orchestrator for a federation of interrelated products",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "srcbuild.toml", "path to the run configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")
	root.PersistentFlags().StringArrayVar(&branches, "branch", nil, "candidate branch/tag, highest priority first (repeatable); overrides the config file's branch list")

	root.AddCommand(newResolveCmd())
	root.AddCommand(newInstallCmd())
	return root
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <product>",
		Short: "Resolve a product's transitive dependency graph without building",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			product := args[0]
			res, _, _, logger, err := wireResolver(ctx)
			if err != nil {
				return err
			}

			logger.Logf("resolving %s", product)
			if err := res.Resolve(ctx, product); err != nil {
				return err
			}

			order, err := res.Graph.DFSPostOrder(product)
			if err != nil {
				return err
			}
			for _, n := range order {
				fmt.Fprintln(cmd.OutOrStdout(), res.Graph.GetName(n))
			}
			return nil
		},
	}
}

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <product>",
		Short: "Resolve and source-build a product and its full dependency closure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			product := args[0]
			res, cache, cfg, logger, err := wireResolver(ctx)
			if err != nil {
				return err
			}

			logger.Logf("resolving %s", product)
			if err := res.Resolve(ctx, product); err != nil {
				return err
			}
			// The builder installs scipipe_conda ahead of every non-bootstrap
			// product, so it must be in the graph even when no table requires it.
			if product != builder.BootstrapMiniconda && product != builder.BootstrapCondaEnv && !res.Graph.Has(builder.BootstrapCondaEnv) {
				if err := res.Resolve(ctx, builder.BootstrapCondaEnv); err != nil {
					return err
				}
			}

			hasher := identity.New(res.Graph, cache.HeadSHA)

			dbPath := filepath.Join(cfg.CloneRoot, ".srcbuild.db")
			db, err := productdb.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			buildLog, err := buildlog.Open("")
			if err != nil {
				return err
			}
			defer buildLog.Close()

			effectiveTag := tag
			if effectiveTag == "" {
				effectiveTag = cfg.Tag
			}

			b := builder.New(cache, res.Graph, hasher, db, builder.Options{
				InstallRoot: cfg.InstallRoot,
				BuildTool:   cfg.BuildTool,
				Version:     cfg.Version,
				Flavor:      cfg.Flavor,
				Tag:         effectiveTag,
			}, nil, nil, buildLog, logger)

			logger.Logf("installing %s", product)
			return b.Install(ctx, product)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "tag to declare the build under (overrides the config file's tag)")
	return cmd
}

// wireResolver loads the run configuration, fetches the remote and local
// product maps, and assembles a Resolver ready to run against the
// configured clone root.
func wireResolver(ctx context.Context) (*resolver.Resolver, *repocache.Cache, config.Config, *log.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, cfg, nil, err
	}

	logger := log.New(logrus.New(), verbose)

	remote, err := reposource.FetchRemote(ctx, cfg.RemotePackageURL)
	if err != nil {
		return nil, nil, cfg, nil, err
	}
	local, err := reposource.LoadLocalOverlay(cfg.LocalOverlay)
	if err != nil {
		return nil, nil, cfg, nil, err
	}
	source := reposource.New(remote, local)

	cache := repocache.New(cfg.CloneRoot, source, logger)

	branchPref := cfg.Branches
	if len(branches) > 0 {
		branchPref = branches
	}

	return resolver.New(cache, source, branchPref, nil), cache, cfg, logger, nil
}

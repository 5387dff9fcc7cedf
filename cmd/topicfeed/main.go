// Package main provides the topicfeed CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gauthierbraillon/topicfeed/internal/aggregator"
	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/internal/config"
	"github.com/gauthierbraillon/topicfeed/internal/display"
	"github.com/gauthierbraillon/topicfeed/internal/ledger"
	"github.com/gauthierbraillon/topicfeed/internal/pagination"
	"github.com/gauthierbraillon/topicfeed/internal/server"
	"github.com/gauthierbraillon/topicfeed/internal/store"
	"github.com/gauthierbraillon/topicfeed/pkg/browser"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveVersion prefers the ldflags version and falls back to the module
// version recorded by go install.
func resolveVersion(v string, bi *debug.BuildInfo) string {
	if v != "dev" {
		return v
	}
	if bi == nil || bi.Main.Version == "" || bi.Main.Version == "(devel)" {
		return "dev"
	}
	return bi.Main.Version
}

// newRootCmd creates the root command for topicfeed CLI.
func newRootCmd() *cobra.Command {
	bi, _ := debug.ReadBuildInfo()
	rootCmd := &cobra.Command{
		Use:     "topicfeed",
		Short:   "Read topic feeds from an on-chain ledger",
		Long:    "Topicfeed merges the chains of the topics you follow into one newest-first feed.",
		Version: resolveVersion(version, bi),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv()
		},
		SilenceUsage: true,
	}

	rootCmd.SetVersionTemplate("topicfeed version {{.Version}}\n")

	rootCmd.AddCommand(newFeedCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

// backend is everything a command needs to read the ledger.
type backend struct {
	cfg    config.Config
	logger *slog.Logger
	client *ledger.Client
	cache  store.Cache
	merger *aggregator.Merger
}

func (b *backend) Close() {
	b.client.Close()
	if err := b.cache.Close(); err != nil {
		b.logger.Warn("failed to close cache", "err", err)
	}
}

func openBackend(ctx context.Context, logOut io.Writer) (*backend, error) {
	cfg, err := config.Load(config.Dir())
	if err != nil {
		return nil, err
	}
	if cfg.RPCURL == "" || cfg.Contract == "" {
		return nil, fmt.Errorf("missing ledger settings: set TOPICFEED_RPC_URL and TOPICFEED_CONTRACT or rpc_url and contract in %s", cfg.Path())
	}
	logger := cfg.Logger(logOut)

	cache, err := store.Open(ctx, cfg.Cache.Driver, cfg.Cache.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	client, err := ledger.Dial(ctx, cfg.RPCURL, cfg.Contract,
		ledger.WithCache(cache),
		ledger.WithLogger(logger),
		ledger.WithTxCacheSize(cfg.Cache.Transactions),
	)
	if err != nil {
		cache.Close()
		return nil, err
	}
	return &backend{
		cfg:    cfg,
		logger: logger,
		client: client,
		cache:  cache,
		merger: aggregator.NewMerger(client, aggregator.WithLogger(logger)),
	}, nil
}

// newFeedCmd creates the feed subcommand.
func newFeedCmd() *cobra.Command {
	var topics []string
	var sortFlag string
	var limit int
	var verbose bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Display the merged feed",
		Long:  "Display the newest items of the followed topics, merged newest first and without duplicates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("invalid limit %d: must be positive", limit)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()

			b, err := openBackend(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer b.Close()

			if len(topics) == 0 {
				topics = b.cfg.Topics
			}
			mode := b.cfg.SortMode()
			if sortFlag != "" {
				if mode, err = chain.ParseSortMode(sortFlag); err != nil {
					return err
				}
			}

			opts := []pagination.Option{pagination.WithLogger(b.logger)}
			if verbose {
				stderr := cmd.ErrOrStderr()
				opts = append(opts, pagination.WithStatusHook(func(status string) {
					fmt.Fprintln(stderr, status)
				}))
			}
			ctrl := pagination.New(ctx, b.client, b.merger, opts...)
			if err := ctrl.StartSession(ctx, topics, mode); err != nil {
				return err
			}
			fillErr := ctrl.Fill(ctx, limit)

			snap := ctrl.Snapshot(0)
			items := snap.Items
			if len(items) > limit {
				items = items[:limit]
			}
			fmt.Fprint(cmd.OutOrStdout(), display.NewTerminalFormatter().FormatFeed(items))
			if fillErr != nil {
				return fmt.Errorf("feed incomplete: %w", fillErr)
			}
			if snap.Exhausted {
				fmt.Fprintln(cmd.ErrOrStderr(), pagination.StatusExhausted)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&topics, "topic", "t", nil, "Topic to follow (repeatable, defaults to the configured follow-set)")
	cmd.Flags().StringVarP(&sortFlag, "sort", "s", "", "Sort mode (trend, time)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of items to display")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print sync progress to stderr")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up after this long")

	return cmd
}

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	var addr string
	var open bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve feed sessions over HTTP",
		Long:  "Expose traversal sessions, a plain-text feed page, health and metrics over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer b.Close()
			if addr == "" {
				addr = b.cfg.Addr
			}

			srv := server.New(ctx, b.client, b.merger,
				server.WithLogger(b.logger),
				server.WithDefaults(b.cfg.Topics, b.cfg.SortMode()),
			)
			defer srv.Close()
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- httpServer.ListenAndServe()
			}()
			b.logger.Info("listening", "addr", addr)
			fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s\n", addr)

			if open {
				url := "http://" + localAddr(addr) + "/feed"
				if err := browser.Open(url); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Could not open browser. Please visit:\n%s\n", url)
				}
			}

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.logger.Info("shutting down")
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (defaults to the configured addr)")
	cmd.Flags().BoolVar(&open, "open", false, "Open the feed page in a browser")

	return cmd
}

// localAddr turns a listen address like ":8080" into one a browser can reach.
func localAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// newConfigCmd creates the config subcommand.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  "View the effective topicfeed configuration or edit the followed topics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Dir())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config directory: %s\n", cfg.Dir)
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "follow <topic>...",
		Short: "Add topics to the follow-set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editTopics(cmd, func(topics []string) []string {
				return aggregator.NormalizeTopics(append(topics, args...))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unfollow <topic>...",
		Short: "Remove topics from the follow-set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drop := make([]string, 0, len(args))
			for _, t := range args {
				drop = append(drop, chain.CanonicalTopic(t))
			}
			return editTopics(cmd, func(topics []string) []string {
				return slices.DeleteFunc(topics, func(t string) bool {
					return slices.Contains(drop, chain.CanonicalTopic(t))
				})
			})
		},
	})

	return cmd
}

func editTopics(cmd *cobra.Command, edit func([]string) []string) error {
	cfg, err := config.LoadFile(config.Dir())
	if err != nil {
		return err
	}
	cfg.Topics = edit(aggregator.NormalizeTopics(cfg.Topics))
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Following: %s\n", strings.Join(cfg.Topics, ", "))
	return nil
}

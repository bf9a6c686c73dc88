// Command reputationd runs one reputation-network node: the gossip
// transport, the milter policy listener, the localhost HTTP surface and
// the local stdin command channel, all sharing one storage handle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reputation-net/node/internal/api"
	"github.com/reputation-net/node/internal/config"
	"github.com/reputation-net/node/internal/gossip"
	"github.com/reputation-net/node/internal/milter"
	"github.com/reputation-net/node/internal/milter/policy"
	"github.com/reputation-net/node/internal/node"
	"github.com/reputation-net/node/internal/storage"
	syncengine "github.com/reputation-net/node/internal/sync"
)

func main() {
	root := &cobra.Command{Use: "reputationd", Short: "reputation-network node"}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.AddCommand(serveCmd())
	root.AddCommand(genkeyCmd())
	root.AddCommand(migrateCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the node: gossip, milter and API listeners, and the stdin command loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store, err := storage.Open(ctx, cfg.Storage.DSN, log)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			engine := syncengine.NewEngine(store, log)

			g, err := gossip.New(ctx, gossip.Config{
				ListenAddr:     cfg.Network.ListenAddr,
				BootstrapPeers: cfg.Network.BootstrapPeers,
				DiscoveryTag:   cfg.Network.DiscoveryTag,
			}, store, engine, log)
			if err != nil {
				return fmt.Errorf("start gossip: %w", err)
			}
			defer g.Close()

			resolver := policy.NewDNSResolver(cfg.Resolver.Server)
			rules, severities := cfg.Policy.Compile()
			milterSrv := milter.NewServer(cfg.Milter.ListenAddr, store, resolver, rules, severities, log)
			apiSrv := api.New(cfg.API.ListenAddr, store, g, cfg, log)
			if !api.IsLoopback(cfg.API.ListenAddr) {
				log.WithField("addr", cfg.API.ListenAddr).Warn("api listen address is not loopback-only; the HTTP surface has no authentication of its own")
			}

			errc := make(chan error, 3)
			go func() { errc <- milterSrv.Serve(ctx) }()
			go func() { errc <- apiSrv.Serve(ctx) }()

			n := node.New(store, engine, g, cfg, log)
			go func() { errc <- n.Run(ctx, os.Stdin) }()

			select {
			case <-ctx.Done():
				return nil
			case err := <-errc:
				return err
			}
		},
	}
}

func genkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "open storage (generating the node's signing key on first run) and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			ctx := context.Background()
			store, err := storage.Open(ctx, cfg.Storage.DSN, log)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			own, err := store.OwnKey(ctx)
			if err != nil {
				return fmt.Errorf("own key: %w", err)
			}
			fmt.Println(own.KeyPair.Public.String())
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply any pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			store, err := storage.Open(context.Background(), cfg.Storage.DSN, log)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return store.Close()
		},
	}
}

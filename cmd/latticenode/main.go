// Command latticenode wires the core block-lattice collaborators (ledger,
// block processor, confirming set, vote cache, request aggregator,
// bootstrap server) into a runnable daemon, following the cobra-driven
// entry point of cmd/synnergy/main.go.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"latticenode/aggregator"
	"latticenode/blockproc"
	"latticenode/bootstrap"
	"latticenode/confirming"
	"latticenode/ledger"
	"latticenode/messages"
	pkgconfig "latticenode/pkg/config"
	"latticenode/stats"
	"latticenode/transport"
	"latticenode/votecache"
)

func main() {
	rootCmd := &cobra.Command{Use: "latticenode"}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start a latticenode daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge over the default config")
	return cmd
}

// node bundles every collaborator started by run, so shutdown can stop
// them: the bootstrap server and aggregator first, then the confirming set,
// the transport, the metrics server and finally the ledger.
type node struct {
	store      *ledger.Store
	confirming *confirming.Set
	aggregator *aggregator.Aggregator
	bootstrap  *bootstrap.Server
	transport  *transport.LibP2PPublisher
	metrics    *http.Server
}

func run(env string) error {
	cfg, err := pkgconfig.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.StandardLogger()
	if cfg.Logging.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			log.SetLevel(lvl)
		}
	}

	sink := stats.NewPrometheusSink()
	reg := stats.New(os.Getenv("NANO_LOG_STATS") == "true", stats.WithSink(sink), stats.WithSink(stats.NewLogSink(log)))
	go reg.Run()
	defer reg.Stop()

	metricsSrv, err := stats.StartMetricsServer(sink, cfg.Logging.MetricsAddr, log)
	if err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	store, err := ledger.Open(ledger.Config{WALPath: cfg.Ledger.WALPath})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	processor := blockproc.New(blockproc.Config{Stats: reg})
	_ = processor // not connected to any inbound path: the transport here only publishes

	confirmSet := confirming.New(store, confirming.Config{
		BatchSize:              cfg.Confirming.BatchSize,
		MaxBlocks:              cfg.Confirming.MaxBlocks,
		MaxQueuedNotifications: cfg.Confirming.MaxQueuedNotifications,
		Logger:                 log,
		Stats:                  reg,
	})
	confirmSet.Start()

	cache := votecache.New(cfg.VoteCache.MaxSize, func(voter ledger.Account) *big.Int {
		w := store.BeginRead().RepWeight(voter)
		if w == nil {
			return big.NewInt(0)
		}
		return w
	})

	pub, err := transport.NewLibP2PPublisher(cfg.Network.ListenAddr, log)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	agg := aggregator.New(store, cache, aggregator.Config{
		MaxQueue:  cfg.Aggregator.MaxQueue,
		Threads:   cfg.Aggregator.Threads,
		BatchSize: cfg.Aggregator.BatchSize,
		Logger:    log,
		Stats:     reg,
		ReplyAction: func(peer string, votes []messages.VoteMessage, publishes []messages.PublishMessage) {
			if len(votes) > 0 {
				_ = pub.Publish(context.Background(), peer, transport.TrafficClassConfirmation, transport.DropPolicyCanDrop, messages.ConfirmAck{Peer: peer, Votes: votes})
			}
			for _, p := range publishes {
				_ = pub.Publish(context.Background(), peer, transport.TrafficClassConfirmation, transport.DropPolicyCanDrop, p)
			}
		},
	})
	agg.Start()

	boot := bootstrap.New(store, pub, bootstrap.Config{
		MaxQueue:  cfg.Bootstrap.MaxQueue,
		Threads:   cfg.Bootstrap.Threads,
		BatchSize: cfg.Bootstrap.BatchSize,
		Logger:    log,
		Stats:     reg,
	})
	boot.Start()

	n := &node{store: store, confirming: confirmSet, aggregator: agg, bootstrap: boot, transport: pub, metrics: metricsSrv}

	log.Info("latticenode started")
	waitForShutdown()
	n.shutdown(log)
	return nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func (n *node) shutdown(log *logrus.Logger) {
	log.Info("latticenode shutting down")
	n.bootstrap.Stop()
	n.aggregator.Stop()
	n.confirming.Stop()
	n.transport.Close()
	_ = stats.ShutdownMetricsServer(context.Background(), n.metrics)
	_ = n.store.Close()
}

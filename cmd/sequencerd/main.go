// Command sequencerd runs a single bridge-sequencer node: the Raft core,
// the signing kernel, the priority queue, and the boundary adapters.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bridge-sequencer/core"
	"bridge-sequencer/pkg/config"
)

// Exit codes per the operator-facing contract: 0 clean shutdown, 2
// configuration error, 3 storage fault, 4 irrecoverable state divergence,
// 5 HSM total outage beyond grace.
const (
	exitOK                = 0
	exitConfigError       = 2
	exitStorageFault      = 3
	exitStateDiverged     = 4
	exitHSMOutage         = 5
)

func main() {
	var env string
	root := &cobra.Command{
		Use:   "sequencerd",
		Short: "run a bridge-sequencer node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	root.Flags().StringVar(&env, "env", "", "environment overlay config name")
	if err := root.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func run(env string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(env)
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		os.Exit(exitConfigError)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = core.NewNodeID()
	}
	logger = logger.WithField("node_id", cfg.NodeID).Logger

	clock := core.SystemClock{}

	node, err := core.NewNode(cfg, clock, logger, nil, nil, nil, nil, nil, nil, nil)
	if err != nil {
		logger.WithError(err).Error("failed to construct node")
		os.Exit(exitConfigError)
	}
	node.SetFatalHandler(func(kind core.ErrKind, err error) {
		logger.WithError(err).WithField("kind", kind).Error("halting: unrecoverable condition detected")
		switch kind {
		case core.ErrStorageFault:
			os.Exit(exitStorageFault)
		case core.ErrStateDiverged:
			os.Exit(exitStateDiverged)
		default:
			os.Exit(exitStateDiverged)
		}
	})
	node.Start()
	defer node.Stop()

	adminSrv := &http.Server{Addr: cfg.AdminRPC.ListenAddr, Handler: core.NewAdminRouter(node, logger)}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("admin RPC server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("admin_addr", cfg.AdminRPC.ListenAddr).Info("sequencerd started")

	<-sigCh
	logger.Info("received shutdown signal, stopping cleanly")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	return nil
}

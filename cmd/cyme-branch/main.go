// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Command cyme-branch is the thin out-of-scope collaborator (spec §1)
// that parses flags/config and wires one branch process: a Supervisor,
// N Controllers sharing one routing table, an HTTP surface and an
// internal watchdog, grounded on the teacher's build/build.go, which
// played the same "flags in, build.Job out" role for the CI-extender
// half of the original repo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/celery/cyme/internal/actor"
	"github.com/celery/cyme/internal/branch"
	"github.com/celery/cyme/internal/broker"
	"github.com/celery/cyme/internal/config"
	"github.com/celery/cyme/internal/controller"
	"github.com/celery/cyme/internal/httpapi"
	"github.com/celery/cyme/internal/instance"
	"github.com/celery/cyme/internal/logx"
	"github.com/celery/cyme/internal/store"
	"github.com/celery/cyme/internal/supervisor"
	"github.com/celery/cyme/internal/watchdog"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "cyme-branch",
		Short: "run one cyme branch process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a branch config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// storeQueueResolver adapts *store.Store to instance.QueueResolver.
type storeQueueResolver struct{ st *store.Store }

func (r storeQueueResolver) Resolve(name string) (*store.Queue, error) {
	return r.st.Queues.Get(name)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logx.SetDebug(cfg.Debug)
	log := logx.For("cyme-branch")

	st, err := store.Open(cfg.DBName)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	restartRate, restartCapacity, err := config.ParseRate(cfg.RestartMaxRate)
	if err != nil {
		return fmt.Errorf("parse restart_max_rate: %w", err)
	}

	pm := instance.NewOSProcessManager(cfg.InstanceRoot)
	control := instance.NewAMQPControlClient(cfg.BrokerURL)
	resolver := storeQueueResolver{st: st}
	adapter := instance.New(pm, control, resolver, cfg.InstanceRoot, nil, nil)

	brk := broker.New(cfg.BrokerURL, broker.DefaultDialer, cfg.Controllers+1, cfg.Controllers+1)

	supCfg := supervisor.DefaultConfig()
	supCfg.Interval = cfg.SupervisorInterval
	supCfg.RestartMaxRatePerSec = restartRate
	supCfg.RestartBucketCapacity = restartCapacity
	supCfg.WaitAfterBrokerRevived = cfg.WaitAfterBrokerRevived

	sup := supervisor.New(supCfg, st, adapter, brk)
	mgr := supervisor.NewLocalInstanceManager(st, sup)

	b := branch.New(branch.DefaultConfig())
	log.Info().Str("branch", b.Short).Msg("starting")

	urls := func() []string { return []string{"http://" + cfg.HTTPAddr} }
	routing := actor.NewRoutingTable(cfg.PresenceInterval * 4)

	b.AddTask(sup.Task(), nil)

	controllers := make([]*controller.Controller, 0, cfg.Controllers)
	for i := 0; i < cfg.Controllers; i++ {
		id := b.ID + ":" + uuid.NewString()[:8]
		ctl := controller.New(id, cfg.BrokerURL, st, mgr, routing, func(ctx context.Context) { b.Shutdown() }, urls)
		controllers = append(controllers, ctl)
		b.AddTask(ctl.Task(), ctl.Ready())
	}

	httpServer := httpapi.NewServer(cfg.HTTPAddr, httpapi.Deps{
		BranchID:    b.ID,
		BranchShort: b.Short,
		URLs:        urls,
		Manager:     mgr,
		Controller:  controllers[0],
		Ledger:      httpapi.NewTaskLedger(),
	})
	b.AddHTTPServer("http", httpServer)

	pingers := make([]watchdog.Pinger, 0, len(controllers)+1)
	pingers = append(pingers, sup.Task())
	for _, ctl := range controllers {
		pingers = append(pingers, ctl.Task())
	}
	wd := watchdog.New(watchdog.DefaultConfig(), pingers...)
	b.AddTask(wd.Task(), nil)

	if err := b.Start(nil); err != nil {
		return fmt.Errorf("start branch: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info().Msg("signal received, shutting down")
	case <-b.Exit():
	}
	b.Shutdown()
	return nil
}

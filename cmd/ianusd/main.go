// Command ianusd wires the NAT table, Packet Rewriter, Relay Engine,
// and StopManager together. It does not implement a real upstream IP
// demultiplexer, TUN device, or CLI flag parsing — those remain
// external collaborators (spec.md §1, §6); demodemux.go stands in for
// the demultiplexer with an in-memory loopback example.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ianus-proxy-core/internal/config"
	"ianus-proxy-core/internal/corelog"
	"ianus-proxy-core/internal/ipproxy"
	"ianus-proxy-core/internal/stopmgr"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ianusd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "ianusd.yaml", "path to the engine config file")
	demo := flag.Bool("demo", false, "exercise recv_handle/send_handle once against a synthetic packet at startup")
	flag.Parse()

	cfgMgr := config.NewManager(*configPath)
	if err := cfgMgr.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()

	log := corelog.New(corelog.Config{Level: cfg.LogLevel})

	bus := corelog.NewEventBus()
	bus.Subscribe(corelog.EventFlowOpened, func(e corelog.Event) {
		p := e.Payload.(corelog.FlowPayload)
		log.Debugf("ianusd", "flow opened src_fd=%d dest_fd=%d", p.SrcFD, p.DestFD)
	})
	bus.Subscribe(corelog.EventFlowClosed, func(e corelog.Event) {
		p := e.Payload.(corelog.FlowPayload)
		log.Debugf("ianusd", "flow closed src_fd=%d dest_fd=%d", p.SrcFD, p.DestFD)
	})

	nat := ipproxy.NewTable()
	engine := ipproxy.NewEngine(nat, bus, log, cfg)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	rewriter := ipproxy.NewRewriter(nat, engine.AnchorPort(), log)
	if *demo {
		demoRecvSend(rewriter, log)
	}

	sm := stopmgr.New()
	if err := engine.WireStop(sm); err != nil {
		return fmt.Errorf("wire stop signal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			log.Infof("ianusd", "received shutdown signal")
			sm.Stop()
		case <-gctx.Done():
		}
		return nil
	})

	log.Infof("ianusd", "anchor port %d ready", engine.AnchorPort())
	return g.Wait()
}

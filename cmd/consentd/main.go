// =============================================================================
// CONSENTD - One Peer of a Replicated Log
// =============================================================================
//
// Runs a single agent over ZeroMQ with its acceptor state in a bbolt file.
// Every line read from stdin is submitted to the log; every decided entry is
// printed to stdout as "<log number>\t<value>".
//
//   consentd -config peer0.yaml
//
// Start one consentd per peer listed in the config. The daemon backfills
// gaps in its log periodically and exits on SIGINT or SIGTERM.
//
// =============================================================================

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	logging "github.com/op/go-logging"

	"github.com/senutpal/consent"
	"github.com/senutpal/consent/internal/logs"
	"github.com/senutpal/consent/internal/storage"
)

var log = logging.MustGetLogger("consentd")

func main() {
	path := flag.String("config", "", "path to the YAML config file")
	level := flag.String("log-level", "", "log level, overrides the config file")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "consentd: -config is required")
		os.Exit(2)
	}
	cfg, err := Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "consentd: %v\n", err)
		os.Exit(2)
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	if err := logs.Setup(os.Stderr, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "consentd: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	db, err := storage.OpenBolt(cfg.DBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	var out sync.Mutex
	a := consent.New()
	a.SetNumPeers(len(cfg.Peers))
	a.SetUniquePeerNumber(cfg.PeerID)
	for i, ep := range cfg.Peers {
		a.SetPeerEndpoint(i, ep)
	}
	for _, ep := range cfg.Multicast {
		a.AddMulticastEndpoint(ep)
	}
	a.SetMessageTimeoutInterval(cfg.Timeout)
	a.SetStorage(db)
	a.SetLogCallback(func(e consent.LogEntry) {
		out.Lock()
		defer out.Unlock()
		fmt.Fprintf(os.Stdout, "%d\t%s\n", e.LogNum, e.Value)
	})
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Close()
	log.Infof("peer %d of %d up, state in %s", cfg.PeerID, len(cfg.Peers), db.Path())

	go submitLines(ctx, a)

	ticker := time.NewTicker(cfg.Backfill)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("shutting down, %.1f%% of replies timed out", a.TimeoutPercent())
			return nil
		case <-ticker.C:
			if err := a.Backfill(); err != nil {
				log.Warningf("backfill: %v", err)
			}
		}
	}
}

func submitLines(ctx context.Context, a *consent.Agent) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		a.Submit([]byte(line))
	}
	if err := sc.Err(); err != nil {
		log.Warningf("stdin: %v", err)
	}
}

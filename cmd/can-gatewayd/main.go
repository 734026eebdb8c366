package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/questrail/gocan"
	"github.com/questrail/gocan/internal/configsel"
	"github.com/questrail/gocan/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("can-gatewayd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	backend, selection, err := configsel.Open(ctx, cfg.backendConfig)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return
	}
	l.Info("backend_selected", "selection", selection)

	comm := gocan.New(ctx, backend,
		gocan.WithQueueCapacity(cfg.queueCapacity),
		gocan.WithCyclicDivisor(cfg.cyclicDivisor),
	)
	defer comm.Shutdown()

	relaySrv := initRelay(cfg, comm, l)
	if relaySrv != nil {
		go func() {
			if err := relaySrv.Serve(ctx); err != nil {
				l.Error("relay_server_error", "error", err)
				cancel()
			}
		}()

		go func() {
			if !cfg.mdnsEnable {
				return
			}
			select {
			case <-relaySrv.Ready():
			case <-ctx.Done():
				return
			}
			portNum := portFromAddr(relaySrv.Addr())
			cleanupMDNS, err := startMDNS(ctx, cfg, selection, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if relaySrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.relayReadTO)
		_ = relaySrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	wg.Wait()
}

// portFromAddr extracts the numeric port from a bound "host:port" address,
// tolerating the bare ":port" form net.Listener.Addr() can return.
func portFromAddr(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, err := strconv.Atoi(p); err == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}

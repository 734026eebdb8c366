package main

import (
	"log/slog"

	"github.com/questrail/gocan"
	"github.com/questrail/gocan/internal/relay"
)

// initRelay wires a monitor/relay TCP server on top of an already-running
// Comm: every inbound frame is broadcast to connected relay clients, and
// frames a relay client sends are forwarded to comm.Send. Returns nil if
// relaying is disabled.
func initRelay(cfg *appConfig, comm *gocan.Comm, l *slog.Logger) *relay.Server {
	if cfg.relayListenAddr == "" {
		return nil
	}

	policy := relay.PolicyDrop
	if cfg.relayHubPolicy == "kick" {
		policy = relay.PolicyKick
	}

	srv := relay.NewServer(
		relay.WithSend(comm.Send),
		relay.WithLogger(l),
		relay.WithListenAddr(cfg.relayListenAddr),
		relay.WithOutBufSize(cfg.relayHubBuffer),
		relay.WithBackpressurePolicy(policy),
		relay.WithMaxClients(cfg.relayMaxClients),
		relay.WithHandshakeTimeout(cfg.relayHandshakeTO),
		relay.WithReadDeadline(cfg.relayReadTO),
		relay.WithFlushInterval(cfg.relayFlushInterval),
		relay.WithBatchSize(cfg.relayBatchSize),
	)

	comm.AddReceiveHandler(srv.Broadcast, nil, false)
	comm.AddReceiveHandler(srv.Broadcast, nil, true)
	return srv
}

// Package node is the NATS-facing base shared by safepart partitions: it connects
// with reconnect handling, registers on safepart.registry and heartbeats.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

// HeartbeatInterval is how often a node publishes its heartbeat.
const HeartbeatInterval = 30 * time.Second

// Config holds connection options for a node.
type Config struct {
	NATSUrl  string
	NATSOpts []nats.Option
}

// StatusFunc reports the live mode and counters included in every heartbeat.
type StatusFunc func() (mode string, counters protocol.Counters, lastCommand time.Time)

// Node is the base for all safepart partitions.
type Node struct {
	Registration protocol.Registration

	nc     *nats.Conn
	logger zerolog.Logger
	status StatusFunc
	cancel context.CancelFunc
}

// New connects to NATS, registers, and starts heartbeating.
func New(cfg Config, reg protocol.Registration, status StatusFunc, logger zerolog.Logger) (*Node, error) {
	nodeLogger := logger.With().Str("partition", reg.Name).Logger()

	// Resilience: infinite reconnect with logging on state changes.
	resilienceOpts := []nats.Option{
		nats.Name(reg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				nodeLogger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			nodeLogger.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			nodeLogger.Warn().Msg("NATS connection closed")
		}),
	}

	opts := append(resilienceOpts, cfg.NATSOpts...)
	nc, err := nats.Connect(cfg.NATSUrl, opts...)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Registration: reg,
		nc:           nc,
		logger:       nodeLogger,
		status:       status,
	}

	if err := n.register(); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.heartbeatLoop(ctx)

	return n, nil
}

func (n *Node) register() error {
	data, err := json.Marshal(n.Registration)
	if err != nil {
		return err
	}
	return n.nc.Publish(protocol.SubjectRegistry, data)
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	// Send an initial heartbeat immediately.
	n.SendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.SendHeartbeat()
		}
	}
}

// SendHeartbeat publishes the current status. The partition also calls it on
// mode changes so the registry does not wait a full interval.
func (n *Node) SendHeartbeat() {
	hb := protocol.Heartbeat{
		Name:   n.Registration.Name,
		Status: "running",
		Mode:   protocol.ModeNominal,
	}
	if n.status != nil {
		hb.Mode, hb.Counters, hb.LastSeen = n.status()
	}
	data, _ := json.Marshal(hb)
	if err := n.nc.Publish(protocol.SubjectHeartbeat(n.Registration.Name), data); err != nil {
		n.logger.Error().Err(err).Msg("failed to send heartbeat")
	}
}

// Conn returns the underlying NATS connection for custom subscriptions.
func (n *Node) Conn() *nats.Conn { return n.nc }

// OnConfigReload registers a callback invoked when a config reload message
// arrives via NATS (broadcast or partition-targeted). Must be called after New().
func (n *Node) OnConfigReload(fn func()) error {
	if _, err := n.nc.Subscribe(protocol.SubjectConfigReload, func(_ *nats.Msg) {
		n.logger.Info().Msg("config reload requested (broadcast)")
		fn()
	}); err != nil {
		return fmt.Errorf("subscribe config reload broadcast: %w", err)
	}

	if _, err := n.nc.Subscribe(protocol.SubjectConfigReloadPartition(n.Registration.Name), func(_ *nats.Msg) {
		n.logger.Info().Msg("config reload requested (targeted)")
		fn()
	}); err != nil {
		return fmt.Errorf("subscribe config reload partition: %w", err)
	}

	return nil
}

// Close stops heartbeating and disconnects.
func (n *Node) Close() {
	if n.cancel != nil {
		n.cancel()
	}
	n.nc.Drain()
}

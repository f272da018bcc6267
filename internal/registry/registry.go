// Package registry tracks the partitions announcing themselves on the bus.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/pkg/node"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

// StaleAfter is how long a partition may go without a heartbeat before it is
// reported as stale.
const StaleAfter = 3 * node.HeartbeatInterval

// partitionState holds the combined registration + last heartbeat data.
type partitionState struct {
	Registration  protocol.Registration
	RegisteredAt  time.Time
	LastHeartbeat protocol.Heartbeat
	LastSeen      time.Time
}

// Registry tracks known partitions.
type Registry struct {
	mu         sync.RWMutex
	partitions map[string]*partitionState
	now        func() time.Time
	logger     zerolog.Logger
	subs       []*nats.Subscription
}

// New creates a Registry and subscribes to the registry and heartbeat subjects.
func New(nc *nats.Conn, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		partitions: make(map[string]*partitionState),
		now:        time.Now,
		logger:     logger.With().Str("component", "registry").Logger(),
	}

	regSub, err := nc.Subscribe(protocol.SubjectRegistry, r.handleRegistration)
	if err != nil {
		return nil, err
	}
	hbSub, err := nc.Subscribe(protocol.SubjectHeartbeatAll, r.handleHeartbeat)
	if err != nil {
		regSub.Unsubscribe()
		return nil, err
	}
	r.subs = []*nats.Subscription{regSub, hbSub}

	r.logger.Info().Msg("partition registry started")
	return r, nil
}

func (r *Registry) handleRegistration(msg *nats.Msg) {
	var reg protocol.Registration
	if err := json.Unmarshal(msg.Data, &reg); err != nil || reg.Name == "" {
		r.logger.Error().Err(err).Msg("bad registration message")
		return
	}
	now := r.now()
	r.mu.Lock()
	if existing, ok := r.partitions[reg.Name]; ok {
		existing.Registration = reg
		existing.RegisteredAt = now
		existing.LastSeen = now
	} else {
		r.partitions[reg.Name] = &partitionState{
			Registration: reg,
			RegisteredAt: now,
			LastSeen:     now,
		}
	}
	r.mu.Unlock()
	r.logger.Info().
		Str("partition", reg.Name).
		Str("version", reg.Version).
		Int("commands", len(reg.Commands)).
		Msg("partition registered")
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.Name == "" {
		r.logger.Error().Err(err).Msg("bad heartbeat message")
		return
	}
	now := r.now()
	r.mu.Lock()
	state, ok := r.partitions[hb.Name]
	if !ok {
		state = &partitionState{
			Registration: protocol.Registration{Name: hb.Name},
			RegisteredAt: now,
		}
		r.partitions[hb.Name] = state
	}
	prevMode := state.LastHeartbeat.Mode
	state.LastHeartbeat = hb
	state.LastSeen = now
	r.mu.Unlock()

	if prevMode != "" && prevMode != hb.Mode {
		r.logger.Warn().
			Str("partition", hb.Name).
			Str("from", prevMode).
			Str("to", hb.Mode).
			Msg("partition mode changed")
	}
}

// Partitions returns a snapshot of all known partitions, sorted by name.
func (r *Registry) Partitions() []protocol.PartitionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	result := make([]protocol.PartitionInfo, 0, len(r.partitions))
	for _, s := range r.partitions {
		result = append(result, s.info(now))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Get returns one partition.
func (r *Registry) Get(name string) (protocol.PartitionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.partitions[name]
	if !ok {
		return protocol.PartitionInfo{}, false
	}
	return s.info(r.now()), true
}

// Count returns the number of known partitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.partitions)
}

// Close unsubscribes from NATS.
func (r *Registry) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
}

func (s *partitionState) info(now time.Time) protocol.PartitionInfo {
	status := "unknown"
	if s.LastHeartbeat.Status != "" {
		status = s.LastHeartbeat.Status
	}
	if now.Sub(s.LastSeen) > StaleAfter {
		status = "stale"
	}
	return protocol.PartitionInfo{
		Name:          s.Registration.Name,
		Version:       s.Registration.Version,
		Status:        status,
		Mode:          s.LastHeartbeat.Mode,
		Commands:      s.Registration.Commands,
		QueueSize:     s.Registration.QueueSize,
		Period:        s.Registration.Period,
		RegisteredAt:  s.RegisteredAt,
		LastHeartbeat: s.LastSeen,
		Counters:      s.LastHeartbeat.Counters,
	}
}

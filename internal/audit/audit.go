// Package audit keeps the durable record of every command outcome.
//
// Partitions publish each protocol.Result on safepart.audit.<partition> with a
// Recorder. safepartd captures that subject tree in the SAFEPART_AUDIT
// JetStream stream and serves recent records back through the control API.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

// StreamName is the JetStream stream holding audit records.
const StreamName = "SAFEPART_AUDIT"

// DefaultMaxRecords caps the stream when the config leaves it unset.
const DefaultMaxRecords = 100_000

// Recorder publishes results to the audit subject of one partition.
type Recorder struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewRecorder creates a Recorder for partition.
func NewRecorder(nc *nats.Conn, partition string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		nc:      nc,
		subject: protocol.SubjectAudit(partition),
		logger:  logger.With().Str("component", "audit").Logger(),
	}
}

// Record publishes res. Publishing is fire-and-forget on the core NATS
// connection so a slow stream never stalls the validator task.
func (r *Recorder) Record(res *protocol.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		r.logger.Error().Err(err).Str("command_id", res.CommandID).Msg("publish audit record")
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// StoreConfig bounds the audit stream.
type StoreConfig struct {
	MaxRecords int64         `mapstructure:"max_records"`
	MaxAge     time.Duration `mapstructure:"max_age"` // 0 keeps records until MaxRecords evicts them
	Memory     bool          `mapstructure:"memory"`
}

// Store reads and maintains the audit stream.
type Store struct {
	stream jetstream.Stream
	logger zerolog.Logger
}

// NewStore creates or updates the audit stream. Old records are discarded
// once MaxRecords is reached.
func NewStore(ctx context.Context, js jetstream.JetStream, cfg StoreConfig, logger zerolog.Logger) (*Store, error) {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "safepart command audit trail",
		Subjects:    []string{protocol.SubjectAuditAll},
		Storage:     storage,
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
		MaxMsgs:     cfg.MaxRecords,
		MaxAge:      cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit stream: %w", err)
	}

	l := logger.With().Str("component", "audit").Logger()
	l.Info().
		Int64("max_records", cfg.MaxRecords).
		Dur("max_age", cfg.MaxAge).
		Msg("audit stream ready")

	return &Store{stream: stream, logger: l}, nil
}

// Count returns the number of records currently held.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit stream info: %w", err)
	}
	return info.State.Msgs, nil
}

// Recent returns up to limit records, newest first. An empty partition
// matches every partition.
func (s *Store) Recent(ctx context.Context, partition string, limit int) ([]protocol.Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	info, err := s.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit stream info: %w", err)
	}

	var subject string
	if partition != "" {
		subject = protocol.SubjectAudit(partition)
	}

	records := make([]protocol.Result, 0, limit)
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0 && len(records) < limit; seq-- {
		msg, err := s.stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return records, fmt.Errorf("read audit record %d: %w", seq, err)
		}
		if subject != "" && msg.Subject != subject {
			continue
		}

		var res protocol.Result
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			s.logger.Warn().Err(err).Uint64("seq", seq).Msg("skipping malformed audit record")
			continue
		}
		if res.Partition == "" {
			res.Partition = strings.TrimPrefix(msg.Subject, "safepart.audit.")
		}
		records = append(records, res)
	}
	return records, nil
}

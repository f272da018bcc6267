package partition

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/internal/audit"
	"github.com/sekia-ai/safepart/internal/web"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

// natsSink publishes every result on the partition's result subject, records
// it on the audit subject and feeds the local result stream.
type natsSink struct {
	nc       *nats.Conn
	subject  string
	recorder *audit.Recorder
	bus      *web.ResultBus
	logger   zerolog.Logger
}

func newNATSSink(nc *nats.Conn, partition string, bus *web.ResultBus, logger zerolog.Logger) *natsSink {
	return &natsSink{
		nc:       nc,
		subject:  protocol.SubjectResults(partition),
		recorder: audit.NewRecorder(nc, partition, logger),
		bus:      bus,
		logger:   logger,
	}
}

func (s *natsSink) Publish(res *protocol.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Error().Err(err).Str("command_id", res.CommandID).Msg("marshal result")
		return
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		s.logger.Error().Err(err).Str("command_id", res.CommandID).Msg("publish result")
	}
	if err := s.recorder.Record(res); err != nil {
		s.logger.Error().Err(err).Str("command_id", res.CommandID).Msg("audit record")
	}
	if s.bus != nil {
		s.bus.Publish(data)
	}
}

// lazySink forwards to a sink attached after the task is built. The NATS
// connection only exists once the node has registered, and the node needs the
// task for its heartbeat status.
type lazySink struct {
	target Sink
}

func (l *lazySink) Publish(res *protocol.Result) {
	if l.target != nil {
		l.target.Publish(res)
	}
}

package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/safepart/internal/catalog"
	"github.com/sekia-ai/safepart/internal/interlock"
	"github.com/sekia-ai/safepart/internal/metrics"
	"github.com/sekia-ai/safepart/internal/queue"
	"github.com/sekia-ai/safepart/internal/sched"
	"github.com/sekia-ai/safepart/internal/trust"
	"github.com/sekia-ai/safepart/internal/validate"
	"github.com/sekia-ai/safepart/internal/web"
	"github.com/sekia-ai/safepart/pkg/node"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

// Version is reported in the partition's registration.
const Version = "0.1.0"

// Task priorities. The validator outranks the plant dynamics.
const (
	validatorPriority = 10
	dynamicsPriority  = 5
)

var _ Interlocks = (*interlock.Engine)(nil)

// Plant is an executor with continuous dynamics, stepped by its own task.
type Plant interface {
	Executor
	Step(dt time.Duration)
	Health() (ok bool, warnings []string)
}

// Agent runs one safety partition: it takes commands off NATS into the
// bounded queue and runs the validator and dynamics tasks under the scheduler.
type Agent struct {
	cfg     Config
	cfgFile string
	plant   Plant
	catalog *catalog.Catalog
	logger  zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	node       *node.Node
	sub        *nats.Subscription
	queue      *queue.Queue[[]byte]
	anchor     *trust.Anchor
	interlocks *interlock.Engine
	task       *Task
	sink       *lazySink
	sched      *sched.Scheduler
	metrics    *metrics.Metrics
	bus        *web.ResultBus
	web        *web.Server

	// Overridable for testing.
	natsOpts []nats.Option
	readyCh  chan struct{}
}

// NewAgent creates a partition agent for plant. cfgFile is re-read on config
// reload. Call Run() to start.
func NewAgent(cfg Config, cfgFile string, plant Plant, cat *catalog.Catalog, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		cfgFile: cfgFile,
		plant:   plant,
		catalog: cat,
		logger:  logger.With().Str("component", "partition").Str("partition", cfg.Name).Logger(),
		stopCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
}

// NewTestAgent creates an Agent that connects with the given in-process NATS
// options.
func NewTestAgent(cfg Config, cfgFile string, plant Plant, cat *catalog.Catalog, natsOpts []nats.Option, logger zerolog.Logger) *Agent {
	a := NewAgent(cfg, cfgFile, plant, cat, logger)
	a.natsOpts = natsOpts
	return a
}

// Run starts the partition and blocks until signal, Stop(), or a task fails.
func (a *Agent) Run() error {
	// 1. Trust anchor, validator, interlocks and the task itself.
	if err := a.build(); err != nil {
		return err
	}

	// 2. Connect, register and start heartbeating.
	n, err := node.New(node.Config{
		NATSUrl:  a.cfg.NATS.URL,
		NATSOpts: a.connectOpts(),
	}, a.registration(), a.task.Status, a.logger)
	if err != nil {
		a.interlocks.Close()
		return fmt.Errorf("connect: %w", err)
	}
	a.node = n
	a.sink.target = newNATSSink(n.Conn(), a.cfg.Name, a.bus, a.logger)
	// The registry should see safe mode now, not at the next heartbeat.
	a.task.OnModeChange(func(string) { n.SendHeartbeat() })

	// 3. Commands go straight into the queue; the validator task is the only consumer.
	a.sub, err = n.Conn().Subscribe(protocol.SubjectCommands(a.cfg.Name), a.handleCommand)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("subscribe commands: %w", err)
	}
	if err := n.OnConfigReload(a.reload); err != nil {
		a.shutdown()
		return err
	}

	// 4. Tasks.
	a.sched = sched.New(a.logger)
	if err := a.createTasks(); err != nil {
		a.shutdown()
		return err
	}
	if err := a.sched.Start(context.Background()); err != nil {
		a.shutdown()
		return err
	}

	// 5. Metrics and health.
	var webErrCh chan error
	if a.cfg.Web.Listen != "" {
		a.web = web.New(web.Config{
			Listen:   a.cfg.Web.Listen,
			Username: a.cfg.Web.Username,
			Password: a.cfg.Web.Password,
		}, a.health, a.metrics.Handler(), a.bus, a.logger)
		if err := a.web.Listen(); err != nil {
			a.shutdown()
			return fmt.Errorf("listen web: %w", err)
		}
		webErrCh = make(chan error, 1)
		go func() {
			if err := a.web.Serve(); err != nil && err != http.ErrServerClosed {
				webErrCh <- err
			}
		}()
	}

	a.logger.Info().
		Str("nats", a.cfg.NATS.URL).
		Int("queue", a.queue.Cap()).
		Dur("period", a.task.cfg.Period).
		Int("keys", a.anchor.Len()).
		Int("interlocks", a.interlocks.Count()).
		Msg("partition started")

	close(a.readyCh)

	// 6. Block on signal, stop, or failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-a.stopCh:
		a.logger.Info().Msg("stop requested, shutting down")
	case <-a.sched.Done():
		a.logger.Error().Msg("partition task exited")
	case err := <-webErrCh:
		a.logger.Error().Err(err).Msg("web server error")
		a.shutdown()
		return err
	}

	return a.shutdown()
}

// Stop signals the agent to shut down. Safe to call more than once and from
// another goroutine.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Ready returns a channel that is closed when the agent has finished starting.
func (a *Agent) Ready() <-chan struct{} {
	return a.readyCh
}

// Task returns the validator task. Nil before Run.
func (a *Agent) Task() *Task { return a.task }

// WebAddr returns the monitoring server's listen address, or "" if disabled.
func (a *Agent) WebAddr() string {
	if a.web == nil {
		return ""
	}
	return a.web.Addr()
}

func (a *Agent) build() error {
	anchor, err := trust.FromConfig(a.cfg.Keys)
	if err != nil {
		return fmt.Errorf("trust anchor: %w", err)
	}
	a.anchor = anchor

	v, err := validate.New(anchor, a.catalog, a.cfg.Validation)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	a.interlocks = interlock.New(a.cfg.Interlocks.Dir, a.cfg.Interlocks.Timeout, a.logger)
	a.interlocks.SetVerifyIntegrity(a.cfg.Interlocks.VerifyIntegrity)
	if err := a.interlocks.LoadDir(); err != nil {
		// Broken rule sets veto everything they could have matched.
		a.logger.Error().Err(err).Msg("interlocks loaded with errors")
	}
	if a.cfg.Interlocks.HotReload {
		if err := a.interlocks.StartWatcher(); err != nil {
			a.interlocks.Close()
			return fmt.Errorf("watch interlocks: %w", err)
		}
	}

	a.queue = queue.New[[]byte](a.cfg.Queue.Size)
	a.metrics = metrics.New(a.cfg.Name)
	a.bus = web.NewResultBus(100)
	a.sink = &lazySink{}

	a.task, err = NewTask(TaskOptions{
		Name:       a.cfg.Name,
		Config:     a.cfg.Task,
		Queue:      a.queue,
		Validator:  v,
		Executor:   a.plant,
		Interlocks: a.interlocks,
		Sink:       a.sink,
		Metrics:    a.metrics,
	}, a.logger)
	if err != nil {
		a.interlocks.Close()
		return err
	}
	return nil
}

func (a *Agent) createTasks() error {
	if err := a.sched.Create(sched.Task{
		Name:      "validator",
		Priority:  validatorPriority,
		StackHint: 8 << 10,
		Entry:     a.task.Run,
	}); err != nil {
		return err
	}

	period := a.cfg.Dynamics.Period
	if period <= 0 {
		return nil
	}
	return a.sched.Create(sched.Task{
		Name:      "dynamics",
		Priority:  dynamicsPriority,
		StackHint: 4 << 10,
		Entry: func(ctx context.Context) error {
			return sched.Every(ctx, period, func(context.Context) error {
				a.plant.Step(period)
				return nil
			}, func(missed int) {
				a.logger.Warn().Int("missed", missed).Msg("dynamics overrun")
			})
		},
	})
}

func (a *Agent) connectOpts() []nats.Option {
	opts := append([]nats.Option{}, a.natsOpts...)
	if a.cfg.NATS.Token != "" {
		opts = append(opts, nats.Token(a.cfg.NATS.Token))
	}
	return opts
}

func (a *Agent) registration() protocol.Registration {
	caps := []string{"command-validation", "safe-state", "interlocks"}
	if a.cfg.Web.Listen != "" {
		caps = append(caps, "metrics")
	}
	return protocol.Registration{
		Name:         a.cfg.Name,
		Version:      Version,
		Capabilities: caps,
		Commands:     a.catalog.Names(),
		QueueSize:    a.queue.Cap(),
		Period:       a.task.cfg.Period.String(),
	}
}

// handleCommand runs on the NATS delivery goroutine. It never validates; it
// only queues, and answers a full queue with a rejection.
func (a *Agent) handleCommand(msg *nats.Msg) {
	err := a.queue.Push(msg.Data)
	if err == nil {
		return
	}
	if errors.Is(err, queue.ErrClosed) {
		// Shutting down; the delivery raced the unsubscribe.
		a.logger.Debug().Msg("command arrived after intake closed, dropped")
		return
	}

	a.metrics.QueueDropped.Inc()
	a.metrics.Rejections.WithLabelValues(string(validate.ReasonQueueFull)).Inc()

	// Best effort: the rejection should carry the command id if there is one.
	var head struct {
		ID      string `json:"id"`
		Command string `json:"command"`
		Source  string `json:"source"`
		KeyID   string `json:"key_id"`
	}
	_ = json.Unmarshal(msg.Data, &head)

	a.logger.Warn().
		Err(err).
		Str("command_id", head.ID).
		Int("depth", a.queue.Len()).
		Msg("command dropped")

	a.sink.Publish(&protocol.Result{
		CommandID: head.ID,
		Command:   head.Command,
		Source:    head.Source,
		KeyID:     head.KeyID,
		Partition: a.cfg.Name,
		Status:    protocol.StatusRejected,
		Reason:    string(validate.ReasonQueueFull),
		Error:     err.Error(),
		Mode:      a.task.Mode(),
		Timestamp: time.Now().UTC(),
	})
}

// reload re-reads the key set and the interlock directory. A config that
// fails to load leaves the current trust anchor in place.
func (a *Agent) reload() {
	cfg, err := LoadConfig(a.cfgFile)
	if err != nil {
		a.logger.Error().Err(err).Msg("config reload failed, keeping current keys")
	} else {
		keys, err := trust.ParseKeys(cfg.Keys)
		if err == nil {
			err = a.anchor.Replace(keys)
		}
		if err != nil {
			a.logger.Error().Err(err).Msg("key reload failed, keeping current keys")
		} else {
			a.logger.Info().Int("keys", len(keys)).Msg("trust anchor reloaded")
		}
	}

	if err := a.interlocks.ReloadAll(); err != nil {
		a.logger.Error().Err(err).Msg("interlocks reloaded with errors")
	}
	a.node.SendHeartbeat()
}

func (a *Agent) health() web.Health {
	mode, counters, _ := a.task.Status()
	h := web.Health{
		Partition:  a.cfg.Name,
		Status:     "running",
		Mode:       mode,
		Counters:   counters,
		Interlocks: a.interlocks.Count(),
	}
	if safe, ok := a.task.Safe(); ok {
		h.SafeReason = safe.Reason
	}
	if ok, warnings := a.plant.Health(); !ok {
		h.Status = "degraded"
		h.Warnings = warnings
	}
	return h
}

// shutdown stops intake first, lets the validator drain what was already
// queued, then tears down the rest.
func (a *Agent) shutdown() error {
	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			a.logger.Warn().Err(err).Msg("unsubscribe commands")
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}

	var taskErr error
	if a.sched != nil {
		taskErr = a.sched.Stop()
	}

	if a.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.web.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("web shutdown")
		}
	}
	if a.interlocks != nil {
		a.interlocks.Close()
	}
	if a.node != nil {
		a.node.Close()
	}

	a.logger.Info().Msg("partition stopped")
	return taskErr
}

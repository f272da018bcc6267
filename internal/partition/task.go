package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sekia-ai/safepart/internal/metrics"
	"github.com/sekia-ai/safepart/internal/queue"
	"github.com/sekia-ai/safepart/internal/sched"
	"github.com/sekia-ai/safepart/internal/validate"
	"github.com/sekia-ai/safepart/pkg/protocol"
)

// Safe mode triggers.
const (
	TriggerAuthFailures = "auth_failures"
	TriggerBreakerOpen  = "breaker_open"
	TriggerCommand      = "command"
)

// Executor applies validated commands to the controlled system.
type Executor interface {
	Execute(ctx context.Context, cmd *protocol.Command) (map[string]any, error)
	// EnterSafeState drives the system to its safe configuration.
	EnterSafeState(reason string)
	// State is the snapshot interlock rules are evaluated against.
	State() map[string]any
}

// Interlocks vetoes commands given the current state. *interlock.Engine
// implements it.
type Interlocks interface {
	Check(ctx context.Context, cmd *protocol.Command, state map[string]any) error
}

// Sink receives every result the task produces.
type Sink interface {
	Publish(res *protocol.Result)
}

// TaskConfig tunes the command validator task.
type TaskConfig struct {
	Period               time.Duration `mapstructure:"period"`
	BatchSize            int           `mapstructure:"batch_size"`
	AuthFailureThreshold int           `mapstructure:"auth_failure_threshold"`
	RateLimit            float64       `mapstructure:"rate_limit"` // commands/s, 0 = unlimited
	RateBurst            int           `mapstructure:"rate_burst"`
	BreakerFailures      uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout       time.Duration `mapstructure:"breaker_timeout"`
	ExecTimeout          time.Duration `mapstructure:"exec_timeout"`
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.Period <= 0 {
		c.Period = 20 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.AuthFailureThreshold <= 0 {
		c.AuthFailureThreshold = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = time.Second
	}
	return c
}

// TaskOptions wires a Task to its collaborators. Interlocks and Metrics are
// optional.
type TaskOptions struct {
	Name       string
	Config     TaskConfig
	Queue      *queue.Queue[[]byte]
	Validator  *validate.Validator
	Executor   Executor
	Interlocks Interlocks
	Sink       Sink
	Metrics    *metrics.Metrics
}

// Task is the command validator task. It is the single consumer of the
// partition queue and the only caller of the validator, the interlocks and
// the executor.
type Task struct {
	name       string
	cfg        TaskConfig
	queue      *queue.Queue[[]byte]
	validator  *validate.Validator
	exec       Executor
	interlocks Interlocks
	sink       Sink
	metrics    *metrics.Metrics
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     zerolog.Logger

	mu          sync.Mutex
	mode        string
	safeTrigger string
	safeReason  string
	safeSince   time.Time
	lastCommand time.Time
	modeHook    func(mode string)

	// Consecutive authentication-class rejections. Consumer goroutine only.
	authFailures int

	received atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	executed atomic.Int64
	failed   atomic.Int64
	overruns atomic.Int64
}

// NewTask builds a task in nominal mode.
func NewTask(opts TaskOptions, logger zerolog.Logger) (*Task, error) {
	if opts.Queue == nil || opts.Validator == nil || opts.Executor == nil || opts.Sink == nil {
		return nil, errors.New("partition: task needs a queue, validator, executor and sink")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(opts.Name)
	}
	cfg := opts.Config.withDefaults()

	t := &Task{
		name:       opts.Name,
		cfg:        cfg,
		queue:      opts.Queue,
		validator:  opts.Validator,
		exec:       opts.Executor,
		interlocks: opts.Interlocks,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		mode:       protocol.ModeNominal,
		logger:     logger.With().Str("component", "validator").Str("partition", opts.Name).Logger(),
	}
	if cfg.RateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    opts.Name + "-executor",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: t.onBreakerChange,
	})
	return t, nil
}

// Run drains the queue once per period until ctx is cancelled, then
// processes whatever is still queued and returns ctx.Err().
func (t *Task) Run(ctx context.Context) error {
	t.logger.Info().
		Dur("period", t.cfg.Period).
		Int("batch_size", t.cfg.BatchSize).
		Msg("validator task started")

	err := sched.Every(ctx, t.cfg.Period, t.RunBatch, t.onOverrun)

	drained := 0
	drainCtx := context.WithoutCancel(ctx)
	for {
		data, ok := t.queue.TryPop()
		if !ok {
			break
		}
		t.Process(drainCtx, data)
		drained++
	}
	t.logger.Info().Int("drained", drained).Msg("validator task stopped")
	return err
}

// RunBatch processes up to BatchSize queued commands without blocking.
func (t *Task) RunBatch(ctx context.Context) error {
	start := time.Now()
	n := 0
	for ; n < t.cfg.BatchSize; n++ {
		data, ok := t.queue.TryPop()
		if !ok {
			break
		}
		t.Process(ctx, data)
	}
	t.metrics.QueueDepth.Set(float64(t.queue.Len()))
	if n > 0 {
		t.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (t *Task) onOverrun(missed int) {
	t.overruns.Add(int64(missed))
	t.metrics.Overruns.Add(float64(missed))
	t.logger.Warn().Int("missed", missed).Dur("period", t.cfg.Period).Msg("period overrun")
}

// Process runs one raw message through the full pipeline, publishes the
// result, and returns it.
func (t *Task) Process(ctx context.Context, data []byte) *protocol.Result {
	t.received.Add(1)
	t.metrics.CommandsReceived.Inc()

	cmd, err := t.validator.Decode(data)
	if err != nil {
		return t.reject(nil, err)
	}
	if err := t.validator.Validate(cmd); err != nil {
		return t.reject(cmd, err)
	}
	t.authFailures = 0
	t.accepted.Add(1)

	spec, _ := t.validator.Spec(cmd.Command)

	if t.Mode() == protocol.ModeSafe && !spec.Safety && !spec.ReadOnly {
		return t.reject(cmd, validate.Rejectf(validate.ReasonSafeState, "partition is in safe mode"))
	}
	if t.limiter != nil && !spec.Safety && !t.limiter.Allow() {
		return t.reject(cmd, validate.Rejectf(validate.ReasonRateLimited, "rate limit %.1f/s exceeded", t.cfg.RateLimit))
	}
	if t.interlocks != nil && !spec.Safety && !spec.ReadOnly {
		if err := t.interlocks.Check(ctx, cmd, t.exec.State()); err != nil {
			return t.reject(cmd, validate.Reject(validate.ReasonInterlock, err))
		}
	}

	t.touch()

	switch cmd.Command {
	case protocol.CmdEnterSafeState:
		reason, _ := cmd.Payload["reason"].(string)
		if reason == "" {
			reason = "requested by " + cmd.Source
		}
		t.EnterSafe(TriggerCommand, reason)
		return t.done(cmd, t.exec.State())
	case protocol.CmdClearSafeState:
		t.clearSafe(cmd)
		return t.done(cmd, t.exec.State())
	}

	return t.execute(ctx, cmd)
}

func (t *Task) execute(ctx context.Context, cmd *protocol.Command) *protocol.Result {
	execCtx, cancel := context.WithTimeout(ctx, t.cfg.ExecTimeout)
	defer cancel()

	start := time.Now()
	out, err := t.breaker.Execute(func() (interface{}, error) {
		return t.exec.Execute(execCtx, cmd)
	})
	t.metrics.ExecDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		t.failed.Add(1)
		t.metrics.CommandsFailed.Inc()
		t.logger.Error().
			Err(err).
			Str("command_id", cmd.ID).
			Str("command", cmd.Command).
			Msg("command failed")
		res := t.result(cmd, protocol.StatusFailed)
		res.Error = err.Error()
		t.sink.Publish(res)
		return res
	}

	output, _ := out.(map[string]any)
	return t.done(cmd, output)
}

func (t *Task) done(cmd *protocol.Command, output map[string]any) *protocol.Result {
	t.executed.Add(1)
	t.metrics.CommandsExecuted.Inc()
	t.logger.Info().
		Str("command_id", cmd.ID).
		Str("command", cmd.Command).
		Str("key_id", cmd.KeyID).
		Msg("command executed")

	res := t.result(cmd, protocol.StatusExecuted)
	res.Output = output
	t.sink.Publish(res)
	return res
}

func (t *Task) reject(cmd *protocol.Command, err error) *protocol.Result {
	reason := validate.ReasonOf(err)
	if reason == "" {
		reason = validate.ReasonMalformed
	}
	t.rejected.Add(1)
	t.metrics.Rejections.WithLabelValues(string(reason)).Inc()

	if cmd == nil {
		cmd = &protocol.Command{}
	}
	t.logger.Warn().
		Str("reason", string(reason)).
		Str("command_id", cmd.ID).
		Str("command", cmd.Command).
		Str("key_id", cmd.KeyID).
		Err(err).
		Msg("command rejected")

	res := t.result(cmd, protocol.StatusRejected)
	res.Reason = string(reason)
	res.Error = err.Error()

	if reason.AuthFailure() {
		t.authFailures++
		if t.authFailures >= t.cfg.AuthFailureThreshold {
			t.EnterSafe(TriggerAuthFailures, fmt.Sprintf("%d consecutive authentication failures", t.authFailures))
			res.Mode = protocol.ModeSafe
		}
	}

	t.sink.Publish(res)
	return res
}

func (t *Task) result(cmd *protocol.Command, status string) *protocol.Result {
	return &protocol.Result{
		CommandID: cmd.ID,
		Command:   cmd.Command,
		Source:    cmd.Source,
		KeyID:     cmd.KeyID,
		Partition: t.name,
		Status:    status,
		Mode:      t.Mode(),
		Timestamp: time.Now().UTC(),
	}
}

// EnterSafe switches to safe mode and runs the executor's safe-state hook.
// It returns false, without running the hook again, when the partition is
// already in safe mode.
func (t *Task) EnterSafe(trigger, reason string) bool {
	t.mu.Lock()
	if t.mode == protocol.ModeSafe {
		t.mu.Unlock()
		return false
	}
	t.mode = protocol.ModeSafe
	t.safeTrigger = trigger
	t.safeReason = reason
	t.safeSince = time.Now()
	t.mu.Unlock()

	t.exec.EnterSafeState(reason)
	t.notifyMode(protocol.ModeSafe)

	t.metrics.SafeMode.Set(1)
	t.metrics.SafeEntries.WithLabelValues(trigger).Inc()
	t.logger.Warn().
		Str("trigger", trigger).
		Str("reason", reason).
		Msg("entered safe mode")
	return true
}

func (t *Task) clearSafe(cmd *protocol.Command) {
	t.mu.Lock()
	was := t.mode
	since := t.safeSince
	t.mode = protocol.ModeNominal
	t.safeTrigger, t.safeReason = "", ""
	t.mu.Unlock()

	t.authFailures = 0
	if was != protocol.ModeSafe {
		return
	}
	t.metrics.SafeMode.Set(0)
	t.logger.Warn().
		Str("key_id", cmd.KeyID).
		Dur("safe_for", time.Since(since)).
		Msg("safe mode cleared")
	t.notifyMode(protocol.ModeNominal)
}

// OnModeChange registers fn to run after every switch between nominal and
// safe mode. It runs on the goroutine that changed the mode.
func (t *Task) OnModeChange(fn func(mode string)) {
	t.mu.Lock()
	t.modeHook = fn
	t.mu.Unlock()
}

func (t *Task) notifyMode(mode string) {
	t.mu.Lock()
	fn := t.modeHook
	t.mu.Unlock()
	if fn != nil {
		fn(mode)
	}
}

func (t *Task) onBreakerChange(name string, from, to gobreaker.State) {
	t.metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
	t.logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("executor breaker state changed")
	if to == gobreaker.StateOpen {
		t.EnterSafe(TriggerBreakerOpen, "executor circuit breaker opened")
	}
}

func (t *Task) touch() {
	t.mu.Lock()
	t.lastCommand = time.Now()
	t.mu.Unlock()
}

// Mode returns the current partition mode.
func (t *Task) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// SafeState describes why the partition is in safe mode.
type SafeState struct {
	Trigger string
	Reason  string
	Since   time.Time
}

// Safe reports the safe-mode details, and false in nominal mode.
func (t *Task) Safe() (SafeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode != protocol.ModeSafe {
		return SafeState{}, false
	}
	return SafeState{Trigger: t.safeTrigger, Reason: t.safeReason, Since: t.safeSince}, true
}

// Status reports the mode, counters and last command time for heartbeats.
func (t *Task) Status() (string, protocol.Counters, time.Time) {
	t.mu.Lock()
	mode, last := t.mode, t.lastCommand
	t.mu.Unlock()

	stats := t.queue.Stats()
	return mode, protocol.Counters{
		Received:   t.received.Load(),
		Accepted:   t.accepted.Load(),
		Rejected:   t.rejected.Load(),
		Executed:   t.executed.Load(),
		Failed:     t.failed.Load(),
		Dropped:    stats.Dropped,
		Overruns:   t.overruns.Load(),
		QueueDepth: stats.Depth,
	}, last
}

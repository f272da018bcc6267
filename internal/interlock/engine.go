// Package interlock runs operator-supplied Lua rules that can veto an
// otherwise valid command given the current vehicle state.
//
// Every .lua file in the interlock directory is a rule set:
//
//	safepart.rule("set_*", function(cmd, state)
//		if state.altitude_m < 100 and cmd.command == "set_landing_gear" then
//			return cmd.payload.extended, "gear must stay down below 100 m"
//		end
//		return true
//	end)
//
// Evaluation fails closed: a rule that errors, times out, returns something
// other than a boolean, or belongs to a rule set that failed to load rejects
// the command.
package interlock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

// minLoadTimeout is the least time a rule file's top-level code gets.
const minLoadTimeout = 250 * time.Millisecond

var (
	ErrVetoed     = errors.New("interlock: command vetoed")
	ErrRuleFailed = errors.New("interlock: rule failed")

	ErrIntegrityViolation = errors.New("interlock: integrity violation")
)

// Veto is returned when a rule answers false.
type Veto struct {
	RuleSet string
	Pattern string
	Reason  string
}

func (v *Veto) Error() string {
	if v.Reason == "" {
		return fmt.Sprintf("vetoed by %s (%s)", v.RuleSet, v.Pattern)
	}
	return fmt.Sprintf("vetoed by %s (%s): %s", v.RuleSet, v.Pattern, v.Reason)
}

func (v *Veto) Unwrap() error { return ErrVetoed }

// RuleSetInfo describes a loaded (or broken) rule set.
type RuleSetInfo struct {
	Name     string    `json:"name"`
	FilePath string    `json:"file_path"`
	Rules    int       `json:"rules"`
	Patterns []string  `json:"patterns"`
	LoadedAt time.Time `json:"loaded_at"`
	Checks   int64     `json:"checks"`
	Vetoes   int64     `json:"vetoes"`
	Errors   int64     `json:"errors"`
	Error    string    `json:"error,omitempty"`
}

// ruleSet is one file's rules and its isolated Lua VM. An LState is not safe
// for concurrent use, so calls into it hold mu.
type ruleSet struct {
	name     string
	filePath string
	mu       sync.Mutex
	L        *lua.LState
	modCtx   *moduleContext
	loadedAt time.Time
	checks   atomic.Int64
	vetoes   atomic.Int64
	errors   atomic.Int64
}

// Engine holds the active rule sets. Checks take the read lock; loads swap
// rule sets under the write lock.
type Engine struct {
	mu              sync.RWMutex
	sets            map[string]*ruleSet
	order           []string
	broken          map[string]error
	dir             string
	timeout         time.Duration
	verifyIntegrity bool
	watcher         *fsnotify.Watcher
	logger          zerolog.Logger
}

// New creates an engine over dir. timeout bounds a single rule call (0 = no
// limit). Nothing is loaded until LoadDir.
func New(dir string, timeout time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		sets:    make(map[string]*ruleSet),
		broken:  make(map[string]error),
		dir:     dir,
		timeout: timeout,
		logger:  logger.With().Str("component", "interlock").Logger(),
	}
}

// Dir returns the rule directory.
func (e *Engine) Dir() string { return e.dir }

// SetVerifyIntegrity requires every rule file to match interlocks.sha256.
func (e *Engine) SetVerifyIntegrity(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verifyIntegrity = v
}

// SetTimeout changes the per-rule timeout for subsequent checks.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

// Count returns the number of loaded rule sets.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sets)
}

// RuleSets returns a snapshot of loaded and broken rule sets.
func (e *Engine) RuleSets() []RuleSetInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]RuleSetInfo, 0, len(e.sets)+len(e.broken))
	for _, name := range e.order {
		rs := e.sets[name]
		patterns := make([]string, len(rs.modCtx.rules))
		for i, r := range rs.modCtx.rules {
			patterns[i] = r.Pattern
		}
		infos = append(infos, RuleSetInfo{
			Name:     rs.name,
			FilePath: rs.filePath,
			Rules:    len(rs.modCtx.rules),
			Patterns: patterns,
			LoadedAt: rs.loadedAt,
			Checks:   rs.checks.Load(),
			Vetoes:   rs.vetoes.Load(),
			Errors:   rs.errors.Load(),
		})
	}
	for name, err := range e.broken {
		infos = append(infos, RuleSetInfo{Name: name, Error: err.Error()})
	}
	return infos
}

// LoadRuleSet loads (or replaces) a single rule file. A failed load marks the
// rule set broken, which rejects every checked command until it loads cleanly
// or is unloaded.
func (e *Engine) LoadRuleSet(name, filePath string) error {
	e.mu.RLock()
	verify := e.verifyIntegrity
	e.mu.RUnlock()

	var manifest *Manifest
	if verify {
		var err error
		if manifest, err = e.requireManifest(); err != nil {
			e.markBroken(name, err)
			return err
		}
	}

	rs, err := e.compile(name, filePath, manifest)
	if err != nil {
		e.markBroken(name, err)
		return err
	}

	e.mu.Lock()
	old := e.sets[name]
	e.sets[name] = rs
	delete(e.broken, name)
	e.reorder()
	e.mu.Unlock()

	if old != nil {
		old.L.Close()
	}

	rs.modCtx.logger.Info().
		Int("rules", len(rs.modCtx.rules)).
		Msg("loaded rule set")
	return nil
}

// Unload removes a rule set, broken or not.
func (e *Engine) Unload(name string) {
	e.mu.Lock()
	rs, ok := e.sets[name]
	delete(e.sets, name)
	delete(e.broken, name)
	e.reorder()
	e.mu.Unlock()

	if ok {
		rs.L.Close()
		e.logger.Info().Str("ruleset", name).Msg("unloaded rule set")
	}
}

// Check runs every rule whose pattern matches cmd.Command, rule sets in name
// order and rules in registration order. It returns nil when all matching
// rules allow the command, a *Veto when one refuses it, and an error wrapping
// ErrRuleFailed when a rule could not give an answer.
func (e *Engine) Check(ctx context.Context, cmd *protocol.Command, state map[string]any) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.broken) > 0 {
		names := make([]string, 0, len(e.broken))
		for name := range e.broken {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("%w: rule set %s not loaded: %v", ErrRuleFailed, names[0], e.broken[names[0]])
	}

	for _, name := range e.order {
		if err := e.sets[name].check(ctx, cmd, state, e.timeout); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the watcher and releases every Lua VM.
func (e *Engine) Close() {
	e.mu.Lock()
	watcher := e.watcher
	e.watcher = nil
	old := e.sets
	e.sets = make(map[string]*ruleSet)
	e.order = nil
	e.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	for _, rs := range old {
		rs.L.Close()
	}
}

func (rs *ruleSet) check(ctx context.Context, cmd *protocol.Command, state map[string]any, timeout time.Duration) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var cmdTbl, stateTbl *lua.LTable
	for _, r := range rs.modCtx.rules {
		if !matches(r.Pattern, cmd.Command) {
			continue
		}
		if cmdTbl == nil {
			cmdTbl = CommandToLua(rs.L, cmd)
			stateTbl = MapToTable(rs.L, state)
		}
		rs.checks.Add(1)

		ok, reason, err := rs.call(ctx, r, cmdTbl, stateTbl, timeout)
		if err != nil {
			rs.errors.Add(1)
			rs.modCtx.logger.Error().
				Err(err).
				Str("pattern", r.Pattern).
				Str("command_id", cmd.ID).
				Msg("rule error")
			return fmt.Errorf("%w: %s (%s): %v", ErrRuleFailed, rs.name, r.Pattern, err)
		}
		if !ok {
			rs.vetoes.Add(1)
			return &Veto{RuleSet: rs.name, Pattern: r.Pattern, Reason: reason}
		}
	}
	return nil
}

func (rs *ruleSet) call(ctx context.Context, r rule, cmdTbl, stateTbl *lua.LTable, timeout time.Duration) (bool, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	rs.L.SetContext(ctx)
	defer rs.L.RemoveContext()

	err := rs.L.CallByParam(lua.P{
		Fn:      r.Fn,
		NRet:    2,
		Protect: true,
	}, cmdTbl, stateTbl)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", fmt.Errorf("timed out: %w", ctx.Err())
		}
		return false, "", err
	}

	verdict := rs.L.Get(-2)
	reason := rs.L.Get(-1)
	rs.L.Pop(2)

	ok, isBool := verdict.(lua.LBool)
	if !isBool {
		return false, "", fmt.Errorf("rule returned %s, want boolean", verdict.Type())
	}
	var msg string
	if s, isStr := reason.(lua.LString); isStr {
		msg = string(s)
	}
	return bool(ok), msg, nil
}

// compile loads a rule file into a fresh sandbox without touching the
// engine's active set.
func (e *Engine) compile(name, filePath string, manifest *Manifest) (*ruleSet, error) {
	rsLogger := e.logger.With().Str("ruleset", name).Logger()

	if manifest != nil {
		if err := manifest.Check(filepath.Base(filePath), filePath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
		}
		rsLogger.Debug().Msg("integrity check passed")
	}

	L := newSandbox(name, e.logger)
	modCtx := &moduleContext{name: name, logger: rsLogger}
	registerSafepartModule(L, modCtx)

	ctx, cancel := context.WithTimeout(context.Background(), e.loadTimeout())
	defer cancel()
	L.SetContext(ctx)
	err := L.DoFile(filePath)
	L.RemoveContext()
	if err != nil {
		L.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("load %s: timed out after %s: %w", filePath, e.loadTimeout(), ctx.Err())
		}
		return nil, fmt.Errorf("load %s: %w", filePath, err)
	}

	return &ruleSet{
		name:     name,
		filePath: filePath,
		L:        L,
		modCtx:   modCtx,
		loadedAt: time.Now(),
	}, nil
}

// loadTimeout bounds a rule file's top-level code. It is never shorter than
// minLoadTimeout, since loading may build tables the rules later share.
func (e *Engine) loadTimeout() time.Duration {
	e.mu.RLock()
	d := e.timeout
	e.mu.RUnlock()
	if d < minLoadTimeout {
		return minLoadTimeout
	}
	return d
}

func (e *Engine) requireManifest() (*Manifest, error) {
	manifest, err := ReadManifest(e.dir)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: %s not found in %s", ErrIntegrityViolation, ManifestFilename, e.dir)
	}
	return manifest, nil
}

func (e *Engine) markBroken(name string, err error) {
	e.mu.Lock()
	e.broken[name] = err
	e.mu.Unlock()
	e.logger.Error().Err(err).Str("ruleset", name).Msg("rule set failed to load")
}

// reorder rebuilds the sorted name list. Caller holds the write lock.
func (e *Engine) reorder() {
	e.order = e.order[:0]
	for name := range e.sets {
		e.order = append(e.order, name)
	}
	sort.Strings(e.order)
}

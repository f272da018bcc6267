package interlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long file events are collected before a reload.
const reloadDebounce = 500 * time.Millisecond

// LoadDir compiles every .lua file in the rule directory and swaps the whole
// set in at once, so a check never sees a half-loaded directory. Files that
// fail to compile are logged and marked broken. The returned error joins the
// per-file failures.
func (e *Engine) LoadDir() error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return err
	}
	files, err := ruleFiles(e.dir)
	if err != nil {
		return err
	}

	e.mu.RLock()
	verify := e.verifyIntegrity
	e.mu.RUnlock()

	sets := make(map[string]*ruleSet)
	broken := make(map[string]error)
	var errs []error

	var manifest *Manifest
	var manifestErr error
	if verify {
		manifest, manifestErr = e.requireManifest()
	}

	for _, file := range files {
		name := strings.TrimSuffix(file, ".lua")
		if manifestErr != nil {
			broken[name] = manifestErr
			errs = append(errs, fmt.Errorf("%s: %w", file, manifestErr))
			continue
		}
		rs, err := e.compile(name, filepath.Join(e.dir, file), manifest)
		if err != nil {
			e.logger.Error().Err(err).Str("file", file).Msg("failed to load rule set")
			broken[name] = err
			errs = append(errs, err)
			continue
		}
		sets[name] = rs
	}

	e.mu.Lock()
	old := e.sets
	e.sets = sets
	e.broken = broken
	e.reorder()
	e.mu.Unlock()

	for _, rs := range old {
		rs.L.Close()
	}

	e.logger.Info().
		Int("loaded", len(sets)).
		Int("broken", len(broken)).
		Msg("interlocks loaded")

	return errors.Join(errs...)
}

// ReloadAll reloads the whole directory.
func (e *Engine) ReloadAll() error {
	e.logger.Info().Str("dir", e.dir).Msg("reloading interlocks")
	return e.LoadDir()
}

// StartWatcher watches the rule directory and reloads changed files after a
// short debounce. A manifest change reloads everything.
func (e *Engine) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(e.dir); err != nil {
		watcher.Close()
		return err
	}

	e.mu.Lock()
	e.watcher = watcher
	e.mu.Unlock()

	go e.watchLoop(watcher)

	e.logger.Info().Str("dir", e.dir).Msg("watching for interlock changes")
	return nil
}

func (e *Engine) watchLoop(watcher *fsnotify.Watcher) {
	var mu sync.Mutex
	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer

	flush := func() {
		mu.Lock()
		batch := pending
		pending = make(map[string]fsnotify.Op)
		mu.Unlock()

		e.processBatch(batch)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			mu.Lock()
			pending[event.Name] |= event.Op
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, flush)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (e *Engine) processBatch(batch map[string]fsnotify.Op) {
	manifestPath := filepath.Join(e.dir, ManifestFilename)
	if _, ok := batch[manifestPath]; ok {
		e.logger.Info().Msg("manifest changed")
		if err := e.ReloadAll(); err != nil {
			e.logger.Error().Err(err).Msg("reload after manifest change")
		}
		return
	}

	for path, op := range batch {
		base := filepath.Base(path)
		if !strings.HasSuffix(base, ".lua") {
			continue
		}
		name := strings.TrimSuffix(base, ".lua")

		if _, err := os.Stat(path); op&(fsnotify.Remove|fsnotify.Rename) != 0 && os.IsNotExist(err) {
			e.Unload(name)
			continue
		}
		if err := e.LoadRuleSet(name, path); err == nil {
			e.logger.Info().Str("file", base).Msg("reloaded rule set")
		}
	}
}

package vocabulary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

const (
	defaultIterationLimit = 30

	// Editors save in several steps (truncate, write, chmod); reload once the
	// file has been quiet this long.
	defaultReloadDelay = 200 * time.Millisecond
)

// Corrector applies vocabulary corrections to finalized transcript text. The
// active rule set is swapped atomically on reload.
type Corrector struct {
	path        string
	limit       int
	logger      *slog.Logger
	rules       atomic.Pointer[[]correction]
	reloadDelay time.Duration
	reloads     atomic.Int64
}

// New loads the rules file at path. A missing file or empty path yields a
// corrector that passes text through unchanged.
func New(path string, iterationLimit int, logger *slog.Logger) (*Corrector, error) {
	if iterationLimit <= 0 {
		iterationLimit = defaultIterationLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Corrector{
		path:        strings.TrimSpace(path),
		limit:       iterationLimit,
		logger:      logger,
		reloadDelay: defaultReloadDelay,
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the rules file. On error the previous rules stay active.
func (c *Corrector) Reload() error {
	rules, err := c.load()
	if err != nil {
		return err
	}
	c.rules.Store(&rules)
	return nil
}

func (c *Corrector) load() ([]correction, error) {
	if c.path == "" {
		return nil, nil
	}
	contents, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read vocabulary file %q: %w", c.path, err)
	}
	rules, err := parseRules(string(contents))
	if err != nil {
		return nil, fmt.Errorf("parse vocabulary file %q: %w", c.path, err)
	}
	return rules, nil
}

// RuleCount returns the number of active corrections.
func (c *Corrector) RuleCount() int {
	rules := c.rules.Load()
	if rules == nil {
		return 0
	}
	return len(*rules)
}

// Apply runs every correction repeatedly until the text stops changing or the
// iteration limit is reached.
func (c *Corrector) Apply(text string) (string, error) {
	loaded := c.rules.Load()
	if loaded == nil || len(*loaded) == 0 {
		return text, nil
	}
	rules := *loaded

	result := text
	for i := 0; i < c.limit; i++ {
		changed := false
		for _, rule := range rules {
			if next, ok := rule.apply(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return result, nil
}

// Watch reloads the rules whenever the file changes until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
func (c *Corrector) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create vocabulary watcher: %w", err)
	}
	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch vocabulary directory %q: %w", dir, err)
	}

	c.logger.Info("Watching vocabulary file", "path", c.path)
	go c.watchLoop(ctx, watcher)
	return nil
}

func (c *Corrector) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(c.path)
	debounced := debounce.New(c.reloadDelay)
	reload := func() {
		if ctx.Err() != nil {
			return
		}
		c.reloadFromWatch()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			debounced(reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error("Vocabulary watcher error", "error", err)
		}
	}
}

func (c *Corrector) reloadFromWatch() {
	if err := c.Reload(); err != nil {
		c.logger.Error("Failed to reload vocabulary; keeping previous rules",
			"error", err,
			"path", c.path)
		return
	}
	c.logger.Info("Reloaded vocabulary",
		"path", c.path,
		"rules", c.RuleCount(),
		"reloads", c.reloads.Add(1))
}

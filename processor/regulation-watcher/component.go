// Package regulationwatcher publishes regulations dropped into a directory.
//
// The watcher follows a directory tree with fsnotify, debounces bursts of
// writes, skips files whose content hash has not changed and publishes one
// regulation.published event per regulation found. YAML files carry
// regulations directly; HTML pages are converted to markdown and described by
// regulation:* meta tags.
package regulationwatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/specpatch/bus"
)

// errPublish marks failures worth retrying on the next debounce tick.
var errPublish = errors.New("publish")

// Config configures the watcher.
type Config struct {
	// Dir is the root directory to watch.
	Dir string
	// Include holds doublestar globs matched against slash-separated paths
	// relative to Dir.
	Include []string
	// Debounce is how long changes accumulate before being processed.
	Debounce time.Duration
	// Source is recorded on published events.
	Source string
}

func (c *Config) defaults() {
	if len(c.Include) == 0 {
		c.Include = []string{"**/*.yaml", "**/*.yml", "**/*.html", "**/*.htm"}
	}
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.Source == "" {
		c.Source = "regulation-watcher"
	}
}

// Component watches a directory and publishes regulation events.
type Component struct {
	config Config
	pub    bus.Publisher
	parser *Parser
	logger *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	hashMu sync.Mutex
	hashes map[string]string

	now func() time.Time
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Component) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a watcher component.
func New(config Config, pub bus.Publisher, opts ...Option) (*Component, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	for _, pattern := range config.Include {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid include pattern %q", pattern)
		}
	}
	config.defaults()

	c := &Component{
		config:  config,
		pub:     pub,
		parser:  NewParser(),
		logger:  slog.Default(),
		pending: make(map[string]fsnotify.Op),
		hashes:  make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "regulation-watcher")
	return c, nil
}

// Run scans the directory once, then watches it until ctx is cancelled.
func (c *Component) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := c.addWatchesRecursive(fsw, c.config.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.config.Dir, err)
	}

	if err := c.Scan(ctx); err != nil {
		return err
	}

	c.logger.Info("Regulation watcher started",
		"dir", c.config.Dir,
		"include", c.config.Include,
		"debounce", c.config.Debounce)

	ticker := time.NewTicker(c.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Regulation watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			c.handleFSEvent(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			c.flushPending(ctx)
		}
	}
}

// Scan publishes every matching file under the directory.
func (c *Component) Scan(ctx context.Context) error {
	return filepath.WalkDir(c.config.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != c.config.Dir && hidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if c.matches(path) {
			if err := c.ProcessFile(ctx, path); err != nil {
				c.logger.Warn("Failed to process regulation file", "path", c.rel(path), "error", err)
			}
		}
		return nil
	})
}

// ProcessFile publishes the regulations in one file if its content changed
// since it was last published.
func (c *Component) ProcessFile(ctx context.Context, path string) error {
	rel := c.rel(path)
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	hash := contentHash(content)
	if old, ok := c.hash(rel); ok && old == hash {
		c.logger.Debug("Regulation file unchanged", "path", rel)
		return nil
	}

	regs, err := c.parser.Parse(path, content)
	if err != nil {
		// Remember the hash so an unchanged broken file is not re-reported
		c.setHash(rel, hash)
		return fmt.Errorf("parse: %w", err)
	}

	for _, reg := range regs {
		ev := bus.RegulationEvent{
			Regulation:  reg,
			Source:      c.config.Source + ":" + filepath.ToSlash(rel),
			PublishedAt: c.now().UTC(),
		}
		id := bus.RegulationEventID(reg.Ref(), reg.Fingerprint())
		if err := bus.RegulationPublished.Publish(ctx, c.pub, id, ev); err != nil {
			return fmt.Errorf("%w %s: %w", errPublish, reg.Ref(), err)
		}
		c.logger.Info("Regulation published",
			"regulation", reg.Ref(),
			"hash", reg.Fingerprint(),
			"path", rel)
	}

	c.setHash(rel, hash)
	return nil
}

func (c *Component) addWatchesRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			c.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (c *Component) handleFSEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !hidden(filepath.Base(path)) {
				if err := c.addWatchesRecursive(fsw, path); err != nil {
					c.logger.Warn("Failed to watch new directory", "path", path, "error", err)
				}
				c.queueExisting(path)
			}
			return
		}
	}

	if !c.matches(path) {
		return
	}

	c.pendingMu.Lock()
	c.pending[path] |= event.Op
	c.pendingMu.Unlock()

	c.logger.Debug("Regulation file change detected", "path", c.rel(path), "op", event.Op.String())
}

func (c *Component) flushPending(ctx context.Context) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		c.pendingMu.Unlock()
		return
	}
	toProcess := c.pending
	c.pending = make(map[string]fsnotify.Op)
	c.pendingMu.Unlock()

	for path := range toProcess {
		if ctx.Err() != nil {
			return
		}

		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			// Removing a file does not retract a published regulation
			c.forget(c.rel(path))
			c.logger.Info("Regulation file removed", "path", c.rel(path))
			continue
		}

		if err := c.ProcessFile(ctx, path); err != nil {
			c.logger.Warn("Failed to process regulation file", "path", c.rel(path), "error", err)
			if errors.Is(err, errPublish) && ctx.Err() == nil {
				c.requeue(path)
			}
		}
	}
}

// queueExisting picks up files written into a new directory before its watch
// was added.
func (c *Component) queueExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !c.matches(path) {
			return nil
		}
		c.requeue(path)
		return nil
	})
}

func (c *Component) requeue(path string) {
	c.pendingMu.Lock()
	c.pending[path] |= fsnotify.Write
	c.pendingMu.Unlock()
}

func (c *Component) matches(path string) bool {
	rel := filepath.ToSlash(c.rel(path))
	for _, segment := range strings.Split(rel, "/") {
		if hidden(segment) {
			return false
		}
	}
	for _, pattern := range c.config.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (c *Component) rel(path string) string {
	rel, err := filepath.Rel(c.config.Dir, path)
	if err != nil {
		return path
	}
	return rel
}

func (c *Component) hash(rel string) (string, bool) {
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	h, ok := c.hashes[rel]
	return h, ok
}

func (c *Component) setHash(rel, hash string) {
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	c.hashes[rel] = hash
}

func (c *Component) forget(rel string) {
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	delete(c.hashes, rel)
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

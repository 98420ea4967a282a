package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/pkg/types"
)

// reservedNamespaces are leaf directory names that common training
// frameworks create under a shared log root. A first watched directory
// with one of these leaves keeps its namespace so a sibling registered
// later does not collide with it.
var reservedNamespaces = map[string]bool{
	"train":      true,
	"validation": true,
}

// Config configures an Ingester. Emit and RunID must be set; everything
// else has a working default.
type Config struct {
	// Root anchors namespace computation: a watched directory under
	// Root is namespaced by its path relative to Root. Optional.
	Root string

	// Hostname is matched against event file names. Defaults to
	// os.Hostname().
	Hostname string

	// StartTime filters out event files created before the run.
	// Defaults to now.
	StartTime time.Time

	// RunID tags chart rendering-hint config updates.
	RunID string

	// Emit receives the HistoryEntry and ConfigUpdate records produced
	// by ingestion. Called from a single goroutine.
	Emit func(types.Record)

	PollInterval  time.Duration
	GracePeriod   time.Duration
	ConsumerDelay time.Duration
	MaxRowBytes   int

	Stats  *observability.PipelineStats
	Logger *slog.Logger
}

// Ingester bridges externally-growing event-log directories into the
// record stream. Each watched directory gets its own polling watcher;
// one consumer presents a globally time-ordered view of all of them.
// Safe for concurrent use.
type Ingester struct {
	mu       sync.Mutex
	cfg      Config
	queue    *Queue
	consumer *consumer
	watchers map[string]*watcher
	stopped  bool

	stats  *observability.PipelineStats
	logger *slog.Logger
}

func NewIngester(cfg Config) *Ingester {
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ConsumerDelay <= 0 {
		cfg.ConsumerDelay = DefaultConsumerDelay
	}
	if cfg.MaxRowBytes <= 0 {
		cfg.MaxRowBytes = DefaultMaxRowBytes
	}
	if cfg.Stats == nil {
		cfg.Stats = observability.NewPipelineStats()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ingester{
		cfg:      cfg,
		queue:    NewQueue(),
		watchers: make(map[string]*watcher),
		stats:    cfg.Stats,
		logger:   cfg.Logger,
	}
}

// Watch registers dir for event ingestion. Registering the same
// directory again is a no-op. An empty namespace is computed from the
// directory path; an explicit one is used verbatim.
func (i *Ingester) Watch(dir, namespace string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return rterrors.Wrap(rterrors.CategoryValidation, rterrors.CodeInvalidSettings,
			fmt.Sprintf("failed to resolve event directory %s", dir), err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return rterrors.New(rterrors.CategoryInternal, rterrors.CodeUnexpected,
			"watch requested after ingestion stopped")
	}
	if _, ok := i.watchers[abs]; ok {
		return nil
	}

	if namespace == "" {
		namespace = i.namespaceFor(abs)
	}
	if i.consumer == nil {
		i.consumer = &consumer{
			queue:       i.queue,
			emit:        i.cfg.Emit,
			runID:       i.cfg.RunID,
			runStart:    i.cfg.StartTime,
			delay:       i.cfg.ConsumerDelay,
			maxRowBytes: i.cfg.MaxRowBytes,
			stats:       i.stats,
			logger:      i.logger,
		}
		i.consumer.start()
	}

	accept := func(fileName string) bool {
		return CreatedByRun(fileName, i.cfg.Hostname, i.cfg.StartTime)
	}
	w := newWatcher(abs, namespace, i.queue, accept, i.cfg.PollInterval, i.cfg.GracePeriod, i.logger)
	i.watchers[abs] = w
	w.start()
	i.logger.Info("watching event directory", "dir", abs, "namespace", namespace)
	return nil
}

// namespaceFor derives a namespace from the directory path. The path
// relative to the configured root wins when the directory sits under
// it. Without a root, the first directory goes un-namespaced unless
// its leaf is a reserved framework name; later directories use their
// leaf so their keys stay distinct. Callers hold i.mu.
func (i *Ingester) namespaceFor(abs string) string {
	if i.cfg.Root != "" {
		if root, err := filepath.Abs(i.cfg.Root); err == nil {
			rel, err := filepath.Rel(root, abs)
			if err == nil && !strings.HasPrefix(rel, "..") {
				if rel == "." {
					return ""
				}
				return filepath.ToSlash(rel)
			}
		}
	}
	leaf := filepath.Base(abs)
	if len(i.watchers) == 0 && !reservedNamespaces[leaf] {
		return ""
	}
	return leaf
}

// Active reports whether any directory is being ingested.
func (i *Ingester) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.stopped && len(i.watchers) > 0
}

// Stop halts all watchers after their final read pass, drains the
// queue, and flushes every open row. Idempotent.
func (i *Ingester) Stop() {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	watchers := make([]*watcher, 0, len(i.watchers))
	for _, w := range i.watchers {
		watchers = append(watchers, w)
	}
	consumer := i.consumer
	i.mu.Unlock()

	// Signal everything first so the final read passes run in parallel.
	for _, w := range watchers {
		w.signalStop()
	}
	for _, w := range watchers {
		w.wait()
	}
	if consumer != nil {
		consumer.halt()
	}
	i.logger.Info("event ingestion stopped")
}

package ingest

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/runtrail/runtrail/internal/frame"
	"github.com/runtrail/runtrail/pkg/types"
)

const (
	// DefaultPollInterval is the directory scan cadence.
	DefaultPollInterval = 1 * time.Second

	// DefaultGracePeriod bounds the final read pass at shutdown,
	// capturing data the producer flushed just before exiting.
	DefaultGracePeriod = 5 * time.Second
)

// watcher tails the accepted event files of one directory and pushes
// parsed events into the shared queue. One goroutine per directory.
type watcher struct {
	dir       string
	namespace string
	queue     *Queue
	accept    func(fileName string) bool

	pollInterval time.Duration
	grace        time.Duration

	// offsets tracks how far each file has been consumed; a partial
	// frame at the tail is left for the next pass.
	offsets map[string]int64

	// bad marks files abandoned after a non-recoverable read error.
	bad map[string]bool

	stop chan struct{}
	done chan struct{}

	logger *slog.Logger
}

func newWatcher(dir, namespace string, queue *Queue, accept func(string) bool, pollInterval, grace time.Duration, logger *slog.Logger) *watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &watcher{
		dir:          dir,
		namespace:    namespace,
		queue:        queue,
		accept:       accept,
		pollInterval: pollInterval,
		grace:        grace,
		offsets:      make(map[string]int64),
		bad:          make(map[string]bool),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger,
	}
}

func (w *watcher) start() {
	go w.run()
}

// signalStop asks the watcher to run its final pass and exit.
func (w *watcher) signalStop() {
	close(w.stop)
}

// wait blocks until the watcher goroutine has exited.
func (w *watcher) wait() {
	<-w.done
}

func (w *watcher) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.scan(time.Time{})
		case <-w.stop:
			// Final best-effort pass for data flushed right before
			// the producer exited.
			w.scan(time.Now().Add(w.grace))
			return
		}
	}
}

// scan reads newly appended frames from every accepted file. Transient
// failures (directory not yet created, files disappearing mid-pass)
// are debug-logged and retried on the next pass. A non-zero deadline
// bounds the pass.
func (w *watcher) scan(deadline time.Time) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Debug("event directory unavailable", "dir", w.dir, "error", err)
		return
	}

	for _, entry := range entries {
		if !deadline.IsZero() && time.Now().After(deadline) {
			w.logger.Warn("final event pass ran out of grace period", "dir", w.dir)
			return
		}
		if entry.IsDir() || !w.accept(entry.Name()) {
			continue
		}
		w.tail(filepath.Join(w.dir, entry.Name()))
	}
}

// tail reads frames appended since the last pass.
func (w *watcher) tail(path string) {
	if w.bad[path] {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.logger.Debug("event file unavailable", "file", path, "error", err)
		return
	}
	defer f.Close()

	off := w.offsets[path]
	if off == 0 {
		n, err := frame.ReadHeader(f, EventMagic)
		if err != nil {
			if errors.Is(err, frame.ErrBadHeader) {
				w.bad[path] = true
				w.logger.Debug("not an event file, ignored", "file", path, "error", err)
			}
			// A short read means the writer has not finished the
			// header yet; retry next pass.
			return
		}
		off = int64(n)
	} else if _, err := f.Seek(off, io.SeekStart); err != nil {
		w.logger.Debug("event file seek failed", "file", path, "error", err)
		return
	}

	r := bufio.NewReader(f)
	for {
		payload, n, err := frame.Read(r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Clean end, or a frame the writer is mid-append on.
			break
		}
		if errors.Is(err, frame.ErrChecksum) {
			off += int64(n)
			w.logger.Debug("corrupt event frame skipped", "file", path)
			continue
		}
		if err != nil {
			w.bad[path] = true
			w.logger.Warn("unreadable event file abandoned", "file", path, "error", err)
			break
		}
		off += int64(n)

		var ev Event
		if err := types.Unmarshal(payload, &ev); err != nil {
			w.logger.Debug("undecodable event frame skipped", "file", path, "error", err)
			continue
		}
		w.queue.Push(w.namespace, ev)
	}
	w.offsets[path] = off
}

// Package wal provides the append-only durable log that every record
// passes through before network delivery. A run's log is the
// crash-recovery record of everything captured; it is written by the
// live pipeline and read back only by tooling.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/runtrail/runtrail/internal/frame"
	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/pkg/types"
)

// Magic identifies a run log file.
var Magic = [4]byte{'R', 'T', 'W', 'L'}

// FileName is the log's name inside a run directory.
const FileName = "run.wal"

// DefaultSyncInterval is how often the log is fsynced in the
// background. Appends are flushed to the OS before acknowledgment;
// the periodic fsync bounds loss on power failure.
const DefaultSyncInterval = 250 * time.Millisecond

// Log is a single run's durable log. Appends are serialized, framed,
// and flushed before returning. A failed open or write latches a
// fatal error: the pipeline cannot guarantee crash-safety past that
// point, so every later append reports the same failure.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	buf   *bufio.Writer
	fatal error

	stopSync chan struct{}
	syncDone chan struct{}
}

// Open creates (or appends to) the log file at path, writing the file
// header when the file is new, and starts the background sync ticker.
func Open(path string, syncInterval time.Duration) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, rterrors.NewFatalLocal(rterrors.CodeLogOpenFailed,
			fmt.Sprintf("failed to create log directory for %s", path), err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, rterrors.NewFatalLocal(rterrors.CodeLogOpenFailed,
			fmt.Sprintf("failed to open log file %s", path), err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, rterrors.NewFatalLocal(rterrors.CodeLogOpenFailed,
			fmt.Sprintf("failed to stat log file %s", path), err)
	}

	l := &Log{
		path:     path,
		file:     file,
		buf:      bufio.NewWriter(file),
		stopSync: make(chan struct{}),
		syncDone: make(chan struct{}),
	}

	if stat.Size() == 0 {
		if err := frame.WriteHeader(l.buf, Magic); err != nil {
			file.Close()
			return nil, rterrors.NewFatalLocal(rterrors.CodeLogOpenFailed,
				fmt.Sprintf("failed to write log header to %s", path), err)
		}
		if err := l.buf.Flush(); err != nil {
			file.Close()
			return nil, rterrors.NewFatalLocal(rterrors.CodeLogOpenFailed,
				fmt.Sprintf("failed to flush log header to %s", path), err)
		}
	}

	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	go l.syncLoop(syncInterval)

	return l, nil
}

// Append encodes the record, frames it onto the log, and flushes to
// the OS before returning. Returns the framed size in bytes.
func (l *Log) Append(rec types.Record) (int, error) {
	payload, err := types.EncodeRecord(rec)
	if err != nil {
		return 0, rterrors.NewInternalError("failed to encode record for log append", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fatal != nil {
		return 0, l.fatal
	}

	n, err := frame.Write(l.buf, payload)
	if err == nil {
		err = l.buf.Flush()
	}
	if err != nil {
		l.fatal = rterrors.NewFatalLocal(rterrors.CodeLogWriteFailed,
			fmt.Sprintf("failed to append record to %s", l.path), err)
		return 0, l.fatal
	}
	return n, nil
}

// Sync flushes buffered frames and fsyncs the file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.fatal != nil {
		return l.fatal
	}
	if l.file == nil {
		return nil
	}
	if err := l.buf.Flush(); err == nil {
		err = l.file.Sync()
		if err == nil {
			return nil
		}
		l.fatal = rterrors.NewFatalLocal(rterrors.CodeLogWriteFailed,
			fmt.Sprintf("failed to fsync %s", l.path), err)
	} else {
		l.fatal = rterrors.NewFatalLocal(rterrors.CodeLogWriteFailed,
			fmt.Sprintf("failed to flush %s", l.path), err)
	}
	return l.fatal
}

// syncLoop fsyncs the log on a fixed interval until Close.
func (l *Log) syncLoop(interval time.Duration) {
	defer close(l.syncDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSync:
			return
		case <-ticker.C:
			l.mu.Lock()
			// The latched error also stops the loop: there is nothing
			// left worth syncing once a write has failed.
			err := l.syncLocked()
			l.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Err returns the latched fatal error, if any.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatal
}

// Path returns the log file's path.
func (l *Log) Path() string {
	return l.path
}

// Close stops the sync ticker, flushes, fsyncs and closes the file.
// Safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.stopSync != nil {
		close(l.stopSync)
		l.stopSync = nil
	}
	l.mu.Unlock()
	// Wait for the sync loop to observe the stop before the final
	// sync below, so the two never interleave on the file handle.
	<-l.syncDone

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return l.fatal
	}
	err := l.syncLocked()
	if closeErr := l.file.Close(); closeErr != nil && err == nil {
		err = rterrors.NewFatalLocal(rterrors.CodeLogWriteFailed,
			fmt.Sprintf("failed to close %s", l.path), closeErr)
	}
	l.file = nil
	return err
}

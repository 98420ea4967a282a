// Package filestream streams run data to the service as line-oriented
// file appends: history rows, console output. Lines are buffered
// per logical file and shipped in batches with explicit offsets, so
// the service can detect and discard duplicate pushes.
package filestream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/runtrail/runtrail/internal/observability"
	"github.com/runtrail/runtrail/internal/rterrors"
)

const (
	// DefaultFlushInterval is the batching cadence. It doubles as the
	// retry cadence when a push fails: failed lines stay buffered and
	// ride the next tick.
	DefaultFlushInterval = 2 * time.Second

	// DefaultHeartbeatInterval is how long the stream may stay silent
	// before an empty keep-alive push is sent.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultMaxLinesPerPush caps the lines in one POST body.
	DefaultMaxLinesPerPush = 10_000

	// finishTimeout caps the shutdown drain. Past it, remaining lines
	// are abandoned with a warning rather than blocking Finish forever.
	finishTimeout = 60 * time.Second

	drainInitialBackoff = 1 * time.Second
	drainMaxBackoff     = 30 * time.Second

	postTimeout = 10 * time.Second
)

// Config wires a filestream client.
type Config struct {
	// BaseURL is the service root; pushes go to
	// {BaseURL}/runs/{RunID}/filestream.
	BaseURL string
	APIKey  string
	RunID   string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	MaxLinesPerPush   int

	Stats  *observability.PipelineStats
	Logger *slog.Logger
}

// Client is the append-stream transport. Push is called from the
// sender goroutine; the background loop owns all network traffic.
type Client struct {
	url             string
	apiKey          string
	client          *http.Client
	flushInterval   time.Duration
	heartbeat       time.Duration
	maxLinesPerPush int

	mu      sync.Mutex
	buffers map[string][]string
	offsets map[string]int

	stop chan struct{}
	done chan struct{}

	exitCode  int32
	finishErr error

	consecutiveFailures int

	stats  *observability.PipelineStats
	logger *slog.Logger
}

// New creates a filestream client. Start must be called before Push.
func New(cfg Config) *Client {
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	maxLines := cfg.MaxLinesPerPush
	if maxLines <= 0 {
		maxLines = DefaultMaxLinesPerPush
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: postTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = observability.NewPipelineStats()
	}
	return &Client{
		url:             fmt.Sprintf("%s/runs/%s/filestream", cfg.BaseURL, cfg.RunID),
		apiKey:          cfg.APIKey,
		client:          client,
		flushInterval:   flushInterval,
		heartbeat:       heartbeat,
		maxLinesPerPush: maxLines,
		buffers:         make(map[string][]string),
		offsets:         make(map[string]int),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		stats:           stats,
		logger:          logger,
	}
}

// Start launches the flush loop.
func (c *Client) Start() {
	go c.loop()
}

// Push buffers one line for the named logical file. Fire-and-forget;
// delivery is at-least-once via buffered retry. Must not be called
// after Finish.
func (c *Client) Push(fileName, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffers[fileName] = append(c.buffers[fileName], line)
}

// Finish drains buffered lines and declares the stream complete with
// the run's exit code. Blocks until the drain succeeds or times out.
// Called exactly once, after the last Push.
func (c *Client) Finish(exitCode int32) error {
	c.mu.Lock()
	c.exitCode = exitCode
	c.mu.Unlock()
	close(c.stop)
	<-c.done
	return c.finishErr
}

func (c *Client) loop() {
	defer close(c.done)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	idle := time.NewTimer(c.heartbeat)
	defer idle.Stop()

	for {
		select {
		case <-ticker.C:
			if c.flushPending() {
				resetTimer(idle, c.heartbeat)
			}
		case <-idle.C:
			c.sendHeartbeat()
			idle.Reset(c.heartbeat)
		case <-c.stop:
			c.finishErr = c.drainAndComplete()
			return
		}
	}
}

// flushPending ships all buffered lines in maxLinesPerPush-sized
// batches. Stops at the first failure, leaving unsent lines buffered
// for the next tick. Reports whether anything was sent.
func (c *Client) flushPending() bool {
	sent := false
	for {
		b := c.peekBatch()
		if b == nil {
			return sent
		}
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		err := c.post(ctx, b.payload())
		cancel()
		if err != nil {
			c.recordFailure(err, b.lines)
			return sent
		}
		c.popBatch(b)
		c.consecutiveFailures = 0
		sent = true
	}
}

// recordFailure logs a failed push. The first failure and every tenth
// after are warnings; the rest are debug, to keep a long outage from
// flooding the log at the flush cadence.
func (c *Client) recordFailure(err error, pendingLines int) {
	c.stats.RecordSendFailure()
	c.consecutiveFailures++
	msg := "filestream push failed, lines retained"
	if c.consecutiveFailures == 1 || c.consecutiveFailures%10 == 0 {
		c.logger.Warn(msg, "error", err, "pending_lines", pendingLines, "failures", c.consecutiveFailures)
	} else {
		c.logger.Debug(msg, "error", err, "pending_lines", pendingLines, "failures", c.consecutiveFailures)
	}
}

func (c *Client) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	if err := c.post(ctx, payload{}); err != nil {
		c.logger.Debug("filestream heartbeat failed", "error", err)
	}
}

// drainAndComplete makes a final pass over the buffers with its own
// backoff, then posts the completion marker carrying the exit code.
func (c *Client) drainAndComplete() error {
	deadline := time.Now().Add(finishTimeout)
	backoff := drainInitialBackoff

	for {
		b := c.peekBatch()
		if b == nil {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		err := c.post(ctx, b.payload())
		cancel()
		if err == nil {
			c.popBatch(b)
			backoff = drainInitialBackoff
			continue
		}
		if time.Now().After(deadline) {
			c.logger.Warn("filestream drain abandoned", "error", err, "abandoned_lines", c.pendingLines())
			return rterrors.Wrap(rterrors.CategoryNetwork, rterrors.CodeStreamFailed,
				"failed to drain stream before completion", err)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > drainMaxBackoff {
			backoff = drainMaxBackoff
		}
	}

	complete := true
	final := payload{Complete: &complete, ExitCode: &c.exitCode}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		err := c.post(ctx, final)
		cancel()
		if err == nil {
			c.logger.Debug("filestream complete", "exit_code", c.exitCode)
			return nil
		}
		if time.Now().After(deadline) {
			return rterrors.Wrap(rterrors.CategoryNetwork, rterrors.CodeStreamFailed,
				"failed to post stream completion", err)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > drainMaxBackoff {
			backoff = drainMaxBackoff
		}
	}
}

// batch is one POST body worth of lines: per-file chunks plus the
// offset each chunk starts at.
type batch struct {
	files map[string]fileChunk
	lines int
}

type fileChunk struct {
	Offset  int      `json:"offset"`
	Content []string `json:"content"`
}

type payload struct {
	Files    map[string]fileChunk `json:"files,omitempty"`
	Complete *bool                `json:"complete,omitempty"`
	ExitCode *int32               `json:"exitcode,omitempty"`
}

func (b *batch) payload() payload {
	return payload{Files: b.files}
}

// peekBatch copies up to maxLinesPerPush buffered lines without
// consuming them. Returns nil when nothing is buffered.
func (c *Client) peekBatch() *batch {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := &batch{files: make(map[string]fileChunk)}
	budget := c.maxLinesPerPush
	for name, lines := range c.buffers {
		if budget == 0 {
			break
		}
		if len(lines) == 0 {
			continue
		}
		n := len(lines)
		if n > budget {
			n = budget
		}
		b.files[name] = fileChunk{
			Offset:  c.offsets[name],
			Content: append([]string(nil), lines[:n]...),
		}
		b.lines += n
		budget -= n
	}
	if b.lines == 0 {
		return nil
	}
	return b
}

// popBatch consumes the lines a successful push covered and advances
// the per-file offsets.
func (c *Client) popBatch(b *batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, chunk := range b.files {
		n := len(chunk.Content)
		c.buffers[name] = c.buffers[name][n:]
		c.offsets[name] += n
	}
}

func (c *Client) pendingLines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, lines := range c.buffers {
		total += len(lines)
	}
	return total
}

// post sends one payload. A non-2xx status is an error; the body is
// included for diagnosis.
func (c *Client) post(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("filestream error (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// resetTimer restarts a timer that may have fired, draining the stale
// tick if one is pending.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

package ingest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runtrail/runtrail/internal/frame"
	"github.com/runtrail/runtrail/pkg/types"
)

func acceptAll(string) bool { return true }

func frameBytes(t *testing.T, ev Event) []byte {
	t.Helper()
	payload, err := types.Marshal(ev)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = frame.Write(&buf, payload)
	require.NoError(t, err)
	return buf.Bytes()
}

func writeEventFile(t *testing.T, path string, events ...Event) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, frame.WriteHeader(&buf, EventMagic))
	for _, ev := range events {
		payload, err := types.Marshal(ev)
		require.NoError(t, err)
		_, err = frame.Write(&buf, payload)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func appendBytes(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(data)
	require.NoError(t, err)
}

func popTags(q *Queue) []string {
	var tags []string
	for {
		it, ok := q.TryPop()
		if !ok {
			return tags
		}
		tags = append(tags, it.event.Values[0].Tag)
	}
}

func TestWatcher_TailsGrowingFile(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue()
	w := newWatcher(dir, "ns", q, acceptAll, 10*time.Millisecond, 100*time.Millisecond, testLogger())

	path := filepath.Join(dir, "run.events")
	writeEventFile(t, path, scalarEvent(1.0, 0, "a"), scalarEvent(2.0, 1, "b"))
	w.start()
	require.Eventually(t, func() bool { return q.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	appendBytes(t, path, frameBytes(t, scalarEvent(3.0, 2, "c")))
	require.Eventually(t, func() bool { return q.Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	w.signalStop()
	w.wait()

	// Exactly one copy of each event: offsets must not rewind on later
	// passes, including the final one.
	assert.Equal(t, []string{"a", "b", "c"}, popTags(q))
}

func TestWatcher_SkipsCorruptFrame(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue()
	w := newWatcher(dir, "", q, acceptAll, time.Hour, time.Second, testLogger())

	corrupt := frameBytes(t, scalarEvent(2.0, 1, "bad"))
	corrupt[9] ^= 0xFF // first payload byte

	var buf bytes.Buffer
	require.NoError(t, frame.WriteHeader(&buf, EventMagic))
	buf.Write(frameBytes(t, scalarEvent(1.0, 0, "a")))
	buf.Write(corrupt)
	buf.Write(frameBytes(t, scalarEvent(3.0, 2, "c")))
	path := filepath.Join(dir, "run.events")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	w.scan(time.Time{})
	assert.Equal(t, []string{"a", "c"}, popTags(q))
	assert.False(t, w.bad[path], "a corrupt frame must not abandon the file")
}

func TestWatcher_PartialTailFrameRetried(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue()
	w := newWatcher(dir, "", q, acceptAll, time.Hour, time.Second, testLogger())

	path := filepath.Join(dir, "run.events")
	writeEventFile(t, path, scalarEvent(1.0, 0, "a"))
	full := frameBytes(t, scalarEvent(2.0, 1, "b"))
	appendBytes(t, path, full[:len(full)/2])

	w.scan(time.Time{})
	assert.Equal(t, 1, q.Len())

	appendBytes(t, path, full[len(full)/2:])
	w.scan(time.Time{})
	assert.Equal(t, []string{"a", "b"}, popTags(q))
}

func TestWatcher_ShortHeaderRetriedUntilComplete(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue()
	w := newWatcher(dir, "", q, acceptAll, time.Hour, time.Second, testLogger())

	var buf bytes.Buffer
	require.NoError(t, frame.WriteHeader(&buf, EventMagic))
	buf.Write(frameBytes(t, scalarEvent(1.0, 0, "a")))
	full := buf.Bytes()

	path := filepath.Join(dir, "run.events")
	require.NoError(t, os.WriteFile(path, full[:3], 0o644))

	w.scan(time.Time{})
	assert.Equal(t, 0, q.Len())
	assert.False(t, w.bad[path], "a mid-write header is not corruption")

	appendBytes(t, path, full[3:])
	w.scan(time.Time{})
	assert.Equal(t, 1, q.Len())
}

func TestWatcher_AbandonsFileWithWrongMagic(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue()
	w := newWatcher(dir, "", q, acceptAll, time.Hour, time.Second, testLogger())

	path := filepath.Join(dir, "stray.events")
	require.NoError(t, os.WriteFile(path, []byte("JUNK and then some"), 0o644))

	w.scan(time.Time{})
	assert.Equal(t, 0, q.Len())
	assert.True(t, w.bad[path])
}

func TestWatcher_FilterAndDirectoriesSkipped(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue()
	accept := func(name string) bool { return strings.HasSuffix(name, ".keep") }
	w := newWatcher(dir, "", q, accept, time.Hour, time.Second, testLogger())

	writeEventFile(t, filepath.Join(dir, "x.skip"), scalarEvent(1.0, 0, "a"))
	writeEventFile(t, filepath.Join(dir, "y.keep"), scalarEvent(2.0, 1, "b"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "z.keep"), 0o755))

	w.scan(time.Time{})
	assert.Equal(t, []string{"b"}, popTags(q))
}

func TestWatcher_FinalPassOnStop(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue()
	w := newWatcher(dir, "", q, acceptAll, time.Hour, 200*time.Millisecond, testLogger())
	w.start()

	// Written after start with a poll interval that never fires: only
	// the shutdown pass can pick this up.
	writeEventFile(t, filepath.Join(dir, "run.events"), scalarEvent(1.0, 0, "a"))
	w.signalStop()
	w.wait()

	assert.Equal(t, 1, q.Len())
}

func TestWatcher_MissingDirectoryRetriedQuietly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-yet")
	q := NewQueue()
	w := newWatcher(dir, "", q, acceptAll, 10*time.Millisecond, 100*time.Millisecond, testLogger())
	w.start()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Mkdir(dir, 0o755))
	writeEventFile(t, filepath.Join(dir, "run.events"), scalarEvent(1.0, 0, "a"))

	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	w.signalStop()
	w.wait()
}

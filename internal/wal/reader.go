package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/runtrail/runtrail/internal/frame"
	"github.com/runtrail/runtrail/pkg/types"
)

// Reader iterates the records of a run log file. It is crash-tolerant
// the way the log's writers fail: a frame with a bad checksum is
// skipped and counted, a truncated tail (the run died mid-append)
// ends iteration cleanly.
type Reader struct {
	file    *os.File
	buf     *bufio.Reader
	path    string
	skipped int
}

// OpenReader opens a run log for iteration and validates its header.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}

	buf := bufio.NewReader(file)
	if _, err := frame.ReadHeader(buf, Magic); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Reader{file: file, buf: buf, path: path}, nil
}

// Next returns the next record. io.EOF signals the end of the log,
// including a truncated final frame.
func (r *Reader) Next() (types.Record, error) {
	for {
		payload, _, err := frame.Read(r.buf)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return types.Record{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			// Torn tail from a crash mid-append.
			return types.Record{}, io.EOF
		case errors.Is(err, frame.ErrChecksum):
			r.skipped++
			continue
		default:
			return types.Record{}, fmt.Errorf("failed to read frame from %s: %w", r.path, err)
		}

		rec, err := types.DecodeRecord(payload)
		if err != nil {
			// Undecodable but checksum-valid: written by a newer
			// version. Skip rather than abort the whole replay.
			r.skipped++
			continue
		}
		return rec, nil
	}
}

// Skipped returns how many frames were dropped for corruption or
// unknown encoding.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll reads every record in the log at path. Returns the records,
// the number of skipped frames, and the first hard error.
func ReadAll(path string) ([]types.Record, int, error) {
	reader, err := OpenReader(path)
	if err != nil {
		return nil, 0, err
	}
	defer reader.Close()

	var records []types.Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return records, reader.Skipped(), nil
		}
		if err != nil {
			return records, reader.Skipped(), err
		}
		records = append(records, rec)
	}
}

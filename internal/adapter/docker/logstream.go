package docker

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// streamType identifies the source of a Docker log line.
type streamType byte

const (
	streamStdin  streamType = 0
	streamStdout streamType = 1
	streamStderr streamType = 2
)

func (s streamType) String() string {
	switch s {
	case streamStdout:
		return "stdout"
	case streamStderr:
		return "stderr"
	default:
		return "stdin"
	}
}

// logEntry is a single parsed log line from a Docker container.
type logEntry struct {
	Timestamp time.Time
	Stream    string // "stdout", "stderr", or "tty"
	Line      []byte
}

// readMultiplexed reads Docker multiplexed log frames from a non-TTY container
// and calls emit for each line. It returns nil at a clean end of stream.
// Docker uses 8-byte frame headers: [stream_type(1)][padding(3)][size(4 BE)][payload]
func readMultiplexed(r io.Reader, emit func(logEntry) bool) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame header: %w", err)
		}

		st := streamType(header[0])
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("read frame payload: %w", err)
		}

		// Payload may contain multiple lines, each with its own timestamp.
		for line := range bytes.SplitSeq(payload, []byte{'\n'}) {
			line = bytes.TrimSuffix(line, []byte{'\r'})
			if len(line) == 0 {
				continue
			}
			ts, rest := parseTimestamp(line)
			if !emit(logEntry{Timestamp: ts, Stream: st.String(), Line: rest}) {
				return nil
			}
		}
	}
}

// readRaw reads raw (non-multiplexed) log output from a TTY container.
func readRaw(r io.Reader, emit func(logEntry) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ts, rest := parseTimestamp(line)
		if !emit(logEntry{Timestamp: ts, Stream: "tty", Line: bytes.Clone(rest)}) {
			return nil
		}
	}
	return scanner.Err()
}

// parseTimestamp extracts the RFC3339Nano timestamp prefix from a Docker log line.
// Docker timestamp format: "2024-01-15T10:30:00.123456789Z " followed by the log content.
// Returns zero time and the full line if parsing fails.
func parseTimestamp(line []byte) (time.Time, []byte) {
	idx := bytes.IndexByte(line, ' ')
	if idx < 20 { // RFC3339 minimum is ~20 chars
		return time.Time{}, line
	}
	ts, err := time.Parse(time.RFC3339Nano, string(line[:idx]))
	if err != nil {
		return time.Time{}, line
	}
	return ts, line[idx+1:]
}

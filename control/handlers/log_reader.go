package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sv4u/blobrotate/download/logging"
)

// maxReadLines caps how many trailing lines of a log file are scanned.
const maxReadLines = 10000

// LogEntry is one line from a daily log file.
type LogEntry struct {
	logging.LogEntry
	Raw string `json:"raw,omitempty"`
}

// LogFilter selects entries from a log file. Zero values match everything.
type LogFilter struct {
	Level  string
	Search string
	Since  time.Time
	Limit  int
}

// LogReader reads and parses the JSON log files written by the CLI.
type LogReader struct {
	logPath  string
	maxLines int // 0 = maxReadLines
}

// NewLogReader creates a new log reader.
func NewLogReader(logPath string) *LogReader {
	return &LogReader{
		logPath: logPath,
	}
}

// ReadLogs returns matching entries, most recent first. A missing file
// yields no entries.
func (lr *LogReader) ReadLogs(filter LogFilter) ([]LogEntry, error) {
	file, err := os.Open(lr.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []LogEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	lines, err := tailLines(file, lr.window())
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	entries := make([]LogEntry, 0)
	for i := len(lines) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}

		entry := parseLogLine(lines[i])
		if filter.Level != "" && !strings.EqualFold(string(entry.Level), filter.Level) {
			continue
		}
		if filter.Search != "" {
			q := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(entry.Message), q) && !strings.Contains(strings.ToLower(lines[i]), q) {
				continue
			}
		}
		if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (lr *LogReader) window() int {
	if lr.maxLines > 0 {
		return lr.maxLines
	}
	return maxReadLines
}

// tailLines returns the last n lines of r, oldest first. Lines go into a
// fixed ring so each one costs O(1) however long the file is.
func tailLines(r io.Reader, n int) ([]string, error) {
	ring := make([]string, 0, n)
	head := 0 // oldest entry once the ring is full
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) < n {
			ring = append(ring, scanner.Text())
			continue
		}
		ring[head] = scanner.Text()
		head = (head + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if head == 0 {
		return ring, nil
	}
	lines := make([]string, 0, len(ring))
	lines = append(lines, ring[head:]...)
	return append(lines, ring[:head]...), nil
}

// parseLogLine decodes one JSON line. Lines that are not JSON are kept as
// INFO entries with the raw text as the message.
func parseLogLine(line string) LogEntry {
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry.LogEntry); err != nil || entry.Level == "" {
		return LogEntry{
			LogEntry: logging.LogEntry{Level: logging.LogLevelInfo, Message: line},
			Raw:      line,
		}
	}
	return entry
}

package main

import (
	"bytes"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/sv4u/blobrotate/download/logging"
)

// LogWriter turns line-oriented output from the standard log package into
// structured entries. Lines starting with "ERROR:" or "WARN:" keep their level.
type LogWriter struct {
	logger    *logging.Logger
	operation string
	mu        sync.Mutex
	buf       []byte
}

// NewLogWriter creates a writer that forwards each complete line to logger.
func NewLogWriter(logger *logging.Logger, operation string) *LogWriter {
	return &LogWriter{logger: logger, operation: operation}
}

// Write implements io.Writer. A trailing partial line is held until its newline arrives.
func (w *LogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		w.emit(strings.TrimRight(line, "\r"))
	}
	return len(p), nil
}

func (w *LogWriter) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	switch {
	case strings.HasPrefix(line, "ERROR:"), strings.HasPrefix(line, "PANIC:"):
		w.logger.ErrorWithOperation(w.operation, strings.TrimSpace(line[strings.IndexByte(line, ':')+1:]), nil)
	case strings.HasPrefix(line, "WARN:"):
		w.logger.WarnFields(w.operation, strings.TrimSpace(strings.TrimPrefix(line, "WARN:")), nil, nil)
	default:
		w.logger.InfoWithOperation(w.operation, line)
	}
}

// RedirectStdLog sends the standard log output to w and returns a restore func.
func RedirectStdLog(w io.Writer) (restore func()) {
	oldFlags := log.Flags()
	oldPrefix := log.Prefix()
	oldOut := log.Writer()
	log.SetOutput(w)
	log.SetFlags(0)
	log.SetPrefix("")
	return func() {
		log.SetOutput(oldOut)
		log.SetFlags(oldFlags)
		log.SetPrefix(oldPrefix)
	}
}

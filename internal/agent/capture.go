package agent

import (
	"bytes"
	"log/slog"
	"sync"
)

// tailBuffer keeps the last max bytes written to it. The agent's verdict
// block comes at the end of its output, so the tail is what matters.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// maxLogLine caps a single forwarded line.
const maxLogLine = 4096

// lineLogger forwards complete lines to a logger as they arrive.
type lineLogger struct {
	mu      sync.Mutex
	logger  *slog.Logger
	stream  string
	pending []byte
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		l.emit(l.pending[:i])
		l.pending = l.pending[i+1:]
	}
	// A runaway line without newlines is flushed in pieces.
	for len(l.pending) >= maxLogLine {
		l.emit(l.pending[:maxLogLine])
		l.pending = l.pending[maxLogLine:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) > 0 {
		l.emit(l.pending)
		l.pending = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) > maxLogLine {
		line = line[:maxLogLine]
	}
	l.logger.Info("agent output", "stream", l.stream, "line", string(line))
}

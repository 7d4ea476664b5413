package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

// DefaultLogFilename is the log file name inside the configured log dir.
const DefaultLogFilename = "pullwarden.log"

// RotatingLogWriter feeds a jrick/logrotate rotator through a pipe.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
	done    chan struct{}
}

// NewRotatingLogWriter creates the log directory and starts the rotator
// goroutine. maxFileSizeMB is the size at which the file is rolled; maxFiles
// is how many rolled files are kept.
func NewRotatingLogWriter(dir string, maxFiles, maxFileSizeMB int) (*RotatingLogWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// The rotator threshold is in kilobytes.
	r, err := rotator.New(
		filepath.Join(dir, DefaultLogFilename),
		int64(maxFileSizeMB*1024),
		false,
		maxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("create file rotator: %w", err)
	}
	r.SetCompressor(gzip.NewWriter(nil), ".gz")

	pr, pw := io.Pipe()
	w := &RotatingLogWriter{pipe: pw, rotator: r, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		// The rotator is the log destination, so its own errors go to stderr.
		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "failed to run file rotator: %v\n", err)
		}
	}()

	return w, nil
}

// Write implements io.Writer.
func (w *RotatingLogWriter) Write(b []byte) (int, error) {
	return w.pipe.Write(b)
}

// Close flushes pending output and stops the rotator.
func (w *RotatingLogWriter) Close() error {
	err := w.pipe.Close()
	<-w.done
	return err
}

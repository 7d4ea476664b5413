package daemon

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TinTinWinata/bitbucket-automatic-pr-reviewer/internal/config"
)

// ErrorEntry represents a single error log entry
type ErrorEntry struct {
	Timestamp  time.Time `json:"ts"`
	Level      string    `json:"level"`     // "error", "warn"
	Component  string    `json:"component"` // "worker", "server"
	ErrorType  string    `json:"error_type,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Message    string    `json:"message"`
	JobID      string    `json:"job_id,omitempty"`
}

// ErrorLog appends failed reviews and ingress errors to a JSONL file.
type ErrorLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewErrorLog creates a new error log writer
func NewErrorLog(path string) (*ErrorLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &ErrorLog{file: file, path: path}, nil
}

// DefaultErrorLogPath returns the default path for the error log
func DefaultErrorLogPath() string {
	return filepath.Join(config.DataDir(), "errors.log")
}

// Path returns the file the log writes to.
func (e *ErrorLog) Path() string {
	return e.path
}

// Log writes an entry as one JSON line. A nil ErrorLog discards it.
func (e *ErrorLog) Log(entry ErrorEntry) {
	if e == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = e.file.Write(append(data, '\n'))
}

// LogJobFailure records a failed review.
func (e *ErrorLog) LogJobFailure(job *Job, errorType, message string) {
	e.Log(ErrorEntry{
		Level:      "error",
		Component:  "worker",
		ErrorType:  errorType,
		Repository: job.Request.RepositoryName,
		Message:    message,
		JobID:      job.ID,
	})
}

// LogWarn records a non-fatal problem.
func (e *ErrorLog) LogWarn(component, message, jobID string) {
	e.Log(ErrorEntry{Level: "warn", Component: component, Message: message, JobID: jobID})
}

// Close closes the error log file
func (e *ErrorLog) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file != nil {
		err := e.file.Close()
		e.file = nil
		return err
	}
	return nil
}

// ReadErrorLog returns up to n of the newest entries in the file at path,
// newest first. Lines that don't decode are skipped. A missing file yields
// no entries.
func ReadErrorLog(path string, n int) ([]ErrorEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []ErrorEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry ErrorEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

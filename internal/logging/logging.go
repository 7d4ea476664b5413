// Package logging wires log/slog to btclog handlers: a console handler on
// stderr and, when a log directory is configured, a rotating file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/mattn/go-isatty"
)

// Subsystem tags
const (
	SubsystemServer  = "SRVR"
	SubsystemWebhook = "WHOK"
	SubsystemQueue   = "QUEU"
	SubsystemGit     = "GIT"
	SubsystemAgent   = "AGNT"
	SubsystemMetrics = "MTRC"
)

// Options configures Setup.
type Options struct {
	Level         string
	Dir           string
	MaxFiles      int
	MaxFileSizeMB int
	Console       io.Writer // defaults to os.Stderr
}

// Root owns the handler tree and the optional file writer.
type Root struct {
	handler btclogv2.Handler
	file    *RotatingLogWriter
}

// Setup builds the handler tree and installs it as the slog default.
func Setup(opts Options) (*Root, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlers := []btclogv2.Handler{btclogv2.NewDefaultHandler(console)}

	var file *RotatingLogWriter
	if opts.Dir != "" {
		var err error
		file, err = NewRotatingLogWriter(opts.Dir, opts.MaxFiles, opts.MaxFileSizeMB)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, btclogv2.NewDefaultHandler(file))
	}

	set := NewHandlerSet(handlers...)
	set.SetLevel(ParseLevel(opts.Level))

	root := &Root{handler: set, file: file}
	slog.SetDefault(slog.New(set))
	return root, nil
}

// Logger returns a slog.Logger tagged with the given subsystem.
func (r *Root) Logger(subsystem string) *slog.Logger {
	return slog.New(r.handler.SubSystem(subsystem))
}

// Close stops the file rotator, if any.
func (r *Root) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// ParseLevel maps a level name to a btclog level, defaulting to info.
func ParseLevel(s string) btclog.Level {
	if lvl, ok := btclog.LevelFromString(strings.ToLower(strings.TrimSpace(s))); ok {
		return lvl
	}
	return btclog.LevelInfo
}

// IsTerminal reports whether stderr is attached to a terminal.
func IsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Discard returns a logger that drops everything. Used when a component is
// constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or the slog default logger tagged with subsystem when
// l is nil.
func OrDefault(l *slog.Logger, subsystem string) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default().With("subsystem", subsystem)
}

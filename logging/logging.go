// Package logging - Structured loggers for command line runs, optionally
// mirrored into a per-experiment log file.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
)

const millisRFC3339 = "2006-01-02T15:04:05.000Z07:00"

// New returns a tint logger writing to w. verbose enables debug level.
func New(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(newHandler(w, verbose, false))
}

func newHandler(w io.Writer, verbose, noColor bool) slog.Handler {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return tint.NewHandler(w, &tint.Options{
		Level:   level,
		NoColor: noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(millisRFC3339))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	})
}

// Run is a logger bound to an experiment output directory.
type Run struct {
	*slog.Logger
	// OutputPath is <output_path>/<config name>/<image set>.
	OutputPath string
	// LogFile is the timestamped log file inside OutputPath.
	LogFile string

	file *os.File
}

// Close flushes and closes the log file.
func (r *Run) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Create prepares the output directory of an experiment and returns a logger
// that writes to both console and a log file named
// "<config name>_<timestamp>.log" within it.
//
// Arguments:
//   - console: Where colored output goes, usually os.Stdout.
//   - outputPath: The root output directory.
//   - configName: The experiment name.
//   - imageSet: The image set, "+" separated sets are joined with "_".
//   - verbose: Enables debug level.
//
// Returns:
//   - *Run: The logger and its output location.
//   - error: If the directory or file cannot be created.
func Create(console io.Writer, outputPath, configName, imageSet string, verbose bool) (*Run, error) {
	dir := filepath.Join(outputPath, configName, sanitizeSet(imageSet))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	name := fmt.Sprintf("%s_%s.log", configName, time.Now().UTC().Format("2006-01-02-15-04"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create log file")
	}

	h := fanout{newHandler(console, verbose, false), newHandler(f, verbose, true)}
	return &Run{
		Logger:     slog.New(h),
		OutputPath: dir,
		LogFile:    path,
		file:       f,
	}, nil
}

func sanitizeSet(set string) string {
	out := []byte(set)
	for i, c := range out {
		if c == '+' || c == '/' || c == os.PathSeparator {
			out[i] = '_'
		}
	}
	return string(out)
}

// fanout sends every record to all handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and the optional rotating log file.
type Options struct {
	Level      string
	Console    bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to out and, when opts.File is set, to a
// lumberjack-rotated file as JSON. The returned closer releases the file.
func New(out io.Writer, opts Options) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var primary io.Writer = out
	if opts.Console {
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	var closer io.Closer = nopCloser{}
	writer := primary
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		closer = file
		writer = zerolog.MultiLevelWriter(primary, file)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	if err != nil && opts.Level != "" {
		logger.Warn().Str("level", opts.Level).Msg("unknown log level, using info")
	}
	return logger, closer
}

// Stdout is New with os.Stdout as the primary writer.
func Stdout(opts Options) (zerolog.Logger, io.Closer) {
	return New(os.Stdout, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	Level string    // zerolog level name, default "info"
	JSON  bool      // emit JSON lines instead of console output
	Out   io.Writer // default os.Stdout
}

// NewLogger returns a zerolog logger configured for console output.
func NewLogger() zerolog.Logger {
	l, _ := New(Options{})
	return l
}

// New builds a logger from opts. An unknown level is reported as an error and
// the logger falls back to info.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		short := file
		if i := strings.LastIndexByte(file, '/'); i >= 0 {
			short = file[i+1:]
		}
		// Pad to 24 characters for alignment
		return fmt.Sprintf("%-24s", fmt.Sprintf("%s:%d", short, line))
	}

	level := zerolog.InfoLevel
	var err error
	if opts.Level != "" {
		parsed, perr := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if perr != nil {
			err = fmt.Errorf("log level %q: %w", opts.Level, perr)
		} else {
			level = parsed
		}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Caller().Logger()
	return logger, err
}

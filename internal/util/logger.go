package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.Mutex
	logger   *slog.Logger
	verbose  bool
)

// InitLogger installs the process-wide slog logger. Verbose lowers the level
// to debug. Logs go to stderr so recordings piped to stdout stay clean.
func InitLogger(v bool) {
	initLogger(os.Stderr, v)
}

func initLogger(w io.Writer, v bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if v {
		opts.Level = slog.LevelDebug
	}

	verbose = v
	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
		return GetLogger()
	}
	return l
}

// ComponentLogger returns the shared logger tagged with a component name.
func ComponentLogger(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// IsVerbose reports whether debug logging was requested, either through
// InitLogger or a --verbose/-v argument.
func IsVerbose() bool {
	loggerMu.Lock()
	v := verbose
	loggerMu.Unlock()
	if v {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" || arg == "-v" {
			return true
		}
	}
	return false
}

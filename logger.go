package gpugraph

import (
	"log/slog"

	"github.com/gogpu/gpugraph/internal/logging"
)

// SetLogger configures the logger for gpugraph and all its sub-packages.
// By default, gpugraph produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gpugraph:
//   - [slog.LevelDebug]: pipeline creation, allocations, dispatch sizes
//   - [slog.LevelInfo]: lifecycle events (device opened, graph baked)
//   - [slog.LevelWarn]: non-fatal issues (wait retries, node execute failures)
//
// Example:
//
//	gpugraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.SetLogger(l)
}

// Logger returns the current logger used by gpugraph.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}

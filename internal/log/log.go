package log

import (
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
)

// NewHandler returns a slog handler writing human-readable progress to
// stderr. Stdout is reserved for the machine-parseable status line.
func NewHandler(prefix string) slog.Handler {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
		Level:           log.InfoLevel,
	})
}

func New(prefix string) *slog.Logger {
	return slog.New(NewHandler(prefix))
}

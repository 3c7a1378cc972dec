package mevtesting

import (
	"io"
	"log/slog"
	"os"

	"github.com/malbeclabs/mevdist/utils/pkg/logger"
)

// NewLogger returns a logger for tests. Output is discarded unless MEVDIST_TEST_LOG is set:
// "debug" enables debug output, any other value enables info.
func NewLogger() *slog.Logger {
	switch os.Getenv("MEVDIST_TEST_LOG") {
	case "":
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	case "debug":
		return logger.NewWithWriter(os.Stderr, true)
	default:
		return logger.NewWithWriter(os.Stderr, false)
	}
}

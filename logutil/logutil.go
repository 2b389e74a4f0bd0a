// Package logutil configures the process-wide structured logger.
package logutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cnnfpga/coeverify/envconfig"
)

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.SourceKey {
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// InitLogging installs the default logger, honoring COEVERIFY_DEBUG.
func InitLogging() {
	level := slog.LevelInfo
	if envconfig.Debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(NewLogger(os.Stderr, level))
}

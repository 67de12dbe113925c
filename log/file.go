package log

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

var output io.Writer = os.Stderr

// SetFileOutput routes all loggers to a size-rotated file. An empty path
// restores stderr.
func SetFileOutput(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	if path == "" {
		setOutput(os.Stderr)
		return
	}
	setOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	})
}

func setOutput(w io.Writer) {
	output = w
	DebugLogger.SetOutput(w)
	InfoLogger.SetOutput(w)
	ErrorLogger.SetOutput(w)
	FatalLogger.SetOutput(w)
}

// Package logging wires up the process-wide structured logger used by every
// other package, following the same handler construction geth's own cmd/utils
// log setup uses.
package logging

import (
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup installs the default logger for the process. format is "raw" or
// "json" (spec §6 [logging] format); verbosity is a legacy geth verbosity
// level (0-5) converted with log.FromLegacyLevel and applied to the terminal
// handler only, the JSON handler does not take it; file, if non-empty,
// rotates output through lumberjack instead of writing to stderr.
func Setup(format string, verbosity int, file string) error {
	var out io.Writer = os.Stderr
	useColor := format == "raw" && isatty.IsTerminal(os.Stderr.Fd())

	if file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		useColor = false
	}

	var handler log.Handler
	switch format {
	case "json":
		handler = log.JSONHandler(out)
	case "raw", "":
		handler = log.NewTerminalHandlerWithLevel(out, log.FromLegacyLevel(verbosity), useColor)
	default:
		handler = log.NewTerminalHandlerWithLevel(out, log.FromLegacyLevel(verbosity), useColor)
	}

	log.SetDefault(log.NewLogger(handler))
	return nil
}

// Package logging configures logrus for the command line tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/arduino/go-paths-helper"
	"github.com/mattn/go-colorable"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// Options selects where logs go and how they look.
type Options struct {
	Level   string // trace, debug, info, warn, error
	Format  string // text or json
	File    *paths.Path
	Verbose bool // print logs on stdout, in full colours
}

// ParseLevel converts a level name to a logrus level.
func ParseLevel(s string) (logrus.Level, error) {
	lvl, found := map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
	}[strings.ToLower(strings.TrimSpace(s))]
	if !found {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// Setup configures logger. The returned closer releases the log file, if
// one was opened.
func Setup(logger *logrus.Logger, opts Options) (io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format != "" && format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	if opts.Verbose {
		// if we print on stdout, do it in full colors
		logger.SetOutput(colorable.NewColorableStdout())
		logger.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	} else {
		logger.SetOutput(io.Discard)
	}
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(lvl)

	if opts.File == nil {
		return nopCloser{}, nil
	}

	if err := opts.File.Parent().MkdirAll(); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(opts.File.String(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	// Use a hook so we don't get color codes in the log file
	if format == "json" {
		logger.AddHook(lfshook.NewHook(file, &logrus.JSONFormatter{}))
	} else {
		logger.AddHook(lfshook.NewHook(file, &logrus.TextFormatter{DisableColors: true}))
	}
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package main

import (
	"os"

	"golang.org/x/term"

	"github.com/sv4u/blobrotate/download/config"
	"github.com/sv4u/blobrotate/download/logging"
)

// resolveLogFormat picks the format for the stderr sink. "auto" gives text
// when f is a terminal and JSON otherwise, so scheduled runs stay parseable.
func resolveLogFormat(setting string, f *os.File) logging.Format {
	switch setting {
	case config.LogFormatJSON:
		return logging.FormatJSON
	case config.LogFormatText:
		return logging.FormatText
	}
	if f != nil && term.IsTerminal(int(f.Fd())) {
		return logging.FormatText
	}
	return logging.FormatJSON
}

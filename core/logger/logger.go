// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logger defines the logging surface used throughout docket.
// Components receive a Logger in their Config rather than reaching for a
// package-level logger, so tests can capture output.
package logger

import (
	"github.com/juju/loggo/v2"
)

// Logger is the subset of loggo's API that docket components use.
type Logger interface {
	Errorf(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Tracef(format string, args ...interface{})
}

// GetLogger returns a loggo-backed Logger for the given module name.
func GetLogger(name string) Logger {
	return loggo.GetLogger(name)
}

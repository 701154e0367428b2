// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	gc "gopkg.in/check.v1"

	"github.com/docket-dev/docket/core/logger"
)

// WrapCheckLog returns a Logger that writes through the gocheck logger, so
// component output lands in the test transcript.
func WrapCheckLog(c *gc.C) logger.Logger {
	return checkLogger{c: c}
}

type checkLogger struct {
	c *gc.C
}

func (l checkLogger) logf(level, format string, args ...interface{}) {
	l.c.Logf(level+": "+format, args...)
}

func (l checkLogger) Errorf(format string, args ...interface{}) {
	l.logf("ERROR", format, args...)
}

func (l checkLogger) Warningf(format string, args ...interface{}) {
	l.logf("WARNING", format, args...)
}

func (l checkLogger) Infof(format string, args ...interface{}) {
	l.logf("INFO", format, args...)
}

func (l checkLogger) Debugf(format string, args ...interface{}) {
	l.logf("DEBUG", format, args...)
}

func (l checkLogger) Tracef(format string, args ...interface{}) {
	l.logf("TRACE", format, args...)
}

// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package interval implements the schedule syntax shared by cron tasks,
// retry policies and cleanup timers. An interval is either a fixed duration
// or a cron expression; both answer "when does this next fire, relative to
// a reference time".
package interval

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/juju/errors"
)

// cronPrefix marks a string interval as a cron expression. The prefix is
// matched case-insensitively.
const cronPrefix = "CRON "

// Interval computes the next occurrence of a schedule.
type Interval struct {
	duration time.Duration
	expr     *cronexpr.Expression
	source   string
}

// Every returns an Interval that fires the given duration after the
// reference time.
func Every(d time.Duration) Interval {
	return Interval{duration: d, source: d.String()}
}

// Parse interprets the interval syntax:
//
//   - a plain integer is a number of milliseconds;
//   - a duration string ("1h", "500ms") is parsed with time.ParseDuration;
//   - a "CRON <expr>" string (case-insensitive prefix) is parsed as a cron
//     expression, with optional seconds field.
//
// A string that looks like a bare cron expression (contains '*' and at
// least five fields) without the CRON prefix is rejected, since it is
// almost certainly a mistake rather than a duration.
func Parse(s string) (Interval, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Interval{}, errors.NotValidf("empty interval")
	}
	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if ms <= 0 {
			return Interval{}, errors.NotValidf("non-positive interval %q", s)
		}
		return Interval{duration: time.Duration(ms) * time.Millisecond, source: trimmed}, nil
	}
	if len(trimmed) >= len(cronPrefix) && strings.EqualFold(trimmed[:len(cronPrefix)], cronPrefix) {
		exprText := strings.TrimSpace(trimmed[len(cronPrefix):])
		// Six fields here mean an optional leading seconds field, but
		// cronexpr reads six fields as minute-first with a trailing year.
		// Appending a wildcard year forces the seconds-first reading.
		if len(strings.Fields(exprText)) == 6 {
			exprText += " *"
		}
		expr, err := cronexpr.Parse(exprText)
		if err != nil {
			return Interval{}, errors.NotValidf("cron expression %q: %v", exprText, err)
		}
		return Interval{expr: expr, source: trimmed}, nil
	}
	if strings.Contains(trimmed, "*") && len(strings.Fields(trimmed)) >= 5 {
		return Interval{}, errors.NotValidf("interval %q looks like a cron expression without the %q prefix", s, strings.TrimSpace(cronPrefix))
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return Interval{}, errors.NotValidf("interval %q", s)
	}
	if d <= 0 {
		return Interval{}, errors.NotValidf("non-positive interval %q", s)
	}
	return Interval{duration: d, source: trimmed}, nil
}

// MustParse is Parse, panicking on error. For use in tests and static
// registrations.
func MustParse(s string) Interval {
	iv, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// IsZero reports whether the interval was never initialised.
func (i Interval) IsZero() bool {
	return i.duration == 0 && i.expr == nil
}

// IsCron reports whether the interval is backed by a cron expression.
func (i Interval) IsCron() bool {
	return i.expr != nil
}

// Next returns the next occurrence strictly after the reference time.
// Cron expressions are evaluated in the reference time's location.
func (i Interval) Next(ref time.Time) time.Time {
	if i.expr != nil {
		return i.expr.Next(ref)
	}
	return ref.Add(i.duration)
}

// String returns the source text of the interval.
func (i Interval) String() string {
	return i.source
}

// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package policy holds the per-task policies of the reactive engine: how
// failed work items are retried, when orphaned items are cleaned up, and
// what happens when a task's definition evolves.
package policy

import (
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// RetryKind names the shape of a retry schedule.
type RetryKind string

const (
	// RetryFixed waits a constant interval between attempts.
	RetryFixed RetryKind = "fixed"
	// RetryLinear waits interval multiplied by the attempt count.
	RetryLinear RetryKind = "linear"
	// RetryExponential waits min*factor^(attempts-1), clamped to [min, max].
	RetryExponential RetryKind = "exponential"
	// RetrySeries walks an explicit list of intervals, repeating the last.
	RetrySeries RetryKind = "series"
	// RetryCron schedules the next attempt at a cron occurrence.
	RetryCron RetryKind = "cron"
)

// DefaultMaxAttempts applies when a retry policy sets neither MaxAttempts
// nor MaxDuration.
const DefaultMaxAttempts = 5

// Retry controls rescheduling of failed work items.
//
// MaxAttempts of 0 means "unset": the default of 5 applies unless
// MaxDuration is set, in which case duration alone bounds the streak.
// MaxAttempts of -1 retries forever.
type Retry struct {
	Kind RetryKind

	// Interval applies to fixed and linear policies.
	Interval time.Duration

	// Min, Max and Factor apply to the exponential policy. Factor
	// defaults to 2.
	Min    time.Duration
	Max    time.Duration
	Factor float64

	// Intervals applies to the series policy.
	Intervals []time.Duration

	// Expression applies to the cron policy.
	Expression string

	MaxAttempts int
	MaxDuration time.Duration

	// DisableResetOnDataChange keeps the failure streak when the task's
	// observed fields change. By default a data change resets it.
	DisableResetOnDataChange bool

	expr *cronexpr.Expression
}

// Validate checks the policy and pre-parses the cron expression.
func (r *Retry) Validate() error {
	switch r.Kind {
	case "", RetryFixed, RetryLinear:
		if r.Kind == "" {
			r.Kind = RetryFixed
		}
		if r.Interval <= 0 {
			return errors.NotValidf("retry policy %q with interval %v", r.Kind, r.Interval)
		}
	case RetryExponential:
		if r.Min <= 0 || r.Max < r.Min {
			return errors.NotValidf("exponential retry bounds [%v, %v]", r.Min, r.Max)
		}
		if r.Factor == 0 {
			r.Factor = 2
		}
		if r.Factor <= 1 {
			return errors.NotValidf("exponential retry factor %v", r.Factor)
		}
	case RetrySeries:
		if len(r.Intervals) == 0 {
			return errors.NotValidf("series retry with no intervals")
		}
		for _, d := range r.Intervals {
			if d <= 0 {
				return errors.NotValidf("series retry interval %v", d)
			}
		}
	case RetryCron:
		expr, err := cronexpr.Parse(r.Expression)
		if err != nil {
			return errors.NotValidf("cron retry expression %q: %v", r.Expression, err)
		}
		r.expr = expr
	default:
		return errors.NotValidf("retry kind %q", r.Kind)
	}
	if r.MaxAttempts < -1 {
		return errors.NotValidf("max attempts %d", r.MaxAttempts)
	}
	return nil
}

// ResetOnDataChange reports whether a change to the observed fields resets
// the failure streak.
func (r Retry) ResetOnDataChange() bool {
	return !r.DisableResetOnDataChange
}

// NextAttempt returns when the given attempt (1-based count of invocations
// already started) should run again.
func (r Retry) NextAttempt(attempts int, now time.Time) time.Time {
	if attempts < 1 {
		attempts = 1
	}
	switch r.Kind {
	case RetryLinear:
		return now.Add(r.Interval * time.Duration(attempts))
	case RetryExponential:
		backoff := retry.ExpBackoff(r.Min, r.Max, r.Factor, false)
		return now.Add(backoff(0, attempts-1))
	case RetrySeries:
		i := attempts - 1
		if i >= len(r.Intervals) {
			i = len(r.Intervals) - 1
		}
		return now.Add(r.Intervals[i])
	case RetryCron:
		expr := r.expr
		if expr == nil {
			expr = cronexpr.MustParse(r.Expression)
		}
		return expr.Next(now)
	default:
		return now.Add(r.Interval)
	}
}

// ShouldFail reports whether the failure streak has exhausted the policy.
func (r Retry) ShouldFail(attempts int, firstErrorAt, now time.Time) bool {
	maxAttempts := r.MaxAttempts
	if maxAttempts == 0 {
		if r.MaxDuration > 0 {
			maxAttempts = -1
		} else {
			maxAttempts = DefaultMaxAttempts
		}
	}
	if maxAttempts >= 0 && attempts >= maxAttempts {
		return true
	}
	if r.MaxDuration > 0 && !firstErrorAt.IsZero() && now.Sub(firstErrorAt) >= r.MaxDuration {
		return true
	}
	return false
}

// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package lock

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/docket-dev/docket/core/logger"
)

// HeartbeatConfig configures a continuous renewal worker.
type HeartbeatConfig struct {
	Clock    clock.Clock
	Logger   logger.Logger
	Interval time.Duration

	// Renew extends the lease. Errors are reported and swallowed; a
	// heartbeat never gives up, since the lease simply expires if the
	// store stays unreachable and holders must be idempotent anyway.
	Renew func(ctx context.Context) error

	// OnError, if set, observes renewal errors.
	OnError func(error)
}

// Validate is part of the usual config contract.
func (c HeartbeatConfig) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	if c.Renew == nil {
		return errors.NotValidf("nil Renew")
	}
	return nil
}

// Heartbeat periodically renews a lease field on a document until killed.
// It is used for distributed lock TTLs, work-item visibility leases and
// cron task locks.
type Heartbeat struct {
	tomb tomb.Tomb
	cfg  HeartbeatConfig
}

// NewHeartbeat starts a renewal loop with the supplied configuration.
func NewHeartbeat(cfg HeartbeatConfig) (*Heartbeat, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	hb := &Heartbeat{cfg: cfg}
	hb.tomb.Go(hb.loop)
	return hb, nil
}

// Kill is part of the worker.Worker interface.
func (hb *Heartbeat) Kill() {
	hb.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (hb *Heartbeat) Wait() error {
	return hb.tomb.Wait()
}

func (hb *Heartbeat) loop() error {
	ctx := hb.tomb.Context(nil)
	for {
		select {
		case <-hb.tomb.Dying():
			return tomb.ErrDying
		case <-hb.cfg.Clock.After(hb.cfg.Interval):
		}
		if err := hb.cfg.Renew(ctx); err != nil {
			if ctx.Err() != nil {
				return tomb.ErrDying
			}
			hb.cfg.Logger.Warningf("lease renewal failed: %v", err)
			if hb.cfg.OnError != nil {
				hb.cfg.OnError(err)
			}
		}
	}
}

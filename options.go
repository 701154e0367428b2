// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package docket

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/docket-dev/docket/core/events"
	"github.com/docket-dev/docket/core/logger"
	"github.com/docket-dev/docket/core/task"
)

const (
	// DefaultCollectionPrefix namespaces every docket collection.
	DefaultCollectionPrefix = "docket"
	// DefaultDebounce is the quiet window between an observed change and
	// the handler firing, for tasks that do not set their own.
	DefaultDebounce = 5 * time.Second
	// DefaultWorkerMinPoll and DefaultWorkerMaxPoll bound the adaptive
	// polling of each items collection.
	DefaultWorkerMinPoll = 100 * time.Millisecond
	DefaultWorkerMaxPoll = 5 * time.Second
)

// Options configures a Scheduler. DB is the only required field.
type Options struct {
	// DB is the database holding both the watched collections and
	// docket's own state collections.
	DB *mongo.Database

	// Name identifies this scheduler in logs and the dashboard.
	Name string

	// InstanceID uniquely identifies this process instance; it defaults
	// to hostname plus a random suffix.
	InstanceID string

	// CollectionPrefix namespaces docket's collections: <prefix>.items,
	// <prefix>.meta, <prefix>.cron and <prefix>.locks.
	CollectionPrefix string

	Logger logger.Logger
	Clock  clock.Clock

	// OnEvent observes scheduler lifecycle events. Optional.
	OnEvent events.Sink

	// Caller wraps every task handler invocation. Optional.
	Caller task.Caller

	// TaskFilter restricts which reactive tasks this instance executes;
	// empty means all. Planning is unaffected.
	TaskFilter []string

	// Debounce is the default quiet window for reactive tasks.
	Debounce time.Duration

	// VisibilityTimeout is the work item lease duration.
	VisibilityTimeout time.Duration

	// LeaderTTL is the planner leader lock duration.
	LeaderTTL time.Duration

	// WorkerConcurrency is how many items this instance processes at
	// once across all items collections.
	WorkerConcurrency int

	// WorkerMinPoll and WorkerMaxPoll bound the adaptive poll backoff of
	// each items collection.
	WorkerMinPoll time.Duration
	WorkerMaxPoll time.Duration

	// BatchSize and BatchWindow bound change event batching in the
	// planner.
	BatchSize   int
	BatchWindow time.Duration

	// CleanupInterval is how often the periodic cleanup pass runs.
	CleanupInterval time.Duration

	// CronPollInterval bounds how long the cron scheduler sleeps between
	// due-task checks.
	CronPollInterval time.Duration
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if o.DB == nil {
		return errors.NotValidf("nil DB")
	}
	if o.Name == "" {
		o.Name = DefaultCollectionPrefix
	}
	if o.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		o.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	if o.CollectionPrefix == "" {
		o.CollectionPrefix = DefaultCollectionPrefix
	}
	if o.Logger == nil {
		o.Logger = logger.GetLogger("docket")
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Debounce == 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Debounce < 0 {
		return errors.NotValidf("negative Debounce")
	}
	if o.WorkerConcurrency == 0 {
		o.WorkerConcurrency = 1
	}
	if o.WorkerConcurrency < 0 {
		return errors.NotValidf("negative WorkerConcurrency")
	}
	if o.WorkerMinPoll == 0 {
		o.WorkerMinPoll = DefaultWorkerMinPoll
	}
	if o.WorkerMaxPoll == 0 {
		o.WorkerMaxPoll = DefaultWorkerMaxPoll
	}
	if o.WorkerMaxPoll < o.WorkerMinPoll {
		return errors.NotValidf("WorkerMaxPoll %v below WorkerMinPoll %v", o.WorkerMaxPoll, o.WorkerMinPoll)
	}
	return nil
}

// itemsCollection returns the default work items collection name.
func (o *Options) itemsCollection() string {
	return o.CollectionPrefix + ".items"
}

func (o *Options) metaCollection() string {
	return o.CollectionPrefix + ".meta"
}

func (o *Options) cronCollection() string {
	return o.CollectionPrefix + ".cron"
}

func (o *Options) locksCollection() string {
	return o.CollectionPrefix + ".locks"
}

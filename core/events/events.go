// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package events defines the lifecycle notifications a scheduler emits.
// Embedders subscribe a sink to feed their own logging or metrics.
package events

// Code identifies one kind of scheduler event.
type Code string

const (
	CronTaskStarted   Code = "cronTaskStarted"
	CronTaskFinished  Code = "cronTaskFinished"
	CronTaskFailed    Code = "cronTaskFailed"
	CronTaskScheduled Code = "cronTaskScheduled"

	ReactiveTaskStarted  Code = "reactiveTaskStarted"
	ReactiveTaskFinished Code = "reactiveTaskFinished"
	ReactiveTaskFailed   Code = "reactiveTaskFailed"

	PlannerStarted            Code = "reactiveTaskPlannerStarted"
	PlannerStopped            Code = "reactiveTaskPlannerStopped"
	PlannerStreamError        Code = "reactiveTaskPlannerStreamError"
	ReconciliationStarted     Code = "reactiveTaskReconciliationStarted"
	ReconciliationFinished    Code = "reactiveTaskReconciliationFinished"
	CleanupFinished           Code = "reactiveTaskCleanupFinished"
	LeaderElected             Code = "leaderElected"
	LeaderLockLost            Code = "leaderLockLost"
	ManualTrigger             Code = "manualTrigger"
	ReactiveTaskRetryRequest  Code = "reactiveTaskRetryRequested"
	HandlerVersionTransition  Code = "handlerVersionTransition"
	TriggerDefinitionChanged  Code = "triggerDefinitionChanged"
)

// Event is one scheduler lifecycle notification.
type Event struct {
	Code Code

	// Task names the task concerned, when the event is task-scoped.
	Task string

	// Err carries the failure for error-flavoured events.
	Err error

	// Detail is free-form context: a reason, a count, a duration.
	Detail string
}

// Sink receives events. Implementations must be fast and must not block;
// emitters call them inline.
type Sink func(Event)

// Emit forwards e to the sink when one is configured.
func (s Sink) Emit(e Event) {
	if s != nil {
		s(e)
	}
}

// Copyright 2026 Docket Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reactive implements the change-driven half of the scheduler: a
// leader-elected planner that turns source collection changes into work
// items, and a worker pool that claims and runs them.
package reactive

import (
	"sort"
	"time"

	"github.com/juju/errors"

	"github.com/docket-dev/docket/core/task"
)

// Registry holds the reactive task definitions of one scheduler, indexed
// by the lookups the planner and worker need. Registration happens before
// the engines start; the registry is read-only afterwards.
type Registry struct {
	defaultDebounce time.Duration
	defaultItems    string

	byName  map[string]*task.Reactive
	byCol   map[string][]*task.Reactive
	byItems map[string][]*task.Reactive
}

// NewRegistry returns an empty registry. Tasks registered without an
// explicit debounce or items collection adopt the given defaults.
func NewRegistry(defaultDebounce time.Duration, defaultItemsCollection string) *Registry {
	return &Registry{
		defaultDebounce: defaultDebounce,
		defaultItems:    defaultItemsCollection,
		byName:          make(map[string]*task.Reactive),
		byCol:           make(map[string][]*task.Reactive),
		byItems:         make(map[string][]*task.Reactive),
	}
}

// Add validates and registers a task definition.
func (r *Registry) Add(t *task.Reactive) error {
	if err := t.Validate(); err != nil {
		return errors.Trace(err)
	}
	if _, ok := r.byName[t.Name]; ok {
		return errors.AlreadyExistsf("reactive task %q", t.Name)
	}
	if t.Debounce == 0 {
		t.Debounce = r.defaultDebounce
	}
	if t.ItemsCollection == "" {
		t.ItemsCollection = r.defaultItems
	}
	r.byName[t.Name] = t
	r.byCol[t.Collection] = append(r.byCol[t.Collection], t)
	r.byItems[t.ItemsCollection] = append(r.byItems[t.ItemsCollection], t)
	return nil
}

// Task returns the named definition.
func (r *Registry) Task(name string) (*task.Reactive, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, errors.NotFoundf("reactive task %q", name)
	}
	return t, nil
}

// Tasks returns all definitions, sorted by name.
func (r *Registry) Tasks() []*task.Reactive {
	out := make([]*task.Reactive, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all task names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Collections returns the watched source collections, sorted.
func (r *Registry) Collections() []string {
	out := make([]string, 0, len(r.byCol))
	for col := range r.byCol {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// TasksForCollection returns the tasks watching the given source collection.
func (r *Registry) TasksForCollection(collection string) []*task.Reactive {
	return r.byCol[collection]
}

// ItemsCollections returns the distinct work item collections, sorted.
func (r *Registry) ItemsCollections() []string {
	out := make([]string, 0, len(r.byItems))
	for col := range r.byItems {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// TasksForItemsCollection returns the tasks whose items live in the given
// collection.
func (r *Registry) TasksForItemsCollection(collection string) []*task.Reactive {
	return r.byItems[collection]
}

// Empty reports whether no tasks are registered.
func (r *Registry) Empty() bool {
	return len(r.byName) == 0
}

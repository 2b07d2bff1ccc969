// Package recipe defines named deployment tasks, groups them into ordered
// recipes and runs them one after another.
package recipe

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// FailedEvent is the trigger whose after-hooks run when a recipe fails
const FailedEvent = "deploy:failed"

// TaskFunc is the body of a task
type TaskFunc func(ctx context.Context, d *Deployment) error

// Task is a named unit of work
type Task struct {
	Name        string
	Description string

	// Once tasks run at most one time per recipe run even if listed repeatedly
	Once bool

	// Hidden tasks are omitted from listings
	Hidden bool

	Fn TaskFunc
}

// Desc sets the description shown in listings
func (t *Task) Desc(description string) *Task {
	t.Description = description
	return t
}

// RunOnce marks the task as Once
func (t *Task) RunOnce() *Task {
	t.Once = true
	return t
}

// Hide marks the task as Hidden
func (t *Task) Hide() *Task {
	t.Hidden = true
	return t
}

// Group is an ordered list of tasks or other groups
type Group struct {
	Name        string
	Description string
	Members     []string
}

// Registry holds every task, group and hook of a recipe
type Registry struct {
	tasks  map[string]*Task
	groups map[string]*Group
	after  map[string][]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		groups: make(map[string]*Group),
		after:  make(map[string][]string),
	}
}

// Task registers (or replaces) a task
func (r *Registry) Task(name string, fn TaskFunc) *Task {
	t := &Task{Name: name, Fn: fn}
	r.tasks[name] = t
	delete(r.groups, name)
	return t
}

// Group registers (or replaces) a group
func (r *Registry) Group(name, description string, members ...string) *Group {
	g := &Group{Name: name, Description: description, Members: members}
	r.groups[name] = g
	delete(r.tasks, name)
	return g
}

// After runs task every time trigger completes. trigger may also be an event
// such as FailedEvent.
func (r *Registry) After(trigger, task string) {
	r.after[trigger] = append(r.after[trigger], task)
}

// Hooks returns the tasks registered after trigger
func (r *Registry) Hooks(trigger string) []string {
	return append([]string(nil), r.after[trigger]...)
}

// Lookup finds a task by name
func (r *Registry) Lookup(name string) (*Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Has reports whether name is a task or a group
func (r *Registry) Has(name string) bool {
	_, isTask := r.tasks[name]
	_, isGroup := r.groups[name]
	return isTask || isGroup
}

// Entry is one line of a task listing
type Entry struct {
	Name        string
	Description string
	Group       bool
	Hidden      bool
	Members     []string
}

// Entries lists tasks and groups sorted by name
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, len(r.tasks)+len(r.groups))
	for _, t := range r.tasks {
		entries = append(entries, Entry{Name: t.Name, Description: t.Description, Hidden: t.Hidden})
	}
	for _, g := range r.groups {
		entries = append(entries, Entry{Name: g.Name, Description: g.Description, Group: true, Members: g.Members})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Plan expands names into the ordered list of tasks to run.
// Groups expand recursively, after-hooks follow their trigger, and Once tasks
// keep only their first position.
func (r *Registry) Plan(names ...string) ([]*Task, error) {
	var plan []*Task
	seenOnce := make(map[string]bool)
	var stack []string

	var expand func(name string) error
	expand = func(name string) error {
		for _, s := range stack {
			if s == name {
				return fmt.Errorf("cycle detected: %s -> %s", strings.Join(stack, " -> "), name)
			}
		}
		stack = append(stack, name)
		defer func() { stack = stack[:len(stack)-1] }()

		if g, ok := r.groups[name]; ok {
			for _, member := range g.Members {
				if err := expand(member); err != nil {
					return err
				}
			}
		} else if t, ok := r.tasks[name]; ok {
			if !t.Once || !seenOnce[name] {
				plan = append(plan, t)
				seenOnce[name] = true
			}
		} else {
			if len(stack) > 1 {
				return fmt.Errorf("task %q not found (referenced by %q)", name, stack[len(stack)-2])
			}
			return fmt.Errorf("task %q not found", name)
		}

		for _, hook := range r.after[name] {
			if err := expand(hook); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range names {
		if err := expand(name); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Validate expands every group and hook so broken references surface before
// anything runs.
func (r *Registry) Validate() error {
	names := make([]string, 0, len(r.groups)+len(r.after))
	for name := range r.groups {
		names = append(names, name)
	}
	for trigger := range r.after {
		if !r.Has(trigger) {
			names = append(names, r.after[trigger]...)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := r.Plan(name); err != nil {
			return err
		}
	}
	return nil
}

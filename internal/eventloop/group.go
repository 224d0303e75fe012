package eventloop

import "sync"

// Group tracks named tasks so they can be canceled as a unit at
// teardown. Registering a name that is already present cancels the
// previous task.
type Group struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	canceled bool
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{tasks: make(map[string]*Task)}
}

// Add registers t. If the group was already canceled, t is canceled
// immediately.
func (g *Group) Add(t *Task) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.canceled {
		t.Cancel()
		return t
	}
	if prev, ok := g.tasks[t.name]; ok && prev != t {
		prev.Cancel()
	}
	g.tasks[t.name] = t
	return t
}

// Cancel cancels the named task. Returns true if a live task was canceled.
func (g *Group) Cancel(name string) bool {
	g.mu.Lock()
	t, ok := g.tasks[name]
	delete(g.tasks, name)
	g.mu.Unlock()

	if !ok {
		return false
	}
	return t.Cancel()
}

// Has reports whether a live task with the given name is registered.
func (g *Group) Has(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[name]
	return ok && !t.Canceled()
}

// CancelAll cancels every registered task and rejects later
// registrations. Returns how many tasks were live.
func (g *Group) CancelAll() int {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = make(map[string]*Task)
	g.canceled = true
	g.mu.Unlock()

	n := 0
	for _, t := range tasks {
		if t.Cancel() {
			n++
		}
	}
	return n
}

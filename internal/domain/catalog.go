package domain

import "sort"

// Catalog holds the immutable reference tables the engine reads.
type Catalog struct {
	priorities   map[int]PriorityLevel
	complexities map[int]ComplexityLevel
	taskTypes    map[int]TaskType
	statuses     map[int]TaskStatus
}

// NewCatalog indexes reference rows by ID. Later duplicates overwrite earlier ones.
func NewCatalog(priorities []PriorityLevel, complexities []ComplexityLevel, taskTypes []TaskType, statuses []TaskStatus) *Catalog {
	c := &Catalog{
		priorities:   make(map[int]PriorityLevel, len(priorities)),
		complexities: make(map[int]ComplexityLevel, len(complexities)),
		taskTypes:    make(map[int]TaskType, len(taskTypes)),
		statuses:     make(map[int]TaskStatus, len(statuses)),
	}
	for _, p := range priorities {
		c.priorities[p.ID] = p
	}
	for _, x := range complexities {
		c.complexities[x.ID] = x
	}
	for _, t := range taskTypes {
		c.taskTypes[t.ID] = t
	}
	for _, s := range statuses {
		c.statuses[s.ID] = s
	}
	return c
}

func (c *Catalog) Priority(id int) (PriorityLevel, error) {
	p, ok := c.priorities[id]
	if !ok {
		return PriorityLevel{}, &UnknownReferenceError{Kind: "priority", ID: id}
	}
	return p, nil
}

func (c *Catalog) Complexity(id int) (ComplexityLevel, error) {
	x, ok := c.complexities[id]
	if !ok {
		return ComplexityLevel{}, &UnknownReferenceError{Kind: "complexity", ID: id}
	}
	return x, nil
}

func (c *Catalog) TaskType(id int) (TaskType, error) {
	t, ok := c.taskTypes[id]
	if !ok {
		return TaskType{}, &UnknownReferenceError{Kind: "task_type", ID: id}
	}
	return t, nil
}

func (c *Catalog) Status(id int) (TaskStatus, error) {
	s, ok := c.statuses[id]
	if !ok {
		return TaskStatus{}, &UnknownReferenceError{Kind: "status", ID: id}
	}
	return s, nil
}

// MostUrgentPriority returns the smallest priority ID, or 0 if the catalog has none.
func (c *Catalog) MostUrgentPriority() int {
	first := true
	lowest := 0
	for id := range c.priorities {
		if first || id < lowest {
			lowest = id
			first = false
		}
	}
	return lowest
}

// DefaultStatus returns the lowest-ID status of the given type. The engine
// uses it when it moves a task between types on its own (queueing, promotion).
func (c *Catalog) DefaultStatus(t StatusType) (TaskStatus, error) {
	var (
		best  TaskStatus
		found bool
	)
	for _, s := range c.statuses {
		if s.Type != t {
			continue
		}
		if !found || s.ID < best.ID {
			best = s
			found = true
		}
	}
	if !found {
		return TaskStatus{}, &UnknownReferenceError{Kind: "status_type:" + string(t)}
	}
	return best, nil
}

// Priorities returns all priority levels ordered by ID.
func (c *Catalog) Priorities() []PriorityLevel {
	out := make([]PriorityLevel, 0, len(c.priorities))
	for _, p := range c.priorities {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Statuses returns all statuses ordered by ID.
func (c *Catalog) Statuses() []TaskStatus {
	out := make([]TaskStatus, 0, len(c.statuses))
	for _, s := range c.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

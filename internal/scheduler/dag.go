package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// node is a task admitted to a scheduler's live graph.
type node struct {
	task *Task

	// waiting counts unfinished dependencies plus exclusivity categories not
	// yet acquired, plus one admission guard released once wiring is done.
	waiting int
}

// DAG is the live set of admitted, unfinished tasks of one scheduler.
// Callers hold the scheduler mutex.
type DAG struct {
	nodes map[TaskID]*node
}

func newDAG() *DAG {
	return &DAG{nodes: make(map[TaskID]*node)}
}

func (d *DAG) add(t *Task) *node {
	n := &node{task: t, waiting: 1}
	d.nodes[t.ID()] = n
	return n
}

func (d *DAG) remove(t *Task) {
	delete(d.nodes, t.ID())
}

func (d *DAG) len() int {
	return len(d.nodes)
}

func (d *DAG) tasks() []*Task {
	tasks := make([]*Task, 0, len(d.nodes))
	for _, n := range d.nodes {
		tasks = append(tasks, n.task)
	}
	return tasks
}

// order runs a topological sort over the live tasks and their dependencies.
// Dependencies outside the graph are included so cycles through them are
// still detected.
func (d *DAG) order() ([]*Task, error) {
	var edges []toposort.Edge
	for _, n := range d.nodes {
		deps := n.task.Dependencies()
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, n.task})
			continue
		}
		for _, dep := range deps {
			// Edge (dep, task) means dep must come before task
			edges = append(edges, toposort.Edge{dep, n.task})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]*Task, 0, len(sorted))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(*Task))
		}
	}

	// Every live task must survive the sort
	found := make(map[TaskID]bool, len(order))
	for _, t := range order {
		found[t.ID()] = true
	}
	var missing []string
	for id, n := range d.nodes {
		if !found[id] {
			missing = append(missing, n.task.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

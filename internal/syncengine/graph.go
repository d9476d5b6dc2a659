package syncengine

import (
	"container/heap"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
)

// mutationGraph orders queued mutations. Edges come from declared dependencies and from enqueue
// order between mutations that target the same entity.
type mutationGraph struct {
	nodes        map[string]*store.PendingMutation
	predecessors map[string][]string
	successors   map[string][]string
}

func buildGraph(mutations []store.PendingMutation) *mutationGraph {
	graph := &mutationGraph{
		nodes:        make(map[string]*store.PendingMutation, len(mutations)),
		predecessors: make(map[string][]string, len(mutations)),
		successors:   make(map[string][]string, len(mutations)),
	}
	for index := range mutations {
		graph.nodes[mutations[index].ID] = &mutations[index]
	}

	lastForEntity := make(map[string]string)
	for index := range mutations {
		mutation := &mutations[index]
		seen := make(map[string]struct{})
		for _, dependency := range mutation.Dependencies {
			// Absent dependencies were completed and pruned.
			if _, ok := graph.nodes[dependency]; !ok || dependency == mutation.ID {
				continue
			}
			if _, dup := seen[dependency]; dup {
				continue
			}
			seen[dependency] = struct{}{}
			graph.addEdge(dependency, mutation.ID)
		}
		if mutation.EntityKey == "" {
			continue
		}
		if previous, ok := lastForEntity[mutation.EntityKey]; ok {
			if _, dup := seen[previous]; !dup {
				graph.addEdge(previous, mutation.ID)
			}
		}
		lastForEntity[mutation.EntityKey] = mutation.ID
	}
	return graph
}

func (g *mutationGraph) addEdge(from, to string) {
	g.successors[from] = append(g.successors[from], to)
	g.predecessors[to] = append(g.predecessors[to], from)
}

// order drains the graph topologically, preferring high priority and then enqueue order among
// ready nodes. Nodes on a cycle are returned separately.
func (g *mutationGraph) order() ([]*store.PendingMutation, []*store.PendingMutation) {
	inDegree := make(map[string]int, len(g.nodes))
	ready := &readyQueue{}
	for id := range g.nodes {
		inDegree[id] = len(g.predecessors[id])
		if inDegree[id] == 0 {
			heap.Push(ready, g.nodes[id])
		}
	}

	ordered := make([]*store.PendingMutation, 0, len(g.nodes))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(*store.PendingMutation)
		ordered = append(ordered, next)
		for _, successor := range g.successors[next.ID] {
			inDegree[successor]--
			if inDegree[successor] == 0 {
				heap.Push(ready, g.nodes[successor])
			}
		}
	}

	if len(ordered) == len(g.nodes) {
		return ordered, nil
	}
	cyclic := make([]*store.PendingMutation, 0, len(g.nodes)-len(ordered))
	for id, degree := range inDegree {
		if degree > 0 {
			cyclic = append(cyclic, g.nodes[id])
		}
	}
	return ordered, cyclic
}

func priorityRank(priority store.Priority) int {
	if priority == store.PriorityHigh {
		return 0
	}
	return 1
}

type readyQueue []*store.PendingMutation

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	left, right := priorityRank(q[i].Priority), priorityRank(q[j].Priority)
	if left != right {
		return left < right
	}
	return q[i].Seq < q[j].Seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(value any) {
	*q = append(*q, value.(*store.PendingMutation))
}

func (q *readyQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	*q = old[:len(old)-1]
	return last
}

// Package waitfor tracks which transactions are blocked on which others and
// finds deadlocks among them.
//
// An edge A→B means A was denied a lock that B holds. Edges are added
// reactively when a lock request is denied; nobody actually sleeps on them.
package waitfor

import (
	"sort"
	"sync"

	"github.com/sushant-115/photobook/core/transaction"
)

// Edge is a directed wait dependency.
type Edge struct {
	Waiter transaction.TxnID `json:"waiter"`
	Holder transaction.TxnID `json:"holder"`
}

// Graph is the wait-for graph. A single mutex guards the adjacency sets.
type Graph struct {
	mu    sync.Mutex
	edges map[transaction.TxnID]map[transaction.TxnID]struct{} // waiter -> holders
}

// NewGraph creates an empty wait-for graph.
func NewGraph() *Graph {
	return &Graph{
		edges: make(map[transaction.TxnID]map[transaction.TxnID]struct{}),
	}
}

// AddEdge records that waiter is blocked on holder. Repeated denials of the
// same pair collapse into one edge; self-edges are ignored.
func (g *Graph) AddEdge(waiter, holder transaction.TxnID) {
	if waiter == holder {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.edges[waiter] == nil {
		g.edges[waiter] = make(map[transaction.TxnID]struct{})
	}
	g.edges[waiter][holder] = struct{}{}
}

// RemoveTransaction deletes id both as a waiter and as a holder.
func (g *Graph) RemoveTransaction(id transaction.TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.edges, id)
	for waiter, holders := range g.edges {
		delete(holders, id)
		if len(holders) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// ClearWaits deletes the outgoing edges of id. A transaction that has just
// been granted a lock is no longer blocked on anyone.
func (g *Graph) ClearWaits(id transaction.TxnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, id)
}

// IsWaiting reports whether id has at least one outgoing edge.
func (g *Graph) IsWaiting(id transaction.TxnID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges[id]) > 0
}

// DetectCycle performs a Kahn-style topological reduction: nodes with zero
// in-degree are removed repeatedly, decrementing the in-degree of the nodes
// they wait on. Every node that survives has no topological position, so it
// is either on a cycle or reachable from one. The survivors are returned in
// sorted order; the result is empty when the graph is acyclic.
func (g *Graph) DetectCycle() []transaction.TxnID {
	g.mu.Lock()
	defer g.mu.Unlock()

	inDegree := make(map[transaction.TxnID]int)
	for waiter, holders := range g.edges {
		if _, ok := inDegree[waiter]; !ok {
			inDegree[waiter] = 0
		}
		for holder := range holders {
			inDegree[holder]++
		}
	}

	queue := make([]transaction.TxnID, 0, len(inDegree))
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	removed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		removed++
		for holder := range g.edges[current] {
			inDegree[holder]--
			if inDegree[holder] == 0 {
				queue = append(queue, holder)
			}
		}
	}

	if removed == len(inDegree) {
		return nil
	}
	survivors := make([]transaction.TxnID, 0, len(inDegree)-removed)
	for id, d := range inDegree {
		if d > 0 {
			survivors = append(survivors, id)
		}
	}
	sort.Slice(survivors, func(i, j int) bool { return survivors[i] < survivors[j] })
	return survivors
}

// Edges returns a sorted copy of every edge.
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Edge, 0, len(g.edges))
	for waiter, holders := range g.edges {
		for holder := range holders {
			out = append(out, Edge{Waiter: waiter, Holder: holder})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Waiter != out[j].Waiter {
			return out[i].Waiter < out[j].Waiter
		}
		return out[i].Holder < out[j].Holder
	})
	return out
}

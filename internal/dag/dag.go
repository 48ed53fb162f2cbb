// SPDX-License-Identifier: MPL-2.0

// Package dag orders nodes of a directed graph and rejects cycles. The
// pipeline uses it to check that stage parent references form a tree rooted
// at the base stage.
package dag

import (
	"fmt"
	"strings"
)

type (
	// CycleError lists the nodes left over once every acyclic node was ordered.
	CycleError struct {
		Cycle []string
	}

	// Graph is a directed graph whose edge a -> b means a must be built before b.
	Graph struct {
		edges map[string][]string
		nodes []string
		known map[string]bool
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		edges: make(map[string][]string),
		known: make(map[string]bool),
	}
}

// AddNode adds name unless it is already present.
func (g *Graph) AddNode(name string) {
	if g.known[name] {
		return
	}
	g.known[name] = true
	g.nodes = append(g.nodes, name)
}

// AddEdge records that from must come before to, adding both nodes.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.edges[from] = append(g.edges[from], to)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// TopologicalSort orders the nodes with Kahn's algorithm. Ties are broken by
// insertion order so the result is stable across runs.
func (g *Graph) TopologicalSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, targets := range g.edges {
		for _, to := range targets {
			indegree[to]++
		}
	}

	var queue []string
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, to := range g.edges[n] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(order) < len(g.nodes) {
		var cycle []string
		for _, n := range g.nodes {
			if indegree[n] > 0 {
				cycle = append(cycle, n)
			}
		}
		return nil, &CycleError{Cycle: cycle}
	}
	return order, nil
}

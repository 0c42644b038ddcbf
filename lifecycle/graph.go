// Package lifecycle holds the closed status enums of quotes, orders and
// agreements together with their transition whitelists. It has no
// dependencies on storage so every service checks transitions the same way.
package lifecycle

import (
	"sort"

	"dealflow/apperr"
)

// Graph is a directed whitelist of status transitions.
type Graph[S ~string] struct {
	entity string
	edges  map[S][]S
}

func newGraph[S ~string](entity string, edges map[S][]S) Graph[S] {
	return Graph[S]{entity: entity, edges: edges}
}

// Can reports whether from -> to is whitelisted.
func (g Graph[S]) Can(from, to S) bool {
	for _, next := range g.edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check returns a BusinessRule error when from -> to is not whitelisted.
func (g Graph[S]) Check(from, to S) error {
	if g.Can(from, to) {
		return nil
	}
	return apperr.BusinessRule("invalid_transition", "%s cannot move from %s to %s", g.entity, from, to)
}

// Allowed lists the statuses reachable from s in one step, sorted.
func (g Graph[S]) Allowed(from S) []S {
	out := append([]S(nil), g.edges[from]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTerminal reports whether s has no outgoing edges.
func (g Graph[S]) IsTerminal(s S) bool {
	return len(g.edges[s]) == 0
}

// Sources lists every status from which to is reachable in one step, sorted.
func (g Graph[S]) Sources(to S) []S {
	var out []S
	for from, nexts := range g.edges {
		for _, n := range nexts {
			if n == to {
				out = append(out, from)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings converts a status slice for use as a SQL text[] argument.
func Strings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// Contains reports whether s is one of set.
func Contains[S ~string](set []S, s S) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

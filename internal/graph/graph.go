// Package graph implements ImageGraph: a directed acyclic graph of Image
// nodes with edges from an Image to each of its dependencies.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ovbuild/velocity/internal/image"
)

// CycleError reports an edge that would close a cycle, carrying the
// offending cycle as a sequence of node keys.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// MissingNodeError reports an edge endpoint that was never added via AddNode.
type MissingNodeError struct {
	Key string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("graph: node %q not present", e.Key)
}

// Key uniquely identifies an Image node: name and version together, since
// the same catalog can hold several versions of one name.
func Key(img *image.Image) string {
	return img.Name + "@" + img.Version.String()
}

// Graph is a directed graph of *image.Image nodes. It never loses a node's
// attributes on traversal: every operation returns the stored *image.Image
// pointers directly, sidestepping the attribute-losing neighbour-iteration
// problem a string-keyed external graph library can have.
type Graph struct {
	nodes map[string]*image.Image
	edges map[string]map[string]struct{} // u -> set of v, meaning u depends on v
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*image.Image),
		edges: make(map[string]map[string]struct{}),
	}
}

// AddNode registers img as a node, keyed by Key(img). Re-adding the same key
// replaces the stored Image.
func (g *Graph) AddNode(img *image.Image) {
	k := Key(img)
	g.nodes[k] = img
	if g.edges[k] == nil {
		g.edges[k] = make(map[string]struct{})
	}
}

// AddEdge adds a directed edge u -> v (u depends on v). Both must already be
// present via AddNode. If the edge would close a cycle, it is not added and
// a *CycleError is returned listing the offending cycle.
func (g *Graph) AddEdge(u, v *image.Image) error {
	uk, vk := Key(u), Key(v)
	if _, ok := g.nodes[uk]; !ok {
		return &MissingNodeError{Key: uk}
	}
	if _, ok := g.nodes[vk]; !ok {
		return &MissingNodeError{Key: vk}
	}

	if path, ok := g.findPath(vk, uk); ok {
		return &CycleError{Cycle: append(path, uk)}
	}

	g.edges[uk][vk] = struct{}{}
	return nil
}

// GetDependencies returns the full Image records n directly depends on
// (n's one-hop outgoing neighbours).
func (g *Graph) GetDependencies(n *image.Image) []*image.Image {
	k := Key(n)
	keys := make([]string, 0, len(g.edges[k]))
	for dep := range g.edges[k] {
		keys = append(keys, dep)
	}
	sort.Strings(keys)

	out := make([]*image.Image, 0, len(keys))
	for _, dep := range keys {
		out = append(out, g.nodes[dep])
	}
	return out
}

// GetSimilarNodes returns every node sharing the given name, regardless of
// version, sorted by Preferred descending (highest/most-specific first).
func (g *Graph) GetSimilarNodes(name string) []*image.Image {
	var out []*image.Image
	for _, n := range g.nodes {
		if n.Name == name {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version.Preferred(out[j].Version)
	})
	return out
}

// IsAbove reports whether v is reachable from u by following dependency
// edges (u depends on v, directly or transitively). A node is trivially
// above itself.
func (g *Graph) IsAbove(u, v *image.Image) bool {
	_, ok := g.findPath(Key(u), Key(v))
	return ok
}

// findPath does a DFS from start to target, returning the path (inclusive
// of start, exclusive of target since callers append it themselves where
// needed) and whether target is reachable.
func (g *Graph) findPath(start, target string) ([]string, bool) {
	if start == target {
		return []string{start}, true
	}

	visited := make(map[string]bool)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		visited[node] = true

		if node == target {
			return true
		}
		path = append(path, node)

		deps := make([]string, 0, len(g.edges[node]))
		for dep := range g.edges[node] {
			deps = append(deps, dep)
		}
		sort.Strings(deps)

		for _, dep := range deps {
			if !visited[dep] {
				if dfs(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		return false
	}

	if dfs(start) {
		return path, true
	}
	return nil, false
}

// Nodes returns every node currently in the graph, in no particular order.
func (g *Graph) Nodes() []*image.Image {
	out := make([]*image.Image, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

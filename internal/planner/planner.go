// Package planner implements RecipePlanner: turning a set of target specs
// into a dependency-ordered BuildTuple by iterating the catalog's
// constraints to a fixed point and enumerating name-group permutations.
package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ovbuild/velocity/internal/catalog"
	"github.com/ovbuild/velocity/internal/constraint"
	"github.com/ovbuild/velocity/internal/graph"
	"github.com/ovbuild/velocity/internal/image"
)

// Target is a parsed target spec: a name plus a version constraint.
type Target = image.Dependency

// ParseTarget parses one target spec string into a Target.
func ParseTarget(spec string) (Target, error) {
	return image.ParseDependency(spec)
}

// ParseTargets parses every spec in specs into Targets.
func ParseTargets(specs []string) ([]Target, error) {
	out := make([]Target, 0, len(specs))
	for _, s := range specs {
		t, err := ParseTarget(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// BuildTuple is the dependency-ordered sequence of Images the planner emits:
// at most one Image per name, every dependency satisfied by an earlier entry.
type BuildTuple []*image.Image

// NoAvailableBuildError reports that no permutation of candidate Images
// satisfies every target and dependency constraint.
type NoAvailableBuildError struct {
	Target string
	Reason string
}

func (e *NoAvailableBuildError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("no available build: %s", e.Reason)
	}
	return fmt.Sprintf("no available build for %q: %s", e.Target, e.Reason)
}

// Planner plans build recipes against a catalog Repo.
type Planner struct {
	Repo *catalog.Repo
}

// New returns a Planner bound to repo.
func New(repo *catalog.Repo) *Planner {
	return &Planner{Repo: repo}
}

// CreateBuildRecipe runs the full planning algorithm (§4.F): deep-copy,
// pre-burner graph, tentative plan, build-scope fixed point, final graph,
// final plan, then underlay computation.
func (p *Planner) CreateBuildRecipe(targetSpecs []string) (BuildTuple, *graph.Graph, error) {
	targets, err := ParseTargets(targetSpecs)
	if err != nil {
		return nil, nil, err
	}

	working := cloneAll(p.Repo.Images())
	allConstraints := p.Repo.Store.All()

	logrus.Debugf("planner: applying %d non-build constraints (pre-burner pass)", countNonBuild(allConstraints))
	if err := applyConstraintsOnce(working, nonBuildConstraints(allConstraints)); err != nil {
		return nil, nil, err
	}

	preGraph, err := buildGraph(working)
	if err != nil {
		return nil, nil, err
	}

	tentative, err := plan(targets, working, preGraph)
	if err != nil {
		return nil, nil, err
	}

	if err := p.buildScopeFixedPoint(working, allConstraints, tentative); err != nil {
		return nil, nil, err
	}

	finalGraph, err := buildGraph(working)
	if err != nil {
		return nil, nil, err
	}

	tuple, err := plan(targets, working, finalGraph)
	if err != nil {
		return nil, nil, err
	}

	if err := computeUnderlay(tuple); err != nil {
		return nil, nil, err
	}

	logrus.Infof("planner: recipe resolved, %d images", len(tuple))
	return tuple, finalGraph, nil
}

func cloneAll(images []*image.Image) []*image.Image {
	out := make([]*image.Image, len(images))
	for i, img := range images {
		out[i] = img.Clone()
	}
	return out
}

func countNonBuild(cs []constraint.Constraint) int {
	n := 0
	for _, c := range cs {
		if c.Scope != constraint.ScopeBuild {
			n++
		}
	}
	return n
}

func nonBuildConstraints(cs []constraint.Constraint) []constraint.Constraint {
	var out []constraint.Constraint
	for _, c := range cs {
		if c.Scope != constraint.ScopeBuild {
			out = append(out, c)
		}
	}
	return out
}

// applyConstraintsOnce applies every constraint in cs to every Image in
// working exactly once (used for the pre-burner pass, §4.F step 2).
func applyConstraintsOnce(working []*image.Image, cs []constraint.Constraint) error {
	for _, c := range cs {
		for _, img := range working {
			if _, err := img.ApplyConstraint(c.EffectiveWhen(), c.Kind, c.Payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildScopeFixedPoint is §4.F step 4: iterate build-scope constraints
// (activated when some tentative-tuple member satisfies the constraint's
// when, then fanned out unconditionally to every catalog Image) alongside
// a re-application of every other scope, until no dependency is newly
// added.
func (p *Planner) buildScopeFixedPoint(working []*image.Image, allConstraints []constraint.Constraint, tentative BuildTuple) error {
	for {
		changed := false

		for _, c := range allConstraints {
			if c.Scope == constraint.ScopeBuild {
				continue
			}
			for _, img := range working {
				mutated, err := img.ApplyConstraint(c.EffectiveWhen(), c.Kind, c.Payload)
				if err != nil {
					return err
				}
				changed = changed || mutated
			}
		}

		for _, c := range allConstraints {
			if c.Scope != constraint.ScopeBuild {
				continue
			}
			active := false
			for _, t := range tentative {
				ok, err := t.Satisfies(c.When)
				if err != nil {
					return err
				}
				if ok {
					active = true
					break
				}
			}
			if !active {
				continue
			}
			for _, img := range working {
				mutated, err := img.ApplyConstraint("", c.Kind, c.Payload)
				if err != nil {
					return err
				}
				changed = changed || mutated
			}
		}

		if !changed {
			return nil
		}
	}
}

// buildGraph adds every Image as a node and, for each declared dependency,
// an edge to the highest-preferred Image among those present that satisfies
// it (§4.F step 2/5: "edges from each dependency spec to the
// highest-satisfying Image").
func buildGraph(working []*image.Image) (*graph.Graph, error) {
	g := graph.New()
	for _, img := range working {
		g.AddNode(img)
	}
	for _, img := range working {
		depNames := sortedDependencyNames(img)
		for _, depName := range depNames {
			dep := img.Dependencies[depName]
			candidates := g.GetSimilarNodes(dep.Name)
			for _, c := range candidates {
				if dep.SatisfiedBy(c.Version) {
					if err := g.AddEdge(img, c); err != nil {
						return nil, err
					}
					break
				}
			}
		}
	}
	return g, nil
}

func sortedDependencyNames(img *image.Image) []string {
	names := make([]string, 0, len(img.Dependencies))
	for name := range img.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// plan is the planning routine used at §4.F steps 3 and 6.
func plan(targets []Target, working []*image.Image, g *graph.Graph) (BuildTuple, error) {
	for _, t := range targets {
		if len(g.GetSimilarNodes(t.Name)) == 0 {
			return nil, &NoAvailableBuildError{Target: t.Name, Reason: "no such image in catalog"}
		}
	}

	buildSet := make(map[string]*image.Image)
	for _, t := range targets {
		for _, n := range g.GetSimilarNodes(t.Name) {
			buildSet[graph.Key(n)] = n
		}
	}
	saturate(buildSet, g)

	for _, t := range targets {
		for key, img := range buildSet {
			if img.Name == t.Name && !t.SatisfiedBy(img.Version) {
				delete(buildSet, key)
			}
		}
	}

	groups := make(map[string][]*image.Image)
	for _, img := range buildSet {
		groups[img.Name] = append(groups[img.Name], img)
	}
	for name := range groups {
		sort.Slice(groups[name], func(i, j int) bool {
			return groups[name][i].Version.Preferred(groups[name][j].Version)
		})
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, t := range targets {
		if _, ok := groups[t.Name]; !ok {
			return nil, &NoAvailableBuildError{Target: t.Name, Reason: "target constraint eliminated every candidate"}
		}
	}

	memo := make(map[string]bool)
	candidate := make(map[string]*image.Image, len(names))
	result := enumerate(names, 0, candidate, groups, targets, g, memo)
	if result == nil {
		return nil, &NoAvailableBuildError{Reason: "no candidate set satisfies every dependency"}
	}
	return result, nil
}

func saturate(buildSet map[string]*image.Image, g *graph.Graph) {
	for {
		grew := false
		for _, img := range snapshot(buildSet) {
			for _, dep := range g.GetDependencies(img) {
				key := graph.Key(dep)
				if _, ok := buildSet[key]; !ok {
					buildSet[key] = dep
					grew = true
				}
			}
		}
		if !grew {
			return
		}
	}
}

func snapshot(m map[string]*image.Image) []*image.Image {
	out := make([]*image.Image, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// enumerate performs the depth-first permutation search across name-groups,
// one Image chosen per group. A candidate set is validated only once every
// group has a choice; a prefix whose whole subtree held no valid set is
// recorded in memo and skipped if met again.
func enumerate(
	names []string,
	i int,
	candidate map[string]*image.Image,
	groups map[string][]*image.Image,
	targets []Target,
	g *graph.Graph,
	memo map[string]bool,
) BuildTuple {
	if i == len(names) {
		return validateAndEmit(candidate, targets, g)
	}

	name := names[i]
	for _, img := range groups[name] {
		candidate[name] = img
		key := prefixKey(names[:i+1], candidate)
		if invalid, seen := memo[key]; seen && invalid {
			delete(candidate, name)
			continue
		}
		if tuple := enumerate(names, i+1, candidate, groups, targets, g, memo); tuple != nil {
			return tuple
		}
		memo[key] = true
		delete(candidate, name)
	}
	return nil
}

func prefixKey(names []string, candidate map[string]*image.Image) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + candidate[n].ID()
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// validateAndEmit prunes candidate to the images reachable from some
// target match, checks validity (every dependency satisfied within the
// pruned set), and emits a topological ordering if valid.
func validateAndEmit(candidate map[string]*image.Image, targets []Target, g *graph.Graph) BuildTuple {
	var targetMatches []*image.Image
	for _, t := range targets {
		if img, ok := candidate[t.Name]; ok {
			targetMatches = append(targetMatches, img)
		}
	}

	pruned := make(map[string]*image.Image)
	for name, img := range candidate {
		for _, tm := range targetMatches {
			if g.IsAbove(tm, img) {
				pruned[name] = img
				break
			}
		}
	}

	for _, img := range pruned {
		for _, dep := range img.Dependencies {
			other, ok := pruned[dep.Name]
			if !ok || !dep.SatisfiedBy(other.Version) {
				return nil
			}
		}
	}

	return topoOrder(pruned)
}

func topoOrder(pruned map[string]*image.Image) BuildTuple {
	remaining := make(map[string]*image.Image, len(pruned))
	for k, v := range pruned {
		remaining[k] = v
	}
	processed := make(map[string]bool, len(pruned))

	var tuple BuildTuple
	for len(remaining) > 0 {
		var level []*image.Image
		for name, img := range remaining {
			ready := true
			for _, dep := range img.Dependencies {
				if _, ok := pruned[dep.Name]; ok && !processed[dep.Name] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, img)
				_ = name
			}
		}
		if len(level) == 0 {
			return nil
		}
		sort.Slice(level, func(i, j int) bool {
			return !level[i].Version.Preferred(level[j].Version)
		})
		for _, img := range level {
			tuple = append(tuple, img)
			processed[img.Name] = true
			delete(remaining, img.Name)
		}
	}
	return tuple
}

// computeUnderlay sets each Image's Underlay to the running sum of the
// numeric (hex-decoded) ids of every preceding Image in tuple, so each
// layer's hash transitively depends on everything beneath it.
func computeUnderlay(tuple BuildTuple) error {
	running := int64(0)
	for _, img := range tuple {
		img.Underlay = int(running)
		id, err := strconv.ParseInt(img.ID(), 16, 64)
		if err != nil {
			return fmt.Errorf("image %s: decoding id %q as hex: %w", img.Name, img.ID(), err)
		}
		running += id
	}
	return nil
}

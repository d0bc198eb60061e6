// Package constraint implements the Constraint five-tuple and the YAML
// loading rules that populate a ConstraintStore from catalog specs.yaml
// files and CLI-provided -A/-V arguments.
package constraint

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ovbuild/velocity/internal/image"
)

// Scope controls how a Constraint is activated during planning.
type Scope int

const (
	// ScopeImage activates per-Image: the Image being tested must satisfy
	// ImageName ∧ When.
	ScopeImage Scope = iota
	// ScopeBuild activates per-target, keyed to recipe membership.
	ScopeBuild
	// ScopeGlobal activates for every Image when When alone is satisfied.
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeBuild:
		return "build"
	case ScopeGlobal:
		return "global"
	default:
		return "image"
	}
}

func parseScope(s string) (Scope, error) {
	switch s {
	case "", "image":
		return ScopeImage, nil
	case "build":
		return ScopeBuild, nil
	case "global":
		return ScopeGlobal, nil
	default:
		return 0, fmt.Errorf("unknown constraint scope %q", s)
	}
}

// Constraint is the (image_name, when_spec, kind, payload, scope) five-tuple.
type Constraint struct {
	ImageName string
	When      string
	Kind      image.ConstraintKind
	Payload   string
	Scope     Scope
}

// EffectiveWhen folds ImageName into the when-clause: both are spec
// language clauses, so "image_name ∧ when" is simply their conjunction in
// the same whitespace-separated grammar image.Satisfies already evaluates.
func (c Constraint) EffectiveWhen() string {
	return strings.TrimSpace(strings.TrimSpace(c.ImageName) + " " + strings.TrimSpace(c.When))
}

// Store holds every Constraint loaded from the catalog plus any added at
// the CLI. It is populated once during startup and read many times during
// planning.
type Store struct {
	constraints []Constraint
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Add appends a single Constraint.
func (s *Store) Add(c Constraint) {
	s.constraints = append(s.constraints, c)
}

// All returns every Constraint in the store, in load order.
func (s *Store) All() []Constraint {
	return s.constraints
}

// ForScope returns every Constraint with the given Scope, in load order.
func (s *Store) ForScope(scope Scope) []Constraint {
	var out []Constraint
	for _, c := range s.constraints {
		if c.Scope == scope {
			out = append(out, c)
		}
	}
	return out
}

// stringOrList decodes either a scalar YAML string or a list of strings
// into a []string, so list-valued payload fields expand uniformly.
type stringOrList []string

func (l *stringOrList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = []string{s}
		return nil
	}
	var ss []string
	if err := node.Decode(&ss); err != nil {
		return err
	}
	*l = ss
	return nil
}

// entryYAML is the common shape of one record under dependencies[],
// templates[], arguments[], variables[], files[], or prologs[] in
// specs.yaml: an optional when/scope pair plus a kind-specific payload
// field, any of which may be a scalar or a list.
type entryYAML struct {
	When   string       `yaml:"when,omitempty"`
	Scope  string       `yaml:"scope,omitempty"`
	Spec   stringOrList `yaml:"spec,omitempty"`
	Name   stringOrList `yaml:"name,omitempty"`
	Value  stringOrList `yaml:"value,omitempty"`
	Script stringOrList `yaml:"script,omitempty"`
}

// SpecsYAML is the full decoded shape of a catalog entry's specs.yaml.
// Version instantiation (the versions[] key) belongs to the catalog
// package; SpecsYAML only carries the keys that become Constraints.
type SpecsYAML struct {
	Dependencies []entryYAML `yaml:"dependencies,omitempty"`
	Templates    []entryYAML `yaml:"templates,omitempty"`
	Arguments    []entryYAML `yaml:"arguments,omitempty"`
	Variables    []entryYAML `yaml:"variables,omitempty"`
	Files        []entryYAML `yaml:"files,omitempty"`
	Prologs      []entryYAML `yaml:"prologs,omitempty"`
}

// ParseConstraintYAML reads and unmarshals a specs.yaml's constraint
// sections, appending one Constraint per list-payload element to store,
// attributed to imageName (the catalog directory the specs.yaml belongs
// to): unmarshal into a typed intermediate, then fan the payload out.
func ParseConstraintYAML(data []byte, imageName string, store *Store) error {
	var spec SpecsYAML
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parsing specs.yaml constraints: %w", err)
	}

	for _, e := range spec.Dependencies {
		if err := appendKind(store, imageName, e, image.KindDependency, e.Spec); err != nil {
			return err
		}
	}
	for _, e := range spec.Templates {
		if err := appendKind(store, imageName, e, image.KindTemplate, e.Name); err != nil {
			return err
		}
	}
	for _, e := range spec.Arguments {
		if err := appendKind(store, imageName, e, image.KindArgument, e.Name); err != nil {
			return err
		}
	}
	for _, e := range spec.Variables {
		payload, err := zipNameValue(e.Name, e.Value)
		if err != nil {
			return err
		}
		if err := appendKind(store, imageName, e, image.KindVariable, payload); err != nil {
			return err
		}
	}
	for _, e := range spec.Files {
		if err := appendKind(store, imageName, e, image.KindFile, e.Name); err != nil {
			return err
		}
	}
	for _, e := range spec.Prologs {
		if err := appendKind(store, imageName, e, image.KindProlog, e.Script); err != nil {
			return err
		}
	}

	return nil
}

func appendKind(store *Store, imageName string, e entryYAML, kind image.ConstraintKind, payloads []string) error {
	scope, err := parseScope(e.Scope)
	if err != nil {
		return err
	}
	// A global-scope constraint activates for every Image once When alone
	// is satisfied, so it carries no ImageName — matching how
	// ParseCLIArgument/ParseCLIVariable build global constraints.
	name := imageName
	if scope == ScopeGlobal {
		name = ""
	}
	for _, p := range payloads {
		store.Add(Constraint{
			ImageName: name,
			When:      e.When,
			Kind:      kind,
			Payload:   p,
			Scope:     scope,
		})
	}
	return nil
}

func zipNameValue(names, values []string) ([]string, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("variable constraint has %d name(s) but %d value(s)", len(names), len(values))
	}
	out := make([]string, len(names))
	for i := range names {
		out[i] = names[i] + "=" + values[i]
	}
	return out, nil
}

// ParseCLIArgument parses a -A "k:v;..." argument-constraint string into a
// set of global-scope Constraints: each ";"-separated "k:v" pair yields two,
// an argument constraint naming k and a variable constraint "k=v".
func ParseCLIArgument(spec string) ([]Constraint, error) {
	var out []Constraint
	for _, pair := range splitNonEmpty(spec, ';') {
		k, v, err := splitColonPair(pair)
		if err != nil {
			return nil, err
		}
		out = append(out, Constraint{
			Kind:    image.KindArgument,
			Payload: k,
			Scope:   ScopeGlobal,
		}, Constraint{
			Kind:    image.KindVariable,
			Payload: k + "=" + v,
			Scope:   ScopeGlobal,
		})
	}
	return out, nil
}

// ParseCLIVariable parses a -V "name:N;value:V" variable-constraint string
// into a single global-scope Constraint.
func ParseCLIVariable(spec string) (Constraint, error) {
	fields := map[string]string{}
	for _, pair := range splitNonEmpty(spec, ';') {
		k, v, err := splitColonPair(pair)
		if err != nil {
			return Constraint{}, err
		}
		fields[k] = v
	}
	name, ok := fields["name"]
	if !ok {
		return Constraint{}, fmt.Errorf("invalid -V argument %q: missing name", spec)
	}
	value := fields["value"]
	return Constraint{
		Kind:    image.KindVariable,
		Payload: name + "=" + value,
		Scope:   ScopeGlobal,
	}, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	for _, part := range strings.Split(s, string(sep)) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitColonPair(s string) (string, string, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", fmt.Errorf("malformed key:value pair %q", s)
	}
	return s[:i], s[i+1:], nil
}

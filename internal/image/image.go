// Package image implements the Image record, its query ("satisfies") language,
// and the constraint-application rule the planner drives to a fixed point.
package image

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ovbuild/velocity/internal/version"
)

// DepOp is the comparison a dependency or target places on a version.
type DepOp int

const (
	// OpUnversioned means any version of the named image satisfies the
	// dependency or target.
	OpUnversioned DepOp = iota
	OpEqual
	OpGreaterOrEqual
	OpLessOrEqual
)

func (op DepOp) String() string {
	switch op {
	case OpEqual:
		return "="
	case OpGreaterOrEqual:
		return ">="
	case OpLessOrEqual:
		return "<="
	default:
		return "*"
	}
}

// Dependency is one entry in an Image's dependency set: a name, and an
// optional version constraint on the image that satisfies it.
type Dependency struct {
	Name    string
	Op      DepOp
	Version version.Version
}

// SatisfiedBy reports whether candidate's version satisfies d's constraint.
func (d Dependency) SatisfiedBy(v version.Version) bool {
	switch d.Op {
	case OpEqual:
		return v.Equal(d.Version)
	case OpGreaterOrEqual:
		return v.GreaterOrEqual(d.Version)
	case OpLessOrEqual:
		return v.LessOrEqual(d.Version)
	default:
		return true
	}
}

func (d Dependency) String() string {
	if d.Op == OpUnversioned {
		return d.Name
	}
	return fmt.Sprintf("%s@%s%s", d.Name, d.Op, d.Version)
}

// ConstraintSyntaxError reports a spec clause that satisfies() doesn't
// understand.
type ConstraintSyntaxError struct {
	Clause string
}

func (e *ConstraintSyntaxError) Error() string {
	return fmt.Sprintf("unknown spec clause %q", e.Clause)
}

// Image is the concrete, (by convention) immutable record the catalog,
// graph, and planner all operate on. Planning clones Images before mutating
// them via ApplyConstraint.
type Image struct {
	Name    string
	Version version.Version
	System  string
	Backend string
	Distro  string

	Dependencies map[string]Dependency
	Variables    map[string]string
	Arguments    map[string]struct{}
	Files        map[string]struct{}

	Template      string
	TemplateBytes []byte
	Prolog        string

	// Underlay is the running sum of the numeric ids of every Image that
	// precedes this one in its build tuple, computed once planning settles
	// on a final ordering (§4.F). Zero until then.
	Underlay int

	CatalogPath string
}

// New returns an Image with all set-valued fields initialized empty, ready
// for ApplyConstraint to populate.
func New(name string, v version.Version) *Image {
	return &Image{
		Name:         name,
		Version:      v,
		Dependencies: make(map[string]Dependency),
		Variables:    make(map[string]string),
		Arguments:    make(map[string]struct{}),
		Files:        make(map[string]struct{}),
	}
}

// Clone deep-copies img, including every set- and map-valued field, so that
// ApplyConstraint on the clone never mutates the original Repo-owned Image.
func (img *Image) Clone() *Image {
	cp := *img
	cp.Dependencies = make(map[string]Dependency, len(img.Dependencies))
	for k, v := range img.Dependencies {
		cp.Dependencies[k] = v
	}
	cp.Variables = make(map[string]string, len(img.Variables))
	for k, v := range img.Variables {
		cp.Variables[k] = v
	}
	cp.Arguments = make(map[string]struct{}, len(img.Arguments))
	for k := range img.Arguments {
		cp.Arguments[k] = struct{}{}
	}
	cp.Files = make(map[string]struct{}, len(img.Files))
	for k := range img.Files {
		cp.Files[k] = struct{}{}
	}
	if img.TemplateBytes != nil {
		cp.TemplateBytes = append([]byte(nil), img.TemplateBytes...)
	}
	return &cp
}

// ID is the short identifier: the leading 7 hex characters of Hash.
func (img *Image) ID() string {
	h := img.Hash()
	enc := h.Encoded()
	if len(enc) > 7 {
		return enc[:7]
	}
	return enc
}

// Hash computes the SHA-256 content digest of every field of img plus the
// digest of the selected template's bytes plus the underlay, so two Images
// with identical inputs produce identical, and only identical, hashes.
func (img *Image) Hash() digest.Digest {
	var b strings.Builder

	fmt.Fprintf(&b, "name=%s\n", img.Name)
	fmt.Fprintf(&b, "version=%s\n", img.Version)
	fmt.Fprintf(&b, "system=%s\n", img.System)
	fmt.Fprintf(&b, "backend=%s\n", img.Backend)
	fmt.Fprintf(&b, "distro=%s\n", img.Distro)
	fmt.Fprintf(&b, "template=%s\n", img.Template)
	fmt.Fprintf(&b, "prolog=%s\n", img.Prolog)
	fmt.Fprintf(&b, "underlay=%d\n", img.Underlay)
	fmt.Fprintf(&b, "catalogPath=%s\n", img.CatalogPath)

	for _, name := range sortedKeys(img.Dependencies) {
		fmt.Fprintf(&b, "dep=%s\n", img.Dependencies[name])
	}
	for _, k := range sortedStringMapKeys(img.Variables) {
		fmt.Fprintf(&b, "var=%s=%s\n", k, img.Variables[k])
	}
	for _, a := range sortedSetKeys(img.Arguments) {
		fmt.Fprintf(&b, "arg=%s\n", a)
	}
	for _, f := range sortedSetKeys(img.Files) {
		fmt.Fprintf(&b, "file=%s\n", f)
	}

	fmt.Fprintf(&b, "templateHash=%s\n", digest.FromBytes(img.TemplateBytes))

	return digest.FromString(b.String())
}

func sortedKeys(m map[string]Dependency) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSetKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Satisfies evaluates a whitespace-separated spec string against img. Every
// clause must hold for the spec to be satisfied. An empty spec is vacuously
// true; a clause this parser doesn't recognize is a hard error.
func (img *Image) Satisfies(spec string) (bool, error) {
	for _, clause := range strings.Fields(spec) {
		ok, err := img.satisfiesClause(clause)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (img *Image) satisfiesClause(clause string) (bool, error) {
	switch {
	case strings.HasPrefix(clause, "^"):
		dep := clause[1:]
		_, ok := img.Dependencies[dep]
		return ok, nil

	case strings.HasPrefix(clause, "system="):
		return img.System == clause[len("system="):], nil

	case strings.HasPrefix(clause, "backend="):
		return img.Backend == clause[len("backend="):], nil

	case strings.HasPrefix(clause, "distro="):
		return img.Distro == clause[len("distro="):], nil

	case strings.Contains(clause, "@"):
		return img.satisfiesVersionClause(clause)

	case strings.Contains(clause, "="):
		return false, &ConstraintSyntaxError{Clause: clause}

	default:
		return img.Name == clause, nil
	}
}

// satisfiesVersionClause handles NAME@V, NAME@V:, NAME@:V, and NAME@LO:HI.
func (img *Image) satisfiesVersionClause(clause string) (bool, error) {
	at := strings.IndexByte(clause, '@')
	name, rest := clause[:at], clause[at+1:]
	if name != img.Name {
		return false, nil
	}

	switch {
	case !strings.Contains(rest, ":"):
		v, err := version.Parse(rest)
		if err != nil {
			return false, &ConstraintSyntaxError{Clause: clause}
		}
		return img.Version.Equal(v), nil

	case strings.HasPrefix(rest, ":"):
		hi, err := version.Parse(rest[1:])
		if err != nil {
			return false, &ConstraintSyntaxError{Clause: clause}
		}
		return img.Version.LessOrEqual(hi), nil

	case strings.HasSuffix(rest, ":"):
		lo, err := version.Parse(rest[:len(rest)-1])
		if err != nil {
			return false, &ConstraintSyntaxError{Clause: clause}
		}
		return img.Version.GreaterOrEqual(lo), nil

	default:
		parts := strings.SplitN(rest, ":", 2)
		lo, err := version.Parse(parts[0])
		if err != nil {
			return false, &ConstraintSyntaxError{Clause: clause}
		}
		hi, err := version.Parse(parts[1])
		if err != nil {
			return false, &ConstraintSyntaxError{Clause: clause}
		}
		return img.Version.GreaterOrEqual(lo) && img.Version.LessOrEqual(hi), nil
	}
}

// ConstraintKind enumerates the payload shapes a Constraint carries.
type ConstraintKind int

const (
	KindDependency ConstraintKind = iota
	KindVariable
	KindArgument
	KindTemplate
	KindFile
	KindProlog
)

// ApplyConstraint mutates img per kind if img satisfies when, and reports
// whether a new dependency was added — the signal the planner's fixed-point
// loop iterates on.
func (img *Image) ApplyConstraint(when string, kind ConstraintKind, payload string) (bool, error) {
	ok, err := img.Satisfies(when)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	switch kind {
	case KindDependency:
		dep, err := ParseDependency(payload)
		if err != nil {
			return false, err
		}
		if _, exists := img.Dependencies[dep.Name]; exists {
			img.Dependencies[dep.Name] = dep
			return false, nil
		}
		img.Dependencies[dep.Name] = dep
		return true, nil

	case KindVariable:
		k, v, err := splitKV(payload)
		if err != nil {
			return false, err
		}
		img.Variables[k] = v
		return false, nil

	case KindArgument:
		img.Arguments[payload] = struct{}{}
		return false, nil

	case KindTemplate:
		img.Template = payload
		return false, nil

	case KindFile:
		img.Files[payload] = struct{}{}
		return false, nil

	case KindProlog:
		img.Prolog = payload
		return false, nil

	default:
		return false, fmt.Errorf("unknown constraint kind %d", kind)
	}
}

func splitKV(payload string) (string, string, error) {
	i := strings.IndexByte(payload, '=')
	if i < 0 {
		return "", "", fmt.Errorf("malformed variable payload %q, expected k=v", payload)
	}
	return payload[:i], payload[i+1:], nil
}

// ParseDependency parses a dependency clause of the form NAME, NAME@V, or
// NAME@V: / NAME@:V into a Dependency. Range form (NAME@LO:HI) is not valid
// for a declared dependency, only for satisfies() queries.
func ParseDependency(s string) (Dependency, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return Dependency{Name: s, Op: OpUnversioned}, nil
	}
	name, rest := s[:at], s[at+1:]

	switch {
	case strings.HasSuffix(rest, ":"):
		v, err := version.Parse(rest[:len(rest)-1])
		if err != nil {
			return Dependency{}, &ConstraintSyntaxError{Clause: s}
		}
		return Dependency{Name: name, Op: OpGreaterOrEqual, Version: v}, nil

	case strings.HasPrefix(rest, ":"):
		v, err := version.Parse(rest[1:])
		if err != nil {
			return Dependency{}, &ConstraintSyntaxError{Clause: s}
		}
		return Dependency{Name: name, Op: OpLessOrEqual, Version: v}, nil

	default:
		v, err := version.Parse(rest)
		if err != nil {
			return Dependency{}, &ConstraintSyntaxError{Clause: s}
		}
		return Dependency{Name: name, Op: OpEqual, Version: v}, nil
	}
}

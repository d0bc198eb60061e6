// Package catalog implements ImageRepo: scanning a catalog directory tree of
// <name>/specs.yaml entries into a Repo of Images plus the ConstraintStore
// those entries contribute to.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ovbuild/velocity/internal/constraint"
	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/version"
)

// Facets are the build-wide system/backend/distro values stamped onto every
// Image instantiated during a scan; they come from the CLI's global flags
// (-s/-b/-d) or their VELOCITY_SYSTEM/VELOCITY_BACKEND/VELOCITY_DISTRO
// environment defaults, not from the catalog itself.
type Facets struct {
	System  string
	Backend string
	Distro  string
}

// Repo is the scanned catalog: every Image keyed by name and version string,
// the template bytes contributed by every catalog entry (addressable by
// template name, since a constraint may assign an Image a template declared
// under a different catalog entry), and the on-disk paths of the files
// contributed the same way.
type Repo struct {
	images    map[string]map[string]*image.Image // name -> version string -> Image
	templates map[string][]byte                  // template name (no .vtmp suffix) -> bytes
	files     map[string]string                  // relative file name -> absolute path on disk
	Store     *constraint.Store
}

// NewRepo returns an empty Repo with an initialized ConstraintStore.
func NewRepo() *Repo {
	return &Repo{
		images:    make(map[string]map[string]*image.Image),
		templates: make(map[string][]byte),
		files:     make(map[string]string),
		Store:     constraint.NewStore(),
	}
}

// Images returns every Image currently in the Repo, in no particular order.
func (r *Repo) Images() []*image.Image {
	var out []*image.Image
	for _, versions := range r.images {
		for _, img := range versions {
			out = append(out, img)
		}
	}
	return out
}

// Template looks up a template's bytes by name (without the .vtmp suffix).
func (r *Repo) Template(name string) ([]byte, bool) {
	b, ok := r.templates[name]
	return b, ok
}

// FilePath resolves a relative file name declared by a file constraint to
// its absolute path on disk.
func (r *Repo) FilePath(name string) (string, bool) {
	p, ok := r.files[name]
	return p, ok
}

type versionEntryYAML struct {
	Spec stringOrList `yaml:"spec"`
	When string       `yaml:"when,omitempty"`
}

type versionsYAML struct {
	Versions []versionEntryYAML `yaml:"versions"`
}

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

// ImportFromDir scans every immediate subdirectory of path as a catalog
// entry, mirroring the teacher's ScanLayers/scanLayer: os.ReadDir one level,
// skip non-directories and dotfiles, then load each entry's specs.yaml
// (required) plus its optional templates/*.vtmp and files/*.
//
// ImportFromDir may be called multiple times against a Repo (once per
// VELOCITY_IMAGE_PATH segment); entries from a later call are skipped with
// a warning if their directory name was already imported.
func (r *Repo) ImportFromDir(dir string, facets Facets) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("catalog path %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("catalog path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading catalog directory %q: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := r.importEntry(filepath.Join(dir, entry.Name()), entry.Name(), facets); err != nil {
			return fmt.Errorf("importing catalog entry %q: %w", entry.Name(), err)
		}
	}

	return nil
}

func (r *Repo) importEntry(path, name string, facets Facets) error {
	if _, seen := r.images[name]; seen {
		logrus.Warnf("catalog: duplicate catalog entry %s at %s, skipping", name, path)
		return nil
	}

	specsPath := filepath.Join(path, "specs.yaml")
	data, err := os.ReadFile(specsPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", specsPath, err)
	}

	if err := r.loadTemplatesAndFiles(path); err != nil {
		return err
	}

	if err := constraint.ParseConstraintYAML(data, name, r.Store); err != nil {
		return err
	}

	var vy versionsYAML
	if err := yaml.Unmarshal(data, &vy); err != nil {
		return fmt.Errorf("parsing %s: %w", specsPath, err)
	}

	for _, ve := range vy.Versions {
		for _, spec := range ve.Spec {
			if err := r.instantiate(name, spec, ve.When, path, facets); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *Repo) instantiate(name, spec, when, path string, facets Facets) error {
	v, err := version.Parse(spec)
	if err != nil {
		return fmt.Errorf("image %s: %w", name, err)
	}

	candidate := image.New(name, v)
	candidate.System = facets.System
	candidate.Backend = facets.Backend
	candidate.Distro = facets.Distro
	candidate.CatalogPath = path
	candidate.Template = name
	if b, ok := r.templates[name]; ok {
		candidate.TemplateBytes = b
	}

	ok, err := candidate.Satisfies(when)
	if err != nil {
		return fmt.Errorf("image %s version %s: %w", name, spec, err)
	}
	if !ok {
		return nil
	}

	if r.images[name] == nil {
		r.images[name] = make(map[string]*image.Image)
	}
	if _, exists := r.images[name][v.String()]; exists {
		logrus.Warnf("catalog: duplicate image %s@%s, skipping", name, v.String())
		return nil
	}
	r.images[name][v.String()] = candidate
	return nil
}

func (r *Repo) loadTemplatesAndFiles(path string) error {
	if err := r.loadDirInto(filepath.Join(path, "templates"), ".vtmp", r.templates); err != nil {
		return err
	}
	return r.loadFilesDir(filepath.Join(path, "files"))
}

func (r *Repo) loadDirInto(dir, suffix string, dest map[string][]byte) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading %q: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), suffix)
		dest[name] = data
	}
	return nil
}

func (r *Repo) loadFilesDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		r.files[entry.Name()] = filepath.Join(dir, entry.Name())
	}
	return nil
}

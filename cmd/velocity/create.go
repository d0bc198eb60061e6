package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ovbuild/velocity/internal/config"
)

// CreateCmd scaffolds a new catalog entry under the first directory on
// velocity:image_path, per __main__.py's "create" subcommand: a specs.yaml
// stub plus a default .vtmp template for the current distro, named after
// NAME and seeded with Version as its first version entry.
type CreateCmd struct {
	Name    string `arg:"" help:"Name of the image to create"`
	Version string `arg:"" help:"Initial version to seed specs.yaml with"`
}

func (c *CreateCmd) Run(a *app) error {
	imagePath, _ := a.cfg.Get("velocity:image_path", config.GetOptions{WarnOnMiss: false})
	root := strings.Split(imagePath, ":")[0]
	if root == "" {
		return fmt.Errorf("velocity:image_path is not set")
	}

	dir := filepath.Join(root, c.Name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%s already exists", dir)
	}

	if err := os.MkdirAll(filepath.Join(dir, "templates"), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	specs := fmt.Sprintf("---\nversions:\n  - spec: %q\n", c.Version)
	if err := os.WriteFile(filepath.Join(dir, "specs.yaml"), []byte(specs), 0o644); err != nil {
		return fmt.Errorf("writing specs.yaml: %w", err)
	}

	distro, _ := a.cfg.Get("velocity:distro", config.GetOptions{WarnOnMiss: false})
	if distro == "" {
		distro = "default"
	}
	tmpl := "@from\n    {{ __base__ }}\n\n@label\n    velocity.image.{{ __name__ }}__{{ __version__ }} {{ __image_id__ }}\n"
	tmplPath := filepath.Join(dir, "templates", distro+".vtmp")
	if err := os.WriteFile(tmplPath, []byte(tmpl), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmplPath, err)
	}

	fmt.Printf("created %s (specs.yaml, templates/%s.vtmp)\n", dir, distro)
	return nil
}

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ovbuild/velocity/internal/config"
)

// EditCmd opens a catalog entry's specs.yaml or its current-distro template
// in $EDITOR, per __main__.py's "edit" subcommand.
type EditCmd struct {
	Target        string `arg:"" help:"Image name to edit"`
	Specification bool   `short:"s" help:"Edit specs.yaml instead of the template" name:"specification"`
}

func (c *EditCmd) Run(a *app) error {
	imagePath, _ := a.cfg.Get("velocity:image_path", config.GetOptions{WarnOnMiss: false})

	var dir string
	for _, root := range strings.Split(imagePath, ":") {
		if root == "" {
			continue
		}
		candidate := filepath.Join(root, c.Target)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			dir = candidate
			break
		}
	}
	if dir == "" {
		return fmt.Errorf("no catalog entry named %q on velocity:image_path", c.Target)
	}

	var file string
	if c.Specification {
		file = filepath.Join(dir, "specs.yaml")
	} else {
		distro, _ := a.cfg.Get("velocity:distro", config.GetOptions{WarnOnMiss: false})
		if distro == "" {
			distro = "default"
		}
		file = filepath.Join(dir, "templates", distro+".vtmp")
	}
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, file)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd.Run()
}

package main

import (
	"context"
	"fmt"

	"github.com/ovbuild/velocity/internal/builder"
	"github.com/ovbuild/velocity/internal/config"
	"github.com/ovbuild/velocity/internal/constraint"
	"github.com/ovbuild/velocity/internal/planner"
)

// BuildCmd resolves Targets to a build tuple and drives the Builder to
// produce it: "build TARGETS... [-n NAME] [--dry-run] [-l] [-v] [-c DIR]
// [-A "k:v;..."] [-V "name:N;value:V"]". --dry-run has no short form, since
// -d is the global distro flag.
type BuildCmd struct {
	Targets []string `arg:"" help:"Build targets, e.g. gcc@12 rocm"`

	Name       string `short:"n" help:"Final image name"`
	DryRun     bool   `help:"Render scripts without executing the build" name:"dry-run"`
	LeaveTags  bool   `short:"l" help:"Do not remove intermediate tags after the final image is tagged" name:"leave-tags"`
	Verbose    bool   `short:"v" help:"Echo build output to the terminal"`
	ConfigDir  string `short:"c" help:"Record DIR as velocity:config_dir for this run (config.yaml is already loaded and is not re-read)"`
	Arguments  string `short:"A" help:"Build-time arguments, \"name:value;...\""`
	Variables  string `short:"V" help:"Variable override, \"name:N;value:V\""`
}

func (c *BuildCmd) Run(a *app) error {
	if c.ConfigDir != "" {
		_ = a.cfg.Set("velocity:config_dir", c.ConfigDir)
	}

	if err := c.applyCLIConstraints(a); err != nil {
		return err
	}

	finalName := c.Name
	if finalName == "" {
		finalName = defaultFinalName(c.Targets)
	}

	p := planner.New(a.repo)
	tuple, _, err := p.CreateBuildRecipe(c.Targets)
	if err != nil {
		return fmt.Errorf("planning build: %w", err)
	}

	buildDir, _ := a.cfg.Get("velocity:build_dir", config.GetOptions{WarnOnMiss: false})
	if buildDir == "" {
		buildDir = "./.velocity-build"
	}

	b := builder.New(a.backend, a.repo, builder.Options{
		WorkDir:    buildDir,
		DryRun:     c.DryRun,
		RemoveTags: !c.LeaveTags,
		Verbose:    c.Verbose,
		FinalName:  finalName,
	})

	return b.Build(context.Background(), tuple)
}

// applyCLIConstraints folds -A/-V into global-scope constraints on the
// repo's ConstraintStore before planning, so they apply uniformly to every
// candidate Image the same way a catalog-declared global constraint would.
func (c *BuildCmd) applyCLIConstraints(a *app) error {
	if c.Arguments != "" {
		cs, err := constraint.ParseCLIArgument(c.Arguments)
		if err != nil {
			return fmt.Errorf("parsing -A %q: %w", c.Arguments, err)
		}
		for _, cst := range cs {
			a.repo.Store.Add(cst)
		}
	}

	if c.Variables != "" {
		cst, err := constraint.ParseCLIVariable(c.Variables)
		if err != nil {
			return fmt.Errorf("parsing -V %q: %w", c.Variables, err)
		}
		a.repo.Store.Add(cst)
	}

	return nil
}

func defaultFinalName(targets []string) string {
	if len(targets) == 0 {
		return "velocity:latest"
	}
	return targets[len(targets)-1] + ":latest"
}

// Package builder drives the per-stage lifecycle described in §4.I: stage a
// working directory, render a template to a backend script, run it, tag the
// final layer, and clean up intermediate tags.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ovbuild/velocity/internal/backend"
	"github.com/ovbuild/velocity/internal/catalog"
	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/planner"
	"github.com/ovbuild/velocity/internal/template"
)

// Options carries the run-wide knobs a Builder needs beyond the backend and
// catalog it builds against.
type Options struct {
	// WorkDir is the directory every stage's working subdirectory is
	// created under. The Builder owns it for the duration of one run; §5
	// notes concurrent runs against the same directory are unsupported.
	WorkDir string

	// DryRun skips executing the build command for every stage (the
	// script is still rendered and written).
	DryRun bool

	// RemoveTags controls whether intermediate tags are cleaned up after
	// the final image is tagged. This is the non-negated form of the
	// CLI's --leave-tags flag (§9 open question): leave-tags true means
	// RemoveTags false.
	RemoveTags bool

	// Verbose echoes build output to the terminal in addition to the
	// per-stage log file.
	Verbose bool

	// FinalName is the tag the last stage in the tuple is given once its
	// build succeeds.
	FinalName string
}

// Builder orchestrates filesystem staging, script emission, command
// execution, caching, and tagging for a BuildTuple against one Backend.
type Builder struct {
	Backend backend.Backend
	Repo    *catalog.Repo
	Opts    Options
}

// New returns a Builder that builds against be, resolving declared files and
// templates through repo.
func New(be backend.Backend, repo *catalog.Repo, opts Options) *Builder {
	return &Builder{Backend: be, Repo: repo, Opts: opts}
}

// Build runs every stage of tuple in order, then tags the final image and,
// if requested, removes intermediate tags.
func (b *Builder) Build(ctx context.Context, tuple planner.BuildTuple) error {
	if len(tuple) == 0 {
		return fmt.Errorf("building: empty recipe")
	}

	if err := os.MkdirAll(b.Opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating build work directory %s: %w", b.Opts.WorkDir, err)
	}

	threads := threadLimit(b.Backend)

	for i, img := range tuple {
		if err := b.buildStage(ctx, img, tuple, i, threads); err != nil {
			return err
		}
	}

	last := tuple[len(tuple)-1]
	lastName := b.Backend.ImageName(last)
	finalCmd, err := b.Backend.FinalizeCommand(lastName, b.Opts.FinalName)
	if err != nil {
		return fmt.Errorf("building final image: %w", err)
	}
	if !b.Opts.DryRun {
		logDir := filepath.Join(b.Opts.WorkDir, "finalize.log")
		if err := runStreaming(ctx, b.Opts.FinalName, finalCmd, b.Opts.WorkDir, logDir, b.Opts.Verbose); err != nil {
			return err
		}
	}
	logrus.Infof("tagged %s as %s", lastName, b.Opts.FinalName)

	if b.Opts.RemoveTags {
		for _, img := range tuple[:len(tuple)-1] {
			name := b.Backend.ImageName(img)
			cleanupCmd, err := b.Backend.CleanupCommand(name)
			if err != nil {
				return fmt.Errorf("cleaning up %s: %w", name, err)
			}
			if b.Opts.DryRun {
				continue
			}
			logDir := filepath.Join(b.Opts.WorkDir, "cleanup-"+img.ID()+".log")
			if err := runStreaming(ctx, name, cleanupCmd, b.Opts.WorkDir, logDir, b.Opts.Verbose); err != nil {
				return err
			}
		}
	}

	return nil
}

// buildStage runs the full per-image lifecycle of §4.I: stage the working
// directory, copy declared files, assemble variables, render the script,
// write the wrapper, and (unless dry_run or already built) execute it.
func (b *Builder) buildStage(ctx context.Context, img *image.Image, tuple planner.BuildTuple, index, threads int) error {
	stageDir := filepath.Join(b.Opts.WorkDir, fmt.Sprintf("%s-%s-%s", img.Name, img.Version.String(), img.ID()))
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("staging %s: %w", img.Name, err)
	}

	if err := b.stageFiles(img, stageDir); err != nil {
		return err
	}

	staged := img.Clone()
	staged.Variables = assembleVariables(b.Backend, threads, tuple, index)

	templateBytes, err := b.resolveTemplate(img)
	if err != nil {
		return fmt.Errorf("resolving template for %s: %w", img.Name, err)
	}

	ast, err := template.Parse(templateBytes, staged)
	if err != nil {
		return fmt.Errorf("parsing template for %s: %w", img.Name, err)
	}

	script, err := b.Backend.Render(ast, img)
	if err != nil {
		return fmt.Errorf("rendering %s: %w", img.Name, err)
	}

	scriptPath := filepath.Join(stageDir, scriptFilename(b.Backend.Name()))
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return fmt.Errorf("writing script for %s: %w", img.Name, err)
	}

	buildCmd, err := b.Backend.BuildCommand(staged, scriptPath, stageDir)
	if err != nil {
		return fmt.Errorf("building command for %s: %w", img.Name, err)
	}

	wrapperPath := filepath.Join(stageDir, "build.sh")
	if err := b.writeWrapper(wrapperPath, staged, buildCmd); err != nil {
		return err
	}

	imgName := b.Backend.ImageName(img)

	if b.Opts.DryRun {
		logrus.Infof("dry run: would build %s", imgName)
		return nil
	}

	exists, err := b.Backend.BuildExists(imgName)
	if err != nil {
		return fmt.Errorf("checking existing build for %s: %w", imgName, err)
	}
	if exists {
		logrus.Infof("%s already built, skipping", imgName)
		return nil
	}

	logPath := filepath.Join(stageDir, "build.log")
	return runStreaming(ctx, imgName, []string{"sh", wrapperPath}, stageDir, logPath, b.Opts.Verbose)
}

// stageFiles copies every file img.Files declares from the catalog into
// stageDir, so the backend's build context contains exactly the files the
// template's @copy lines reference.
func (b *Builder) stageFiles(img *image.Image, stageDir string) error {
	for name := range img.Files {
		src, ok := b.Repo.FilePath(name)
		if !ok {
			return fmt.Errorf("staging %s: declared file %q not found in catalog", img.Name, name)
		}
		if err := copyFile(src, filepath.Join(stageDir, name)); err != nil {
			return fmt.Errorf("staging %s: copying %q: %w", img.Name, name, err)
		}
	}
	return nil
}

// resolveTemplate re-resolves img.Template's bytes through the Repo: a
// constraint may have reassigned img.Template to a name declared under a
// different catalog entry than the one that produced img, so the bytes
// captured at instantiation time can no longer be trusted.
func (b *Builder) resolveTemplate(img *image.Image) ([]byte, error) {
	if b.Repo != nil && img.Template != "" {
		if data, ok := b.Repo.Template(img.Template); ok {
			return data, nil
		}
	}
	if img.TemplateBytes != nil {
		return img.TemplateBytes, nil
	}
	return nil, fmt.Errorf("no template named %q", img.Template)
}

// writeWrapper emits the shell script combining "set -e", the image's
// assembled variables as shell exports, the prolog (if any), and the
// backend's build command, per §4.I.
func (b *Builder) writeWrapper(path string, img *image.Image, buildCmd []string) error {
	var out []byte
	out = append(out, "#!/bin/sh\nset -e\n\n"...)

	for _, k := range sortedVariableNames(img.Variables) {
		out = append(out, fmt.Sprintf("export %s=%q\n", k, img.Variables[k])...)
	}
	out = append(out, '\n')

	if img.Prolog != "" {
		out = append(out, img.Prolog...)
		out = append(out, '\n')
	}

	out = append(out, quoteArgv(buildCmd)...)
	out = append(out, '\n')

	return os.WriteFile(path, out, 0o755)
}

// scriptFilename picks the conventional file name for a rendered script
// given the backend variant that will consume it.
func scriptFilename(variant string) string {
	switch variant {
	case "apptainer", "singularity":
		return "image.def"
	default:
		return "Containerfile"
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func sortedVariableNames(vars map[string]string) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

func quoteArgv(argv []string) string {
	var out string
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%q", a)
	}
	return out
}

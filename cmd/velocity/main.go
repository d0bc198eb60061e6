// Command velocity resolves a catalog of image recipes into an ordered
// build tuple and drives a container builder to produce them, per §6.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/ovbuild/velocity/internal/backend"
	"github.com/ovbuild/velocity/internal/builder"
	"github.com/ovbuild/velocity/internal/catalog"
	"github.com/ovbuild/velocity/internal/config"
)

// CLI mirrors the teacher's flat command-struct-with-Run() layout
// (ov's CLI in main.go), adapted to velocity's five subcommands and global
// facet/logging flags (§6).
type CLI struct {
	Backend string `short:"b" help:"Backend: docker, podman, apptainer, singularity, openshift"`
	System  string `short:"s" help:"Target system/architecture"`
	Distro  string `short:"d" help:"Target distro"`
	Logging string `short:"L" help:"Logging level: trace, debug, info, warn, error"`

	Build  BuildCmd  `cmd:"" help:"Resolve targets and build the image chain"`
	Avail  AvailCmd  `cmd:"" help:"List images available to satisfy targets"`
	Spec   SpecCmd   `cmd:"" help:"Print the resolved build recipe for targets"`
	Edit   EditCmd   `cmd:"" help:"Edit a catalog entry's specs.yaml or template"`
	Create CreateCmd `cmd:"" help:"Scaffold a new catalog entry"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("velocity"),
		kong.Description("Resolve and build layered container images from a recipe catalog"),
		kong.UsageOnError(),
	)

	app, err := newApp(&cli)
	ctx.FatalIfErrorf(err)

	err = ctx.Run(app)
	if exitErr, ok := err.(*builder.ExitError); ok {
		fmt.Fprintln(os.Stderr, exitErr.Error())
		os.Exit(exitErr.ExitCode)
	}
	ctx.FatalIfErrorf(err)
}

// app carries the resolved configuration, catalog, and backend every
// subcommand needs; it's built once in main and passed to each Run method
// via kong's bind mechanism.
type app struct {
	cfg     *config.Config
	repo    *catalog.Repo
	backend backend.Backend
}

func newApp(cli *CLI) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cli.Backend != "" {
		_ = cfg.Set("velocity:backend", cli.Backend)
	}
	if cli.System != "" {
		_ = cfg.Set("velocity:system", cli.System)
	}
	if cli.Distro != "" {
		_ = cfg.Set("velocity:distro", cli.Distro)
	}
	if cli.Logging != "" {
		_ = cfg.Set("velocity:logging_level", cli.Logging)
	}

	if level, ok := cfg.Get("velocity:logging_level", config.GetOptions{WarnOnMiss: false}); ok {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			logrus.SetLevel(parsed)
		}
	}

	system, _ := cfg.Get("velocity:system")
	backendName, _ := cfg.Get("velocity:backend")
	distro, _ := cfg.Get("velocity:distro")

	repo := catalog.NewRepo()
	imagePath, _ := cfg.Get("velocity:image_path", config.GetOptions{WarnOnMiss: false})
	for _, dir := range strings.Split(imagePath, ":") {
		if dir == "" {
			continue
		}
		if err := repo.ImportFromDir(dir, catalog.Facets{System: system, Backend: backendName, Distro: distro}); err != nil {
			return nil, err
		}
	}

	be, err := newBackend(backendName, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolving backend %q: %w", backendName, err)
	}

	return &app{cfg: cfg, repo: repo, backend: be}, nil
}

func newBackend(name string, cfg *config.Config) (backend.Backend, error) {
	buildDir, _ := cfg.Get("velocity:build_dir", config.GetOptions{WarnOnMiss: false})
	if buildDir == "" {
		buildDir = "./.velocity-build"
	}

	opts := backend.Options{
		ApptainerImageDir: buildDir,
	}

	if backend.Variant(name) == backend.OpenShift {
		osOpts, err := loadOpenShiftOptions(cfg)
		if err != nil {
			return nil, err
		}
		opts.OpenShift = osOpts
	}

	return backend.New(backend.Variant(name), opts)
}

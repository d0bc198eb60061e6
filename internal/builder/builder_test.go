package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ovbuild/velocity/internal/backend"
	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/planner"
	"github.com/ovbuild/velocity/internal/template"
	"github.com/ovbuild/velocity/internal/version"
)

// fakeBackend is a minimal Backend double so Build's orchestration can be
// exercised without shelling out to a real build engine.
type fakeBackend struct {
	buildExists map[string]bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Render(ast *template.AST, img *image.Image) (string, error) {
	return "FROM " + ast.From + "\n", nil
}

func (f *fakeBackend) BuildCommand(img *image.Image, scriptPath, contextDir string) ([]string, error) {
	return []string{"true"}, nil
}

func (f *fakeBackend) ImageName(img *image.Image) string {
	return img.Name + "-" + img.Version.String()
}

func (f *fakeBackend) BuildExists(name string) (bool, error) {
	return f.buildExists[name], nil
}

func (f *fakeBackend) FinalizeCommand(lastImageName, finalName string) ([]string, error) {
	return []string{"true"}, nil
}

func (f *fakeBackend) CleanupCommand(intermediateName string) ([]string, error) {
	return []string{"true"}, nil
}

func newTestImage(t *testing.T, name, v string) *image.Image {
	t.Helper()
	parsed, err := version.Parse(v)
	if err != nil {
		t.Fatalf("version.Parse(%q): %v", v, err)
	}
	img := image.New(name, parsed)
	img.TemplateBytes = []byte("@from alpine\n@run echo " + name + "\n")
	return img
}

func TestAssembleVariablesFirstStage(t *testing.T) {
	base := newTestImage(t, "base", "1.0.0")
	tuple := planner.BuildTuple{base}

	vars := assembleVariables(&fakeBackend{}, 4, tuple, 0)

	if vars["__name__"] != "base" {
		t.Errorf("__name__ = %q, want base", vars["__name__"])
	}
	if vars["__version__"] != "1.0.0" {
		t.Errorf("__version__ = %q, want 1.0.0", vars["__version__"])
	}
	if vars["__version_major__"] != "1" || vars["__version_minor__"] != "0" || vars["__version_patch__"] != "0" {
		t.Errorf("version parts = %q/%q/%q", vars["__version_major__"], vars["__version_minor__"], vars["__version_patch__"])
	}
	if _, ok := vars["__base__"]; ok {
		t.Errorf("__base__ should be absent for the first stage, got %q", vars["__base__"])
	}
	if vars["__threads__"] != "4" {
		t.Errorf("__threads__ = %q, want 4", vars["__threads__"])
	}
}

func TestAssembleVariablesLaterStageHasBaseAndCrossLayerVersions(t *testing.T) {
	gcc := newTestImage(t, "gcc", "12.3.0")
	app := newTestImage(t, "app", "2.1")
	tuple := planner.BuildTuple{gcc, app}
	be := &fakeBackend{}

	vars := assembleVariables(be, 2, tuple, 1)

	wantBase := be.ImageName(gcc)
	if vars["__base__"] != wantBase {
		t.Errorf("__base__ = %q, want %q", vars["__base__"], wantBase)
	}
	if vars["__gcc__version__"] != "12.3.0" {
		t.Errorf("__gcc__version__ = %q, want 12.3.0", vars["__gcc__version__"])
	}
	if vars["__app__version__"] != "2.1" {
		t.Errorf("__app__version__ = %q, want 2.1", vars["__app__version__"])
	}
	if _, ok := vars["__version_patch__"]; ok {
		t.Errorf("__version_patch__ should be absent when the version has no patch component")
	}
}

func TestThreadLimitFallsBackToHostWhenBackendHasNoOpinion(t *testing.T) {
	if got := threadLimit(&fakeBackend{}); got < 1 {
		t.Errorf("threadLimit() = %d, want >= 1", got)
	}
}

type limitingBackend struct{ fakeBackend }

func (l *limitingBackend) ThreadLimit() int { return 3 }

var _ backend.ThreadLimiter = (*limitingBackend)(nil)

func TestThreadLimitConsultsThreadLimiter(t *testing.T) {
	if got := threadLimit(&limitingBackend{}); got != 3 {
		t.Errorf("threadLimit() = %d, want 3", got)
	}
}

func TestBuildDryRunSkipsExecutionAndWritesScripts(t *testing.T) {
	dir := t.TempDir()
	gcc := newTestImage(t, "gcc", "12.3.0")
	app := newTestImage(t, "app", "1.0.0")
	tuple := planner.BuildTuple{gcc, app}

	b := New(&fakeBackend{}, nil, Options{
		WorkDir:    dir,
		DryRun:     true,
		RemoveTags: true,
		FinalName:  "myapp:latest",
	})

	if err := b.Build(context.Background(), tuple); err != nil {
		t.Fatalf("Build() = %v", err)
	}

	for _, img := range tuple {
		stageDir := filepath.Join(dir, img.Name+"-"+img.Version.String()+"-"+img.ID())
		if _, err := os.Stat(filepath.Join(stageDir, "Containerfile")); err != nil {
			t.Errorf("stage %s: Containerfile not written: %v", img.Name, err)
		}
		if _, err := os.Stat(filepath.Join(stageDir, "build.sh")); err != nil {
			t.Errorf("stage %s: build.sh not written: %v", img.Name, err)
		}
		if _, err := os.Stat(filepath.Join(stageDir, "build.log")); err == nil {
			t.Errorf("stage %s: build.log should not exist in dry run", img.Name)
		}
	}
}

func TestBuildSkipsStageWhenBuildExistsIsTrue(t *testing.T) {
	dir := t.TempDir()
	gcc := newTestImage(t, "gcc", "12.3.0")
	tuple := planner.BuildTuple{gcc}

	be := &fakeBackend{buildExists: map[string]bool{"gcc-12.3.0": true}}
	b := New(be, nil, Options{WorkDir: dir, FinalName: "gcc:latest"})

	if err := b.Build(context.Background(), tuple); err != nil {
		t.Fatalf("Build() = %v", err)
	}

	stageDir := filepath.Join(dir, "gcc-12.3.0-"+gcc.ID())
	if _, err := os.Stat(filepath.Join(stageDir, "build.log")); err == nil {
		t.Errorf("build.log should not exist when BuildExists reports true")
	}
}

func TestScriptFilenamePicksDefinitionFileForApptainerFamily(t *testing.T) {
	cases := map[string]string{
		"docker":      "Containerfile",
		"podman":      "Containerfile",
		"openshift":   "Containerfile",
		"apptainer":   "image.def",
		"singularity": "image.def",
	}
	for variant, want := range cases {
		if got := scriptFilename(variant); got != want {
			t.Errorf("scriptFilename(%q) = %q, want %q", variant, got, want)
		}
	}
}

func TestSortedVariableNames(t *testing.T) {
	got := sortedVariableNames(map[string]string{"b": "2", "a": "1", "c": "3"})
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sortedVariableNames() = %v, want %v", got, want)
		}
	}
}

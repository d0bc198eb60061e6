package backend

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/template"
	"github.com/ovbuild/velocity/internal/version"
)

func img(name, v string) *image.Image {
	return image.New(name, version.MustParse(v))
}

func TestNewResolvesAliases(t *testing.T) {
	d, err := New(Docker, Options{})
	if err != nil || d.Name() != "docker" {
		t.Fatalf("Docker: %v, %v", d, err)
	}
	p, err := New(Podman, Options{})
	if err != nil || p.Name() != "podman" {
		t.Fatalf("Podman: %v, %v", p, err)
	}
	a, err := New(Apptainer, Options{})
	if err != nil || a.Name() != "apptainer" {
		t.Fatalf("Apptainer: %v, %v", a, err)
	}
	s, err := New(Singularity, Options{})
	if err != nil || s.Name() != "singularity" {
		t.Fatalf("Singularity: %v, %v", s, err)
	}
	if _, err := New(Variant("bogus"), Options{}); err == nil {
		t.Fatalf("expected BackendNotSupportedError")
	} else if _, ok := err.(*BackendNotSupportedError); !ok {
		t.Fatalf("err = %T, want *BackendNotSupportedError", err)
	}
}

func TestDockerRenderFromRunEnv(t *testing.T) {
	src := []byte("@from alpine\n@run echo one\necho two\n@env K V\n")
	ast, err := template.Parse(src, img("app", "1.0"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d, _ := New(Docker, Options{})
	script, err := d.Render(ast, img("app", "1.0"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(script, "FROM alpine") {
		t.Errorf("script missing FROM:\n%s", script)
	}
	if !strings.Contains(script, "RUN echo one && \\\n    echo two") {
		t.Errorf("script missing joined RUN:\n%s", script)
	}
	if !strings.Contains(script, `ENV K="V"`) {
		t.Errorf("script missing ENV:\n%s", script)
	}
}

func TestDockerRenderArguments(t *testing.T) {
	src := []byte("@from alpine\n@run echo @@ FLAG @@\n")
	ast, err := template.Parse(src, img("app", "1.0"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d, _ := New(Docker, Options{})
	script, err := d.Render(ast, img("app", "1.0"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(script, "ARG FLAG") {
		t.Errorf("script missing ARG preamble:\n%s", script)
	}
	if !strings.Contains(script, "echo $FLAG") {
		t.Errorf("script missing $FLAG substitution:\n%s", script)
	}
}

func TestApptainerConditionalAndSections(t *testing.T) {
	i := img("app", "1.0")
	i.Backend = "apptainer"
	src := []byte("@from docker://alpine\n@run ?? backend=apptainer |> echo hi ??\n")
	ast, err := template.Parse(src, i)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	a, _ := New(Apptainer, Options{})
	script, err := a.Render(ast, i)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(script, "Bootstrap: docker") || !strings.Contains(script, "From: alpine") {
		t.Errorf("script missing Bootstrap/From:\n%s", script)
	}
	if !strings.Contains(script, "%post") || !strings.Contains(script, "echo hi") {
		t.Errorf("script missing %%post echo hi:\n%s", script)
	}
}

func TestApptainerArgumentsUseJinjaForm(t *testing.T) {
	src := []byte("@from alpine\n@run echo @@ FLAG @@\n")
	ast, err := template.Parse(src, img("app", "1.0"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	a, _ := New(Apptainer, Options{})
	script, err := a.Render(ast, img("app", "1.0"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(script, "echo {{ FLAG }}") {
		t.Errorf("script missing jinja-form arg:\n%s", script)
	}
}

func TestClassifyFrom(t *testing.T) {
	cases := []struct {
		in, bootstrap, from string
	}{
		{"localimage://foo.sif", "localimage", "foo.sif"},
		{"docker://alpine:latest", "docker", "alpine:latest"},
		{"oras://registry/repo:tag", "oras", "registry/repo:tag"},
		{"foo.sif", "localimage", "foo.sif"},
		{"alpine:latest", "docker", "alpine:latest"},
	}
	for _, c := range cases {
		bs, from := classifyFrom(c.in)
		if bs != c.bootstrap || from != c.from {
			t.Errorf("classifyFrom(%q) = (%q, %q), want (%q, %q)", c.in, bs, from, c.bootstrap, c.from)
		}
	}
}

func TestDockerImageName(t *testing.T) {
	d, _ := New(Docker, Options{})
	got := d.ImageName(img("gcc", "12.3"))
	want := "localhost/gcc-12.3:latest"
	if got != want {
		t.Errorf("ImageName = %q, want %q", got, want)
	}
}

func TestApptainerImageName(t *testing.T) {
	a, _ := New(Apptainer, Options{})
	got := a.ImageName(img("gcc", "12.3"))
	want := "gcc-12.3.sif"
	if got != want {
		t.Errorf("ImageName = %q, want %q", got, want)
	}
}

func TestApptainerBuildExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gcc-12.3.sif"), []byte("fake"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	a, _ := New(Apptainer, Options{ApptainerImageDir: dir})
	exists, err := a.BuildExists("gcc-12.3.sif")
	if err != nil {
		t.Fatalf("BuildExists: %v", err)
	}
	if !exists {
		t.Errorf("expected gcc-12.3.sif to exist")
	}

	exists, err = a.BuildExists("missing.sif")
	if err != nil {
		t.Fatalf("BuildExists: %v", err)
	}
	if exists {
		t.Errorf("expected missing.sif to not exist")
	}
}

func TestApptainerFinalizeAndCleanupCommand(t *testing.T) {
	a, _ := New(Apptainer, Options{ApptainerImageDir: "/images"})
	cmd, err := a.FinalizeCommand("gcc-12.3.sif", "final.sif")
	if err != nil {
		t.Fatalf("FinalizeCommand: %v", err)
	}
	want := []string{"cp", "/images/gcc-12.3.sif", "/images/final.sif"}
	if !equalSlices(cmd, want) {
		t.Errorf("FinalizeCommand = %v, want %v", cmd, want)
	}

	cmd, err = a.CleanupCommand("gcc-12.3.sif")
	if err != nil {
		t.Fatalf("CleanupCommand: %v", err)
	}
	want = []string{"rm", "-f", "/images/gcc-12.3.sif"}
	if !equalSlices(cmd, want) {
		t.Errorf("CleanupCommand = %v, want %v", cmd, want)
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

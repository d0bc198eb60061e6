package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ovbuild/velocity/internal/catalog"
)

func writeCatalogEntry(t *testing.T, root, name, specsYAML string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "specs.yaml"), []byte(specsYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// TestNameOnlyTargetResolvesToHighestVersion is spec.md §8 scenario 1.
func TestNameOnlyTargetResolvesToHighestVersion(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir, "gcc", `
versions:
  - spec: ["11.2", "12.3"]
`)
	repo := catalog.NewRepo()
	if err := repo.ImportFromDir(dir, catalog.Facets{}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}

	tuple, _, err := New(repo).CreateBuildRecipe([]string{"gcc"})
	if err != nil {
		t.Fatalf("CreateBuildRecipe: %v", err)
	}
	if len(tuple) != 1 || tuple[0].Name != "gcc" || tuple[0].Version.String() != "12.3" {
		t.Fatalf("tuple = %v, want [gcc@12.3]", tuple)
	}
}

// TestVersionConstraintRestrictsSelection is spec.md §8 scenario 2.
func TestVersionConstraintRestrictsSelection(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir, "gcc", `
versions:
  - spec: ["11.2", "12.3"]
`)
	repo := catalog.NewRepo()
	if err := repo.ImportFromDir(dir, catalog.Facets{}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}

	tuple, _, err := New(repo).CreateBuildRecipe([]string{"gcc@:11.5"})
	if err != nil {
		t.Fatalf("CreateBuildRecipe: %v", err)
	}
	if len(tuple) != 1 || tuple[0].Name != "gcc" || tuple[0].Version.String() != "11.2" {
		t.Fatalf("tuple = %v, want [gcc@11.2]", tuple)
	}
}

// TestTransitiveDependencyPulledIn is spec.md §8 scenario 3.
func TestTransitiveDependencyPulledIn(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir, "gcc", `
versions:
  - spec: "12.3"
dependencies:
  - spec: "ubuntu"
`)
	writeCatalogEntry(t, dir, "ubuntu", `
versions:
  - spec: "22.04"
`)
	repo := catalog.NewRepo()
	if err := repo.ImportFromDir(dir, catalog.Facets{}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}

	tuple, _, err := New(repo).CreateBuildRecipe([]string{"gcc"})
	if err != nil {
		t.Fatalf("CreateBuildRecipe: %v", err)
	}
	if len(tuple) != 2 || tuple[0].Name != "ubuntu" || tuple[1].Name != "gcc" {
		t.Fatalf("tuple = %v, want [ubuntu@22.04, gcc@12.3] in that order", tuple)
	}
}

// TestConditionalDependencyFromConstraint is spec.md §8 scenario 4.
func TestConditionalDependencyFromConstraint(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir, "app", `
versions:
  - spec: "1.0"
dependencies:
  - when: "system=frontier"
    spec: "rocm"
`)
	writeCatalogEntry(t, dir, "rocm", `
versions:
  - spec: "5"
`)

	repoFrontier := catalog.NewRepo()
	if err := repoFrontier.ImportFromDir(dir, catalog.Facets{System: "frontier"}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}
	tuple, _, err := New(repoFrontier).CreateBuildRecipe([]string{"app"})
	if err != nil {
		t.Fatalf("CreateBuildRecipe(frontier): %v", err)
	}
	if !containsName(tuple, "rocm") {
		t.Fatalf("frontier tuple = %v, want rocm present", tuple)
	}

	repoLaptop := catalog.NewRepo()
	if err := repoLaptop.ImportFromDir(dir, catalog.Facets{System: "laptop"}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}
	tuple, _, err = New(repoLaptop).CreateBuildRecipe([]string{"app"})
	if err != nil {
		t.Fatalf("CreateBuildRecipe(laptop): %v", err)
	}
	if containsName(tuple, "rocm") {
		t.Fatalf("laptop tuple = %v, want rocm absent", tuple)
	}
}

// TestCycleRejection is spec.md §8 scenario 5.
func TestCycleRejection(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir, "a", `
versions:
  - spec: "1.0"
dependencies:
  - spec: "b"
`)
	writeCatalogEntry(t, dir, "b", `
versions:
  - spec: "1.0"
dependencies:
  - spec: "a"
`)
	repo := catalog.NewRepo()
	if err := repo.ImportFromDir(dir, catalog.Facets{}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}

	_, _, err := New(repo).CreateBuildRecipe([]string{"a"})
	if err == nil {
		t.Fatalf("expected a cycle error, got nil")
	}
}

// TestUnderlayMonotonicity checks §8's underlay invariant on a multi-stage
// recipe: underlay strictly increases stage over stage once a preceding id
// is nonzero.
func TestUnderlayMonotonicity(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir, "gcc", `
versions:
  - spec: "12.3"
dependencies:
  - spec: "ubuntu"
`)
	writeCatalogEntry(t, dir, "ubuntu", `
versions:
  - spec: "22.04"
`)
	repo := catalog.NewRepo()
	if err := repo.ImportFromDir(dir, catalog.Facets{}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}

	tuple, _, err := New(repo).CreateBuildRecipe([]string{"gcc"})
	if err != nil {
		t.Fatalf("CreateBuildRecipe: %v", err)
	}
	if len(tuple) != 2 {
		t.Fatalf("tuple = %v, want 2 stages", tuple)
	}
	if tuple[1].Underlay <= tuple[0].Underlay {
		t.Fatalf("underlay did not increase: %d -> %d", tuple[0].Underlay, tuple[1].Underlay)
	}
}

// TestNoAvailableBuildForUnknownTarget covers the "target doesn't exist"
// failure mode of plan().
func TestNoAvailableBuildForUnknownTarget(t *testing.T) {
	dir := t.TempDir()
	writeCatalogEntry(t, dir, "gcc", `
versions:
  - spec: "12.3"
`)
	repo := catalog.NewRepo()
	if err := repo.ImportFromDir(dir, catalog.Facets{}); err != nil {
		t.Fatalf("ImportFromDir: %v", err)
	}

	_, _, err := New(repo).CreateBuildRecipe([]string{"nonexistent"})
	if _, ok := err.(*NoAvailableBuildError); !ok {
		t.Fatalf("err = %v (%T), want *NoAvailableBuildError", err, err)
	}
}

func containsName(tuple BuildTuple, name string) bool {
	for _, img := range tuple {
		if img.Name == name {
			return true
		}
	}
	return false
}

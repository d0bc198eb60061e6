package constraint

import (
	"testing"

	"github.com/ovbuild/velocity/internal/image"
)

func TestParseConstraintYAMLDependencies(t *testing.T) {
	data := []byte(`
dependencies:
  - spec: "ubuntu"
    when: "system=frontier"
  - spec: ["gcc@11:", "make"]
`)
	store := NewStore()
	if err := ParseConstraintYAML(data, "app", store); err != nil {
		t.Fatalf("ParseConstraintYAML: %v", err)
	}

	all := store.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 constraints, got %d", len(all))
	}
	if all[0].Kind != image.KindDependency || all[0].Payload != "ubuntu" {
		t.Errorf("unexpected first constraint: %+v", all[0])
	}
	if all[0].ImageName != "app" {
		t.Errorf("expected ImageName app, got %q", all[0].ImageName)
	}
	if all[1].Payload != "gcc@11:" || all[2].Payload != "make" {
		t.Errorf("expected list payload to expand to two constraints, got %+v, %+v", all[1], all[2])
	}
}

func TestParseConstraintYAMLVariables(t *testing.T) {
	data := []byte(`
variables:
  - name: "PIXI_HOME"
    value: "/opt/pixi"
    scope: global
`)
	store := NewStore()
	if err := ParseConstraintYAML(data, "python", store); err != nil {
		t.Fatalf("ParseConstraintYAML: %v", err)
	}
	all := store.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 constraint, got %d", len(all))
	}
	if all[0].Kind != image.KindVariable || all[0].Payload != "PIXI_HOME=/opt/pixi" {
		t.Fatalf("unexpected constraint: %+v", all[0])
	}
	if all[0].Scope != ScopeGlobal {
		t.Fatalf("expected global scope, got %v", all[0].Scope)
	}
	if all[0].ImageName != "" {
		t.Fatalf("expected global-scope constraint to carry no ImageName, got %q", all[0].ImageName)
	}
	if got, want := all[0].EffectiveWhen(), ""; got != want {
		t.Fatalf("EffectiveWhen() = %q, want %q (global scope must not gate on the catalog dir name)", got, want)
	}
}

func TestParseConstraintYAMLVariableNameValueMismatch(t *testing.T) {
	data := []byte(`
variables:
  - name: ["A", "B"]
    value: "only-one"
`)
	store := NewStore()
	if err := ParseConstraintYAML(data, "x", store); err == nil {
		t.Fatalf("expected error for mismatched name/value list lengths")
	}
}

func TestEffectiveWhen(t *testing.T) {
	c := Constraint{ImageName: "app", When: "system=frontier"}
	if got := c.EffectiveWhen(); got != "app system=frontier" {
		t.Fatalf("EffectiveWhen() = %q", got)
	}

	global := Constraint{When: "system=frontier"}
	if got := global.EffectiveWhen(); got != "system=frontier" {
		t.Fatalf("EffectiveWhen() (no image name) = %q", got)
	}
}

func TestForScope(t *testing.T) {
	store := NewStore()
	store.Add(Constraint{ImageName: "a", Scope: ScopeImage})
	store.Add(Constraint{ImageName: "b", Scope: ScopeGlobal})
	store.Add(Constraint{ImageName: "c", Scope: ScopeBuild})

	global := store.ForScope(ScopeGlobal)
	if len(global) != 1 || global[0].ImageName != "b" {
		t.Fatalf("ForScope(global) = %+v", global)
	}
}

func TestParseCLIArgument(t *testing.T) {
	cs, err := ParseCLIArgument("BUILD_JOBS:4;FLAG:1")
	if err != nil {
		t.Fatalf("ParseCLIArgument: %v", err)
	}
	if len(cs) != 4 {
		t.Fatalf("expected 4 constraints (arg+var per pair), got %d", len(cs))
	}
	for _, c := range cs {
		if c.Scope != ScopeGlobal {
			t.Errorf("expected global scope, got %v", c.Scope)
		}
	}
}

func TestParseCLIVariable(t *testing.T) {
	c, err := ParseCLIVariable("name:PIXI_HOME;value:/opt/pixi")
	if err != nil {
		t.Fatalf("ParseCLIVariable: %v", err)
	}
	if c.Kind != image.KindVariable || c.Payload != "PIXI_HOME=/opt/pixi" {
		t.Fatalf("unexpected constraint: %+v", c)
	}
}

func TestParseCLIVariableMissingName(t *testing.T) {
	if _, err := ParseCLIVariable("value:/opt/pixi"); err == nil {
		t.Fatalf("expected error for missing name field")
	}
}

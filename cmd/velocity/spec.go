package main

import (
	"encoding/json"
	"fmt"

	"github.com/ovbuild/velocity/internal/planner"
)

// SpecCmd prints the resolved BuildTuple for Targets as JSON, without
// building anything, per §6's "spec TARGETS...".
type SpecCmd struct {
	Targets []string `arg:"" help:"Build targets, e.g. gcc@12 rocm"`
}

// stageSpec is the JSON-friendly projection of one BuildTuple entry.
type stageSpec struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	ID        string            `json:"id"`
	Hash      string            `json:"hash"`
	Backend   string            `json:"backend"`
	Distro    string            `json:"distro"`
	Underlay  int               `json:"underlay"`
	Image     string            `json:"image_name"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (c *SpecCmd) Run(a *app) error {
	p := planner.New(a.repo)
	tuple, _, err := p.CreateBuildRecipe(c.Targets)
	if err != nil {
		return fmt.Errorf("planning build: %w", err)
	}

	stages := make([]stageSpec, 0, len(tuple))
	for _, img := range tuple {
		stages = append(stages, stageSpec{
			Name:      img.Name,
			Version:   img.Version.String(),
			ID:        img.ID(),
			Hash:      img.Hash().String(),
			Backend:   img.Backend,
			Distro:    img.Distro,
			Underlay:  img.Underlay,
			Image:     a.backend.ImageName(img),
			Variables: img.Variables,
		})
	}

	data, err := json.MarshalIndent(stages, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

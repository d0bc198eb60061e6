package main

import (
	"fmt"
	"sort"
)

// AvailCmd lists every image in the catalog that could satisfy Targets (or
// every catalog image, if no targets are given), per §6's "avail
// [TARGETS...]".
type AvailCmd struct {
	Targets []string `arg:"" optional:"" help:"Spec clauses to filter by, e.g. gcc backend=docker"`
}

func (c *AvailCmd) Run(a *app) error {
	var names []string
	for _, img := range a.repo.Images() {
		if len(c.Targets) == 0 {
			names = append(names, img.Name+"@"+img.Version.String())
			continue
		}
		for _, t := range c.Targets {
			ok, err := img.Satisfies(t)
			if err != nil {
				return fmt.Errorf("evaluating spec %q against %s: %w", t, img.Name, err)
			}
			if ok {
				names = append(names, img.Name+"@"+img.Version.String())
				break
			}
		}
	}

	sort.Strings(names)
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

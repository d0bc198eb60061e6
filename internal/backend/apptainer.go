package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/template"
)

// apptainerBackend renders Apptainer/Singularity definition files (§4.H:
// "Singularity (= Apptainer)").
type apptainerBackend struct {
	executable string
	opts       Options

	mu    sync.Mutex
	cache map[string]bool
}

func (a *apptainerBackend) Name() string { return a.executable }

// classifyFrom determines the Apptainer "Bootstrap:" header type and the bare
// reference from an @from line: an explicit scheme prefix wins, otherwise a
// ".sif" suffix implies a local image and anything else is assumed to be a
// docker registry reference.
func classifyFrom(ref string) (bootstrap, from string) {
	switch {
	case strings.HasPrefix(ref, "localimage://"):
		return "localimage", strings.TrimPrefix(ref, "localimage://")
	case strings.HasPrefix(ref, "docker://"):
		return "docker", strings.TrimPrefix(ref, "docker://")
	case strings.HasPrefix(ref, "oras://"):
		return "oras", strings.TrimPrefix(ref, "oras://")
	case strings.HasSuffix(ref, ".sif"):
		return "localimage", ref
	default:
		return "docker", ref
	}
}

// Render implements the Apptainer-like rendering rules of §4.H: Bootstrap/
// From header classified from @from, "{{ name }}" argument placeholders
// (Apptainer's own template engine substitutes these at build time from
// --build-arg, so Velocity leaves them as literal Jinja-like references
// rather than shell variables), %files/%post/%environment/%labels/
// %runscript sections.
func (a *apptainerBackend) Render(ast *template.AST, img *image.Image) (string, error) {
	sub := func(name string) string { return "{{ " + name + " }}" }

	var b strings.Builder

	if ast.From != "" {
		bootstrap, from := classifyFrom(ast.From)
		fmt.Fprintf(&b, "Bootstrap: %s\n", bootstrap)
		fmt.Fprintf(&b, "From: %s\n", from)
	}

	if len(ast.Pre) > 0 {
		b.WriteString("\n%pre\n")
		for _, line := range ast.Pre {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}

	if len(ast.Copy) > 0 {
		b.WriteString("\n%files\n")
		for _, c := range ast.Copy {
			fmt.Fprintf(&b, "    %s %s\n", replaceArgTokens(c.Src, sub), replaceArgTokens(c.Dest, sub))
		}
	}

	if len(ast.Run) > 0 {
		b.WriteString("\n%post\n")
		for _, r := range ast.Run {
			if r.IsEnvar {
				fmt.Fprintf(&b, "    export %s=%s\n", r.EnvarName, r.EnvarValue)
			} else {
				fmt.Fprintf(&b, "    %s\n", replaceArgTokens(r.Raw, sub))
			}
		}
	}

	if len(ast.Env) > 0 {
		b.WriteString("\n%environment\n")
		for _, e := range ast.Env {
			fmt.Fprintf(&b, "    export %s=%q\n", e.Key, replaceArgTokens(e.Value, sub))
		}
	}

	labels := ociAnnotationLabels(img, ast.From)
	labels = append(labels, ast.Label...)
	for _, r := range ast.Run {
		if r.IsEnvar {
			labels = append(labels, template.KVLine{Key: r.EnvarName, Value: r.EnvarValue})
		}
	}
	if len(labels) > 0 {
		b.WriteString("\n%labels\n")
		for _, l := range labels {
			fmt.Fprintf(&b, "    %s %s\n", l.Key, replaceArgTokens(l.Value, sub))
		}
	}

	if len(ast.Entry) > 0 {
		b.WriteString("\n%runscript\n")
		tokens := make([]string, len(ast.Entry))
		for i, t := range ast.Entry {
			tokens[i] = replaceArgTokens(t, sub)
		}
		fmt.Fprintf(&b, "    exec %s\n", strings.Join(tokens, " "))
	}

	if len(ast.Post) > 0 {
		b.WriteString("\n%post\n")
		for _, line := range ast.Post {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}

	return b.String(), nil
}

// BuildCommand returns "apptainer build --build-arg name=value... out.sif
// scriptPath" — every argument in img.Arguments is passed as a build-time
// variable, its value taken from img.Variables, since Apptainer's own
// template engine, not Velocity's, resolves the "{{ name }}" placeholders
// Render left in the script. Arguments found only in the template are not
// passed.
func (a *apptainerBackend) BuildCommand(img *image.Image, scriptPath, contextDir string) ([]string, error) {
	out := filepath.Join(a.opts.ApptainerImageDir, a.ImageName(img))
	cmd := []string{a.executable, "build"}
	for name := range img.Arguments {
		cmd = append(cmd, "--build-arg", fmt.Sprintf("%s=%s", name, img.Variables[name]))
	}
	cmd = append(cmd, out, scriptPath)
	return cmd, nil
}

// ImageName formats "<tag>.sif" (tag is "<name>-<version>") with no
// directory; BuildCommand and the other path-taking methods join it with
// ApptainerImageDir.
func (a *apptainerBackend) ImageName(img *image.Image) string {
	return img.Name + "-" + img.Version.String() + ".sif"
}

// BuildExists tests Path.is_file() against ApptainerImageDir, caching like
// the Docker/Podman variant.
func (a *apptainerBackend) BuildExists(imgName string) (bool, error) {
	a.mu.Lock()
	if a.cache == nil {
		a.cache = make(map[string]bool)
	}
	if v, ok := a.cache[imgName]; ok {
		a.mu.Unlock()
		return v, nil
	}
	a.mu.Unlock()

	path := filepath.Join(a.opts.ApptainerImageDir, imgName)
	info, err := os.Stat(path)
	exists := err == nil && !info.IsDir()

	a.mu.Lock()
	a.cache[imgName] = exists
	a.mu.Unlock()
	return exists, nil
}

// FinalizeCommand copies the last stage's .sif to the user-chosen final name.
func (a *apptainerBackend) FinalizeCommand(lastImageName, finalName string) ([]string, error) {
	src := filepath.Join(a.opts.ApptainerImageDir, lastImageName)
	dst := filepath.Join(a.opts.ApptainerImageDir, finalName)
	return []string{"cp", src, dst}, nil
}

// CleanupCommand removes an intermediate .sif file.
func (a *apptainerBackend) CleanupCommand(intermediateName string) ([]string, error) {
	return []string{"rm", "-f", filepath.Join(a.opts.ApptainerImageDir, intermediateName)}, nil
}

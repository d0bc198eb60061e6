package backend

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/template"
)

// dockerBackend renders Containerfile-style scripts and shells out to
// either "docker" or "podman" (the two share one renderer per §4.H: "Podman
// (= Docker)").
type dockerBackend struct {
	executable string
	opts       Options

	mu    sync.Mutex
	cache map[string]bool // existing_builds_cache, §5: populated lazily, never invalidated within a run
}

func (d *dockerBackend) Name() string { return d.executable }

// Render implements the Docker-like rendering rules of §4.H: FROM, ARG
// preambles for every discovered argument with @@name@@ -> $name token
// replacement, COPY per line, a single RUN joined with "&&\" continuation,
// ENV/LABEL as one multi-line directive, and ENTRYPOINT in tokenized-list
// form.
func (d *dockerBackend) Render(ast *template.AST, img *image.Image) (string, error) {
	sub := func(name string) string { return "$" + name }

	var b strings.Builder

	for _, line := range ast.Pre {
		fmt.Fprintln(&b, line)
	}
	if len(ast.Pre) > 0 {
		b.WriteString("\n")
	}

	if ast.From != "" {
		fmt.Fprintf(&b, "FROM %s\n", ast.From)
	}

	args := sortedArguments(ast)
	if len(args) > 0 {
		b.WriteString("\n")
		for _, a := range args {
			fmt.Fprintf(&b, "ARG %s\n", a)
		}
	}

	if len(ast.Copy) > 0 {
		b.WriteString("\n")
		for _, c := range ast.Copy {
			fmt.Fprintf(&b, "COPY %s %s\n", replaceArgTokens(c.Src, sub), replaceArgTokens(c.Dest, sub))
		}
	}

	if len(ast.Run) > 0 {
		b.WriteString("\n")
		b.WriteString(renderDockerRun(ast.Run, sub))
		b.WriteString("\n")
	}

	labels := ociAnnotationLabels(img, ast.From)
	labels = append(labels, ast.Label...)
	var envLines []string
	for _, r := range ast.Run {
		if r.IsEnvar {
			labels = append(labels, template.KVLine{Key: r.EnvarName, Value: r.EnvarValue})
		}
	}

	if len(ast.Env) > 0 {
		b.WriteString("\n")
		envLines = nil
		for _, e := range ast.Env {
			envLines = append(envLines, fmt.Sprintf("%s=%q", e.Key, replaceArgTokens(e.Value, sub)))
		}
		b.WriteString(joinDirective("ENV", envLines))
		b.WriteString("\n")
	}

	if len(labels) > 0 {
		b.WriteString("\n")
		var labelLines []string
		for _, l := range labels {
			labelLines = append(labelLines, fmt.Sprintf("%s=%q", l.Key, replaceArgTokens(l.Value, sub)))
		}
		b.WriteString(joinDirective("LABEL", labelLines))
		b.WriteString("\n")
	}

	if len(ast.Entry) > 0 {
		b.WriteString("\n")
		tokens := make([]string, len(ast.Entry))
		for i, t := range ast.Entry {
			tokens[i] = replaceArgTokens(t, sub)
		}
		fmt.Fprintf(&b, "ENTRYPOINT %s\n", quoteTokens(tokens))
	}

	if len(ast.Post) > 0 {
		b.WriteString("\n")
		for _, line := range ast.Post {
			fmt.Fprintln(&b, line)
		}
	}

	return b.String(), nil
}

// renderDockerRun joins ast.Run's lines into a single RUN directive: lines
// are joined with " && \" continuation, except a line that already ends in
// a literal "\" continuation is not re-joined with an extra "&&".
func renderDockerRun(lines []template.RunLine, sub func(string) string) string {
	cmds := make([]string, len(lines))
	for i, r := range lines {
		if r.IsEnvar {
			cmds[i] = fmt.Sprintf("export %s=%s", r.EnvarName, r.EnvarValue)
		} else {
			cmds[i] = replaceArgTokens(r.Raw, sub)
		}
	}

	var b strings.Builder
	b.WriteString("RUN ")
	b.WriteString(cmds[0])
	for i := 1; i < len(cmds); i++ {
		if strings.HasSuffix(strings.TrimRight(cmds[i-1], " "), "\\") {
			b.WriteString("\n    ")
		} else {
			b.WriteString(" && \\\n    ")
		}
		b.WriteString(cmds[i])
	}
	return b.String()
}

// joinDirective renders name followed by each of values joined with a
// " \" line continuation, the shape of a multi-valued ENV/LABEL directive.
func joinDirective(name string, values []string) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(" ")
	for i, v := range values {
		if i > 0 {
			b.WriteString(" \\\n    ")
		}
		b.WriteString(v)
	}
	return b.String()
}

// BuildCommand returns "docker build -f scriptPath -t name contextDir".
func (d *dockerBackend) BuildCommand(img *image.Image, scriptPath, contextDir string) ([]string, error) {
	return []string{d.executable, "build", "-f", scriptPath, "-t", d.ImageName(img), contextDir}, nil
}

// ImageName formats "localhost/<tag>:latest" when tag has no "/" or ":",
// per §6. The result is checked with name.ParseReference, but a parse
// failure does not change the returned name.
func (d *dockerBackend) ImageName(img *image.Image) string {
	tag := img.Name + "-" + img.Version.String()
	var full string
	if strings.ContainsAny(tag, "/:") {
		full = tag
	} else {
		full = "localhost/" + tag + ":latest"
	}
	if _, err := name.ParseReference(full); err != nil {
		return full
	}
	return full
}

// BuildExists shells out to "<engine> image ls" and greps for an exact
// match, caching the result per §5 ("populated lazily, never invalidated
// within a run").
func (d *dockerBackend) BuildExists(imgName string) (bool, error) {
	d.mu.Lock()
	if d.cache == nil {
		d.cache = make(map[string]bool)
	}
	if v, ok := d.cache[imgName]; ok {
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	cmd := exec.Command(d.executable, "image", "ls", "--format", "{{.Repository}}:{{.Tag}}")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("%s image ls: %w", d.executable, err)
	}

	exists := false
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == imgName {
			exists = true
			break
		}
	}

	d.mu.Lock()
	d.cache[imgName] = exists
	d.mu.Unlock()
	return exists, nil
}

// FinalizeCommand tags lastImageName as finalName.
func (d *dockerBackend) FinalizeCommand(lastImageName, finalName string) ([]string, error) {
	return []string{d.executable, "tag", lastImageName, finalName}, nil
}

// CleanupCommand removes an intermediate tag.
func (d *dockerBackend) CleanupCommand(intermediateName string) ([]string, error) {
	return []string{d.executable, "rmi", intermediateName}, nil
}

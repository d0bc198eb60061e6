// Package backend renders a parsed template AST into a concrete build
// script and the CLI/API commands that drive one of the supported
// container builders: Docker, Podman, Apptainer, Singularity, OpenShift.
package backend

import (
	"fmt"
	"regexp"
	"strings"

	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/template"
)

// Variant names one of the five supported build backends. Podman is an
// alias for Docker rendering; Singularity is an alias for Apptainer.
type Variant string

const (
	Docker      Variant = "docker"
	Podman      Variant = "podman"
	Apptainer   Variant = "apptainer"
	Singularity Variant = "singularity"
	OpenShift   Variant = "openshift"
)

// BackendNotSupportedError reports an unrecognized variant name.
type BackendNotSupportedError struct {
	Variant string
}

func (e *BackendNotSupportedError) Error() string {
	return fmt.Sprintf("backend %q not supported", e.Variant)
}

// BackendNotAvailableError reports a recognized variant whose underlying
// tool (binary, API) could not be reached.
type BackendNotAvailableError struct {
	Variant string
	Reason  string
}

func (e *BackendNotAvailableError) Error() string {
	return fmt.Sprintf("backend %q not available: %s", e.Variant, e.Reason)
}

// Backend is the capability set §4.H requires of every variant: render a
// section AST to a build script, emit the CLI/API command that executes
// it, format a concrete image name/tag, check whether that tag already
// exists, and emit the two bookkeeping commands the Builder needs at the
// end of a run (tag the final layer, remove an intermediate tag).
type Backend interface {
	// Name reports the variant this Backend renders for.
	Name() string

	// Render turns ast into the backend's build script source (a
	// Dockerfile, an Apptainer definition file, or a Dockerfile destined
	// for an OpenShift BuildConfig).
	Render(ast *template.AST, img *image.Image) (string, error)

	// BuildCommand returns the argv that builds scriptPath (relative to
	// contextDir) into the image named by ImageName(img).
	BuildCommand(img *image.Image, scriptPath, contextDir string) ([]string, error)

	// ImageName formats the concrete name the built image is tagged with.
	ImageName(img *image.Image) string

	// BuildExists reports whether an image tagged name is already present,
	// so the Builder can skip a redundant build.
	BuildExists(name string) (bool, error)

	// FinalizeCommand returns the argv that tags lastImageName as
	// finalName, the user-chosen name for the last layer in a recipe.
	FinalizeCommand(lastImageName, finalName string) ([]string, error)

	// CleanupCommand returns the argv that removes an intermediate tag
	// after the final image has been tagged, used when remove_tags is set.
	CleanupCommand(intermediateName string) ([]string, error)
}

// argPattern matches the build-time-argument placeholder "@@ NAME @@",
// shared by every backend's rendering pass since argument collection
// itself (§4.G) happens once in the template package.
var argPattern = regexp.MustCompile(`@@\s*([A-Za-z0-9_]+)\s*@@`)

// replaceArgTokens rewrites every "@@ NAME @@" occurrence in s using sub,
// which receives the bare argument name.
func replaceArgTokens(s string, sub func(name string) string) string {
	return argPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := argPattern.FindStringSubmatch(m)[1]
		return sub(name)
	})
}

// sortedArguments returns ast.Arguments as a deterministically ordered
// slice, since Go map iteration order would otherwise make ARG/build-arg
// preambles nondeterministic across renders of the same template.
func sortedArguments(ast *template.AST) []string {
	out := make([]string, 0, len(ast.Arguments))
	for name := range ast.Arguments {
		out = append(out, name)
	}
	sortStrings(out)
	return out
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// New resolves variant to a concrete Backend. Podman reuses the Docker
// renderer under a different build executable; Singularity reuses
// Apptainer the same way.
func New(variant Variant, opts Options) (Backend, error) {
	switch variant {
	case Docker:
		return &dockerBackend{executable: "docker", opts: opts}, nil
	case Podman:
		return &dockerBackend{executable: "podman", opts: opts}, nil
	case Apptainer:
		return &apptainerBackend{executable: "apptainer", opts: opts}, nil
	case Singularity:
		return &apptainerBackend{executable: "singularity", opts: opts}, nil
	case OpenShift:
		return newOpenShiftBackend(opts)
	default:
		return nil, &BackendNotSupportedError{Variant: string(variant)}
	}
}

// Options carries the runtime knobs a Backend needs beyond the template
// AST and Image it renders: where to look for local Apptainer .sif files,
// and how to reach an OpenShift API server.
type Options struct {
	// ApptainerImageDir is where Apptainer/Singularity-built .sif files are
	// written and where BuildExists looks for one by name.
	ApptainerImageDir string

	// OpenShift holds the connection and resource-limit settings used only
	// by the OpenShift backend.
	OpenShift OpenShiftOptions
}

// ociAnnotationLabels returns the standard OCI image-spec annotation keys
// (org.opencontainers.image.*) every rendered image carries alongside any
// @label lines the template itself declares, so a built image is
// self-describing to any OCI-aware tool inspecting it later.
func ociAnnotationLabels(img *image.Image, baseRef string) []template.KVLine {
	labels := []template.KVLine{
		{Key: specs.AnnotationTitle, Value: img.Name},
		{Key: specs.AnnotationVersion, Value: img.Version.String()},
		{Key: specs.AnnotationRevision, Value: img.ID()},
	}
	if baseRef != "" {
		labels = append(labels, template.KVLine{Key: specs.AnnotationBaseImageName, Value: baseRef})
	}
	return labels
}

// quoteTokens renders tokens as a JSON-ish bracketed list, the form Docker
// uses for ENTRYPOINT ["a", "b"].
func quoteTokens(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

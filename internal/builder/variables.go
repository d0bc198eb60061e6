package builder

import (
	"runtime"
	"strconv"
	"time"

	"github.com/ovbuild/velocity/internal/backend"
	"github.com/ovbuild/velocity/internal/planner"
)

// assembleVariables folds the §6 injected variables into img's own
// (catalog- and constraint-declared) variable map ahead of template
// rendering: backend/arch/thread facts, the running timestamp, every
// version-derived form, this image's own id, the preceding stage's image
// name as __base__ (absent for the first stage), and one
// __<name>__version__ entry per stage built so far, so a later template can
// reference an earlier stage's exact version.
func assembleVariables(be backend.Backend, threads int, tuple planner.BuildTuple, index int) map[string]string {
	img := tuple[index]

	vars := make(map[string]string, len(img.Variables)+16)
	for k, v := range img.Variables {
		vars[k] = v
	}

	vars["__backend__"] = be.Name()
	vars["__backend_executable__"] = be.Name()
	vars["__arch__"] = runtime.GOARCH
	vars["__threads__"] = strconv.Itoa(threads)
	vars["__timestamp__"] = time.Now().UTC().Format(time.RFC3339)

	vars["__name__"] = img.Name
	vars["__version__"] = img.Version.String()
	vars["__version_major__"] = strconv.Itoa(img.Version.Major)
	if img.Version.HasMinor {
		vars["__version_minor__"] = strconv.Itoa(img.Version.Minor)
	}
	if img.Version.HasPatch {
		vars["__version_patch__"] = strconv.Itoa(img.Version.Patch)
	}
	if img.Version.HasSuffix {
		vars["__version_suffix__"] = img.Version.Suffix
	}
	vars["__image_id__"] = img.ID()

	if index > 0 {
		vars["__base__"] = be.ImageName(tuple[index-1])
	}

	for _, prior := range tuple[:index+1] {
		vars["__"+prior.Name+"__version__"] = prior.Version.String()
	}

	return vars
}

// threadLimit asks be for a clamped thread count (the OpenShift backend
// clamps to its BuildConfig's CPU limit, §6); every other backend has no
// opinion and gets the host's logical CPU count.
func threadLimit(be backend.Backend) int {
	if tl, ok := be.(backend.ThreadLimiter); ok {
		return tl.ThreadLimit()
	}
	return runtime.NumCPU()
}

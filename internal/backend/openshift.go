package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	buildv1 "github.com/openshift/api/build/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/client-go/rest"

	"github.com/ovbuild/velocity/internal/image"
	"github.com/ovbuild/velocity/internal/template"
)

// OpenShiftOptions configures the OpenShift backend's connection to the
// cluster API and the resource limits §4.H says it injects into every
// BuildConfig it creates or updates.
type OpenShiftOptions struct {
	RESTConfig  *rest.Config
	Namespace   string
	CPULimitMillicores int64 // from VELOCITY_OPENSHIFT_CPU_LIMIT
	MemoryLimit string        // from VELOCITY_OPENSHIFT_MEMORY_LIMIT, e.g. "2Gi"
}

// ThreadLimiter is implemented by backends that clamp the __threads__
// injected variable (§6) to their own resource limits; the Builder
// consults it, when present, while assembling a stage's variable map.
type ThreadLimiter interface {
	ThreadLimit() int
}

// openShiftBackend renders the same Dockerfile shape as the Docker
// backend, but drives the build by creating/updating a BuildConfig over
// the cluster API (via a REST client built directly from openshift/api's
// scheme, since no generated OpenShift clientset is vendored here) and
// delegates the actual run-and-poll-to-completion step to "oc start-build
// --follow --wait", which is how §4.H's "polling the API until
// Status: Complete" is surfaced to the Builder's uniform
// render/build-command/stream contract.
type openShiftBackend struct {
	opts   OpenShiftOptions
	client *rest.RESTClient
	docker *dockerBackend
}

func newOpenShiftBackend(opts Options) (Backend, error) {
	o := opts.OpenShift
	if o.RESTConfig == nil {
		return nil, &BackendNotAvailableError{Variant: "openshift", Reason: "no cluster REST config provided"}
	}
	if o.Namespace == "" {
		return nil, &BackendNotAvailableError{Variant: "openshift", Reason: "no namespace configured"}
	}

	scheme := runtime.NewScheme()
	if err := buildv1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("registering build.openshift.io/v1 scheme: %w", err)
	}
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("registering core/v1 scheme: %w", err)
	}

	config := *o.RESTConfig
	gv := buildv1.SchemeGroupVersion
	config.GroupVersion = &gv
	config.APIPath = "/apis"
	config.NegotiatedSerializer = serializer.NewCodecFactory(scheme).WithoutConversion()

	client, err := rest.RESTClientFor(&config)
	if err != nil {
		return nil, &BackendNotAvailableError{Variant: "openshift", Reason: err.Error()}
	}

	return &openShiftBackend{
		opts:   o,
		client: client,
		docker: &dockerBackend{executable: "oc"},
	}, nil
}

func (o *openShiftBackend) Name() string { return "openshift" }

// Render reuses the Docker-shaped renderer: §4.H builds an OpenShift image
// by "copying the rendered script to a local Dockerfile", the same script
// shape Docker/Podman consume.
func (o *openShiftBackend) Render(ast *template.AST, img *image.Image) (string, error) {
	return o.docker.Render(ast, img)
}

// ImageName prefixes the tag with "v-" to dodge OpenShift's
// starting-with-digit ImageStreamTag validation failures (§6).
func (o *openShiftBackend) ImageName(img *image.Image) string {
	tag := img.Name + "-" + img.Version.String()
	return fmt.Sprintf("v-%s:latest", tag)
}

// ThreadLimit clamps __threads__ to the BuildConfig's CPU limit
// (millicores/1000, minimum 1), per §6.
func (o *openShiftBackend) ThreadLimit() int {
	threads := int(o.opts.CPULimitMillicores / 1000)
	if threads < 1 {
		threads = 1
	}
	return threads
}

// BuildCommand ensures the BuildConfig for img's image exists (creating or
// updating it with the rendered Dockerfile embedded inline), then returns
// the "oc start-build" invocation the Builder will exec and stream.
func (o *openShiftBackend) BuildCommand(img *image.Image, scriptPath, contextDir string) ([]string, error) {
	imgName := o.ImageName(img)
	bcName := sanitizeBuildConfigName(imgName)

	if err := o.ensureBuildConfig(context.Background(), bcName, imgName, scriptPath); err != nil {
		return nil, fmt.Errorf("ensuring BuildConfig %s: %w", bcName, err)
	}

	return []string{"oc", "start-build", bcName, "--follow", "--wait", "-n", o.opts.Namespace}, nil
}

func (o *openShiftBackend) ensureBuildConfig(ctx context.Context, bcName, imageName, scriptPath string) error {
	scriptBytes, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("reading rendered script %s: %w", scriptPath, err)
	}
	dockerfile := string(scriptBytes)

	limits := corev1.ResourceList{}
	if o.opts.CPULimitMillicores > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(o.opts.CPULimitMillicores, resource.DecimalSI)
	}
	if o.opts.MemoryLimit != "" {
		if q, err := resource.ParseQuantity(o.opts.MemoryLimit); err == nil {
			limits[corev1.ResourceMemory] = q
		}
	}

	bc := &buildv1.BuildConfig{
		ObjectMeta: metav1.ObjectMeta{
			Name:      bcName,
			Namespace: o.opts.Namespace,
		},
		Spec: buildv1.BuildConfigSpec{
			CommonSpec: buildv1.CommonSpec{
				Source: buildv1.BuildSource{
					Type:       buildv1.BuildSourceDockerfile,
					Dockerfile: &dockerfile,
				},
				Strategy: buildv1.BuildStrategy{
					Type:           buildv1.DockerBuildStrategyType,
					DockerStrategy: &buildv1.DockerBuildStrategy{},
				},
				Output: buildv1.BuildOutput{
					To: &corev1.ObjectReference{
						Kind: "ImageStreamTag",
						Name: imageName,
					},
				},
				Resources: corev1.ResourceRequirements{Limits: limits},
			},
		},
	}

	existing := &buildv1.BuildConfig{}
	err = o.client.Get().
		Namespace(o.opts.Namespace).
		Resource("buildconfigs").
		Name(bcName).
		Do(ctx).
		Into(existing)

	if err != nil {
		if errors.IsNotFound(err) {
			return o.client.Post().
				Namespace(o.opts.Namespace).
				Resource("buildconfigs").
				Body(bc).
				Do(ctx).
				Error()
		}
		return err
	}

	bc.ResourceVersion = existing.ResourceVersion
	return o.client.Put().
		Namespace(o.opts.Namespace).
		Resource("buildconfigs").
		Name(bcName).
		Body(bc).
		Do(ctx).
		Error()
}

// BuildExists shells out to "oc get imagetags", per §4.H.
func (o *openShiftBackend) BuildExists(imgName string) (bool, error) {
	cmd := exec.Command("oc", "get", "imagetags", imgName, "-n", o.opts.Namespace)
	if err := cmd.Run(); err != nil {
		return false, nil
	}
	return true, nil
}

// FinalizeCommand tags the last stage's image as finalName via "oc tag".
func (o *openShiftBackend) FinalizeCommand(lastImageName, finalName string) ([]string, error) {
	return []string{"oc", "tag", lastImageName, finalName, "-n", o.opts.Namespace}, nil
}

// CleanupCommand deletes an intermediate ImageStreamTag.
func (o *openShiftBackend) CleanupCommand(intermediateName string) ([]string, error) {
	return []string{"oc", "delete", "imagestreamtag", intermediateName, "-n", o.opts.Namespace}, nil
}

// sanitizeBuildConfigName derives a DNS-1123-safe BuildConfig name from an
// image reference like "v-gcc-12.3:latest".
func sanitizeBuildConfigName(imageName string) string {
	name := strings.ToLower(imageName)
	name = strings.NewReplacer(":", "-", "/", "-", "@", "-", "_", "-", ".", "-").Replace(name)
	return name
}


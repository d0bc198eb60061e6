package main

import (
	"strconv"

	"k8s.io/client-go/tools/clientcmd"

	"github.com/ovbuild/velocity/internal/backend"
	"github.com/ovbuild/velocity/internal/config"
)

// loadOpenShiftOptions resolves the REST config and resource limits the
// OpenShift backend needs from the user's kubeconfig (standard loading
// rules: $KUBECONFIG or ~/.kube/config) plus the VELOCITY_OPENSHIFT_* config
// keys (§6's environment variable list, bound in internal/config).
func loadOpenShiftOptions(cfg *config.Config) (backend.OpenShiftOptions, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return backend.OpenShiftOptions{}, err
	}

	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		namespace = "default"
	}
	if ns, ok := cfg.Get("velocity:openshift:namespace", config.GetOptions{WarnOnMiss: false}); ok && ns != "" {
		namespace = ns
	}

	var cpuMillicores int64
	if v, ok := cfg.Get("velocity:openshift:cpu_limit", config.GetOptions{WarnOnMiss: false}); ok {
		cpuMillicores, _ = strconv.ParseInt(v, 10, 64)
	}

	memLimit, _ := cfg.Get("velocity:openshift:memory_limit", config.GetOptions{WarnOnMiss: false})

	return backend.OpenShiftOptions{
		RESTConfig:         restConfig,
		Namespace:          namespace,
		CPULimitMillicores: cpuMillicores,
		MemoryLimit:        memLimit,
	}, nil
}

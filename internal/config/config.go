// Package config implements the process-wide keyed settings store of §4.J:
// a nested map addressed by colon-delimited keys (e.g. "velocity:system"),
// populated in order from compiled-in defaults, an on-disk config.yaml,
// environment variables, and finally CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InvalidKeyError reports a colon-delimited key with a non-identifier
// segment, or an attempt to set/get a path through a leaf value as though
// it were a nested map.
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid config key %q: %s", e.Key, e.Reason)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config is a nested map of string keys to either a string value or another
// nested map, addressed by colon-delimited paths. It is safe for concurrent
// use.
type Config struct {
	mu   sync.RWMutex
	data map[string]interface{}
}

// New returns a Config seeded with the compiled-in defaults: backend
// "apptainer", distro "ubuntu", and system set to the host architecture.
func New() *Config {
	c := &Config{data: make(map[string]interface{})}
	_ = c.Set("velocity:backend", "apptainer")
	_ = c.Set("velocity:distro", "ubuntu")
	_ = c.Set("velocity:system", runtime.GOARCH)
	return c
}

// splitKey validates and splits a colon-delimited key into its segments.
func splitKey(key string) ([]string, error) {
	segments := strings.Split(key, ":")
	for _, s := range segments {
		if !identifierPattern.MatchString(s) {
			return nil, &InvalidKeyError{Key: key, Reason: fmt.Sprintf("segment %q is not alphanumeric/underscore", s)}
		}
	}
	return segments, nil
}

// Set walks key's segments, creating intermediate maps as needed, and
// stores value at the leaf.
func (c *Config) Set(key, value string) error {
	segments, err := splitKey(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := m[seg]
		if !ok {
			nm := make(map[string]interface{})
			m[seg] = nm
			m = nm
			continue
		}
		nm, ok := next.(map[string]interface{})
		if !ok {
			return &InvalidKeyError{Key: key, Reason: fmt.Sprintf("%q is a leaf value, not a nested map", seg)}
		}
		m = nm
	}

	m[segments[len(segments)-1]] = value
	return nil
}

// GetOptions controls Get's miss behavior.
type GetOptions struct {
	// WarnOnMiss logs a warning when key is absent. Defaults to true; pass
	// WarnOnMiss: false to look a key up silently.
	WarnOnMiss bool
}

// Get returns the string value stored at key and true, or "" and false if
// key is absent or resolves to a nested map rather than a leaf. By default a
// miss is logged via logrus.Warnf; pass opts with WarnOnMiss: false to
// suppress that.
func (c *Config) Get(key string, opts ...GetOptions) (string, bool) {
	warn := true
	if len(opts) > 0 {
		warn = opts[0].WarnOnMiss
	}

	segments, err := splitKey(key)
	if err != nil {
		if warn {
			logrus.Warnf("config: %v", err)
		}
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var cur interface{} = c.data
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if warn {
				logrus.Warnf("config: key %q not found", key)
			}
			return "", false
		}
		cur, ok = m[seg]
		if !ok {
			if warn {
				logrus.Warnf("config: key %q not found", key)
			}
			return "", false
		}
	}

	s, ok := cur.(string)
	if !ok {
		if warn {
			logrus.Warnf("config: key %q is not a leaf value", key)
		}
		return "", false
	}
	return s, true
}

// envBindings maps an environment variable name to the config key it
// populates, per §6's environment variable list.
var envBindings = map[string]string{
	"VELOCITY_SYSTEM":                 "velocity:system",
	"VELOCITY_BACKEND":                "velocity:backend",
	"VELOCITY_DISTRO":                 "velocity:distro",
	"VELOCITY_IMAGE_PATH":             "velocity:image_path",
	"VELOCITY_BUILD_DIR":              "velocity:build_dir",
	"VELOCITY_LOGGING_LEVEL":          "velocity:logging_level",
	"VELOCITY_OPENSHIFT_CPU_LIMIT":    "velocity:openshift:cpu_limit",
	"VELOCITY_OPENSHIFT_MEMORY_LIMIT": "velocity:openshift:memory_limit",
}

// ConfigDirPath resolves the config directory: VELOCITY_CONFIG_DIR if set,
// otherwise "<os.UserConfigDir()>/velocity".
func ConfigDirPath() (string, error) {
	if dir := os.Getenv("VELOCITY_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determining config directory: %w", err)
	}
	return filepath.Join(base, "velocity"), nil
}

// Load populates a Config in the order §4.J specifies: (1) compiled-in
// defaults, (2) <config_dir>/config.yaml, (3) environment variables. CLI
// flags are applied last by the caller via Set, since kong has already
// parsed them into Go values by the time a command runs.
func Load() (*Config, error) {
	c := New()

	dir, err := ConfigDirPath()
	if err != nil {
		return nil, err
	}

	if err := c.loadFile(filepath.Join(dir, "config.yaml")); err != nil {
		return nil, err
	}

	for env, key := range envBindings {
		if v := os.Getenv(env); v != "" {
			if err := c.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	mergeInto(c.data, raw)
	return nil
}

// mergeInto recursively merges src into dst, overwriting leaves and
// descending into nested maps present on both sides.
func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			dstMap, ok := dst[k].(map[string]interface{})
			if !ok {
				dstMap = make(map[string]interface{})
				dst[k] = dstMap
			}
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = fmt.Sprintf("%v", v)
	}
}

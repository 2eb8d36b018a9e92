package routing

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

var knownRouteClasses = map[string]bool{
	string(RouteClassUI):          true,
	string(RouteClassInternalAPI): true,
	string(RouteClassPublicAPI):   true,
	string(RouteClassWebhook):     true,
	string(RouteClassAuthn):       true,
	string(RouteClassOps):         true,
	string(RouteClassStatic):      true,
}

var knownMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, errors.New("allowlist: unsupported version")
	}
	if len(a.Entrypoints) == 0 {
		return Allowlist{}, errors.New("allowlist: missing entrypoints")
	}
	for name, ep := range a.Entrypoints {
		if err := validateEntrypoint(ep); err != nil {
			return Allowlist{}, fmt.Errorf("allowlist: entrypoint %s: %w", name, err)
		}
	}
	return a, nil
}

func validateEntrypoint(ep Entrypoint) error {
	seen := make(map[string]bool, len(ep.Routes))
	for _, rt := range ep.Routes {
		if rt.Path == "" || rt.Path[0] != '/' {
			return fmt.Errorf("invalid path %q", rt.Path)
		}
		if seen[rt.Path] {
			return fmt.Errorf("duplicate path %s", rt.Path)
		}
		seen[rt.Path] = true

		if !knownRouteClasses[rt.RouteClass] {
			return fmt.Errorf("route %s: unknown route_class %q", rt.Path, rt.RouteClass)
		}
		if len(rt.Methods) == 0 {
			return fmt.Errorf("route %s: no methods", rt.Path)
		}
		for _, m := range rt.Methods {
			if !knownMethods[m] {
				return fmt.Errorf("route %s: unknown method %q", rt.Path, m)
			}
		}
	}
	return nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}

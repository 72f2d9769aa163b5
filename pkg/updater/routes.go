// SPDX-License-Identifier: Apache-2.0
package updater

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Traefik dynamic-config shape, reduced to what the sidecar manages.
type routeConfig struct {
	HTTP routeHTTP `yaml:"http"`
}

type routeHTTP struct {
	Routers  map[string]routeRouter  `yaml:"routers"`
	Services map[string]routeService `yaml:"services"`
}

type routeRouter struct {
	Rule    string `yaml:"rule"`
	Service string `yaml:"service"`
}

type routeService struct {
	LoadBalancer routeLoadBalancer `yaml:"loadBalancer"`
}

type routeLoadBalancer struct {
	Servers []routeServer `yaml:"servers"`
}

type routeServer struct {
	URL string `yaml:"url"`
}

// RouteWriter renders the proxy's dynamic route file. Single writer; the
// proxy reads the file on change.
type RouteWriter struct {
	path     string
	backends map[string]string
}

// DefaultBackends maps the four managed services to their in-network URLs.
func DefaultBackends() map[string]string {
	return map[string]string{
		"skills-blue":  "http://skills-blue:8000",
		"skills-green": "http://skills-green:8000",
		"api-blue":     "http://api-blue:8100",
		"api-green":    "http://api-green:8100",
	}
}

// NewRouteWriter creates a writer targeting path. backends overrides
// DefaultBackends per service name; nil keeps the defaults.
func NewRouteWriter(path string, backends map[string]string) *RouteWriter {
	merged := DefaultBackends()
	for name, url := range backends {
		merged[name] = url
	}
	return &RouteWriter{path: path, backends: merged}
}

// Write renders the route file with the skills and api routers pointed at
// the given color. The write is atomic: a reader sees either the previous
// or the next full config.
func (w *RouteWriter) Write(activeColor string) error {
	if !ValidColor(activeColor) {
		return fmt.Errorf("invalid color %q", activeColor)
	}
	cfg := routeConfig{
		HTTP: routeHTTP{
			Routers: map[string]routeRouter{
				"skills": {
					Rule:    "PathPrefix(`/skills`)",
					Service: "skills-" + activeColor,
				},
				"api": {
					Rule:    "PathPrefix(`/api`)",
					Service: "api-" + activeColor,
				},
			},
			Services: map[string]routeService{},
		},
	}
	for _, name := range []string{"skills-blue", "skills-green", "api-blue", "api-green"} {
		cfg.HTTP.Services[name] = routeService{
			LoadBalancer: routeLoadBalancer{
				Servers: []routeServer{{URL: w.backends[name]}},
			},
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return atomicWrite(w.path, data)
}

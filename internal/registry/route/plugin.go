package route

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes on the management server (health, metrics).
	// When no dedicated management port is configured, these are mounted on the main server.
	RouteTypeManagement
)

// Plugin is a self-registering set of routes that needs no service dependencies.
// Routes that do take dependencies are mounted explicitly by the serve command.
type Plugin struct {
	Name   string
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

func ofType(t RouteType) []Plugin {
	mu.Lock()
	defer mu.Unlock()
	var out []Plugin
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Mount runs every loader of the given type against r in order.
func Mount(r *gin.Engine, t RouteType) error {
	for _, p := range ofType(t) {
		if err := p.Loader(r); err != nil {
			return fmt.Errorf("route plugin %s: %w", p.Name, err)
		}
	}
	return nil
}

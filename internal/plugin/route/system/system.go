// Package system serves liveness, readiness and Prometheus metrics.
package system

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/chirino/chat-service/internal/registry/route"
)

const checkTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

var (
	ready    atomic.Bool
	checksMu sync.RWMutex
	checks   = map[string]ReadinessCheck{}
)

// MarkReady signals that the service has finished initializing. Call this once
// StartServer has completed successfully.
func MarkReady() {
	ready.Store(true)
}

// AddReadinessCheck registers a dependency probe consulted by /ready. A check with
// the same name replaces the previous one.
func AddReadinessCheck(name string, check ReadinessCheck) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

// failedChecks runs every registered check and returns the names of those that failed.
func failedChecks(ctx context.Context) []string {
	checksMu.RLock()
	defer checksMu.RUnlock()
	var failed []string
	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			log.Warn("Readiness check failed", "check", name, "err", err)
			failed = append(failed, name)
		}
	}
	return failed
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "system",
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			r.GET("/ready", func(c *gin.Context) {
				if !ready.Load() {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
					return
				}
				if failed := failedChecks(c.Request.Context()); len(failed) > 0 {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
					return
				}
				c.JSON(http.StatusOK, gin.H{"status": "ready"})
			})

			r.GET("/metrics", gin.WrapH(promhttp.Handler()))
			return nil
		},
	})
}

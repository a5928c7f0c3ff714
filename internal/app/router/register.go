// Package router assembles the HTTP modules. Each module exposes a
// Register method; main wires the ones it wants and mounts them all.
package router

import "github.com/gin-gonic/gin"

// Registrar is one mountable module.
type Registrar interface{ Register(r *gin.Engine) }

var registrars []Registrar

// Register queues modules for mounting.
func Register(rs ...Registrar) { registrars = append(registrars, rs...) }

// MountAll attaches every queued module to the engine.
func MountAll(r *gin.Engine) {
	for _, rg := range registrars {
		rg.Register(r)
	}
}

// New builds the engine with recovery installed; callers attach their
// own logging middleware.
func New() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

package job

import (
	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
)

type Router struct{ h *Handler }

func NewRouter(env *api.Env) Router { return Router{h: NewHandler(env)} }

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/jobs")
		g.POST("/submit", rt.h.HandlerSubmit)
		g.DELETE("/submit", rt.h.HandlerRemoveSubmit)
		g.POST("/begin", rt.h.HandlerBegin)
		g.POST("/fini", rt.h.HandlerFini)
		g.POST("/suspend", rt.h.HandlerSuspend)
		g.POST("/runnable", rt.h.HandlerRunnable)
		g.POST("/usage", rt.h.HandlerUsage)
	}
}

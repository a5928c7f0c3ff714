package usage

import (
	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
)

type Router struct{ h *Handler }

func NewRouter(env *api.Env) Router { return Router{h: NewHandler(env)} }

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/usage")
		g.GET("/associations", rt.h.HandlerAssocUsage)
		g.GET("/cluster", rt.h.HandlerClusterUsage)
		g.POST("/rollup", rt.h.HandlerReRoll)
		g.POST("/archive", rt.h.HandlerArchive)
	}
	v1.GET("/events", rt.h.HandlerListEvents)
}

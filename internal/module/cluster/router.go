package cluster

import (
	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
)

type Router struct{ h *Handler }

func NewRouter(env *api.Env) Router { return Router{h: NewHandler(env)} }

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/clusters")
		g.GET("", rt.h.HandlerListClusters)
		g.POST("", rt.h.HandlerAddClusters)
		g.DELETE("", rt.h.HandlerRemoveClusters)
		g.POST("/:name/federation", rt.h.HandlerJoinFederation)
		g.DELETE("/:name/federation", rt.h.HandlerLeaveFederation)
		g.POST("/:name/register", rt.h.HandlerRegisterCtld)
		g.DELETE("/:name/register", rt.h.HandlerFiniCtld)
		g.POST("/:name/nodes/:node/down", rt.h.HandlerNodeDown)
		g.POST("/:name/nodes/:node/up", rt.h.HandlerNodeUp)
	}
}

package assoc

import (
	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
)

type Router struct{ h *Handler }

func NewRouter(env *api.Env) Router { return Router{h: NewHandler(env)} }

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/associations")
		g.GET("", rt.h.HandlerListAssocs)
		g.POST("", rt.h.HandlerAddAssocs)
		g.PATCH("", rt.h.HandlerModifyAssocs)
		g.DELETE("", rt.h.HandlerRemoveAssocs)
	}
}

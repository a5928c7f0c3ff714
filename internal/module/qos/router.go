package qos

import (
	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
)

type Router struct{ h *Handler }

func NewRouter(env *api.Env) Router { return Router{h: NewHandler(env)} }

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/qos")
		g.GET("", rt.h.HandlerListQos)
		g.POST("", rt.h.HandlerAddQos)
		g.PATCH("", rt.h.HandlerModifyQos)
		g.DELETE("", rt.h.HandlerRemoveQos)
	}
}

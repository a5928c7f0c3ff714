package acct

import (
	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
)

type Router struct{ h *Handler }

func NewRouter(env *api.Env) Router { return Router{h: NewHandler(env)} }

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/accounts")
		g.GET("", rt.h.HandlerListAccts)
		g.POST("", rt.h.HandlerAddAccts)
		g.PATCH("", rt.h.HandlerModifyAccts)
		g.DELETE("", rt.h.HandlerRemoveAccts)
		g.POST("/:acct/coordinators", rt.h.HandlerAddCoords)
		g.DELETE("/:acct/coordinators", rt.h.HandlerRemoveCoords)
	}
}

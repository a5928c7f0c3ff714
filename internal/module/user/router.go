package user

import (
	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
)

type Router struct{ h *Handler }

func NewRouter(env *api.Env) Router { return Router{h: NewHandler(env)} }

func (rt Router) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		g := v1.Group("/users")
		g.GET("", rt.h.HandlerListUsers)      // GET /api/v1/users
		g.POST("", rt.h.HandlerAddUsers)      // POST /api/v1/users
		g.PATCH("", rt.h.HandlerModifyUsers)  // PATCH /api/v1/users
		g.DELETE("", rt.h.HandlerRemoveUsers) // DELETE /api/v1/users
	}
}

package tres

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
)

type Handler struct{ env *api.Env }

func NewHandler(env *api.Env) *Handler { return &Handler{env: env} }

// HandlerListTres lists the TRES registry, retired kinds included when
// with_deleted is set.
func (h *Handler) HandlerListTres(c *gin.Context) {
	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	cond := &storage.TresCond{WithDeleted: c.Query("with_deleted") == "true"}
	rows, err := conn.GetTres(c.Request.Context(), cond)
	if err != nil {
		api.Fail(c, err)
		return
	}
	total := len(rows)
	c.JSON(http.StatusOK, response.Response{Count: &total, Results: rows})
}

type addTresReq struct {
	Treses []struct {
		Type string `json:"type" binding:"required"`
		Name string `json:"name"`
	} `json:"treses" binding:"required,min=1"`
}

// HandlerAddTres registers trackable resource kinds. Ids are assigned
// monotonically and never reused. Administrator only.
func (h *Handler) HandlerAddTres(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageTres(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req addTresReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	rows := make(model.Treses, 0, len(req.Treses))
	for _, t := range req.Treses {
		rows = append(rows, model.Tres{Type: t.Type, Name: t.Name})
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.AddTres(c.Request.Context(), actor.Name, rows)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Response{Results: rows})
}

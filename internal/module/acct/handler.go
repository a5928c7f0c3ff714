package acct

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
	"sacctd/internal/pkg/common/paging"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
)

type Handler struct{ env *api.Env }

func NewHandler(env *api.Env) *Handler { return &Handler{env: env} }

// HandlerListAccts lists live accounts (paged). With
// privateData=accounts set, non-operators see only accounts they
// coordinate.
func (h *Handler) HandlerListAccts(c *gin.Context) {
	actor := h.env.Actor(c)

	var pq paging.Query
	_ = c.ShouldBindQuery(&pq)
	pq.SetDefaults(1, 20, 100)
	if err := pq.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}

	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	accts, err := conn.GetAccts(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	visible := accts[:0:0]
	for _, a := range accts {
		if h.env.Auth.ReadAccount(actor, a.Name) == nil {
			visible = append(visible, a)
		}
	}

	total := len(visible)
	window := response.Page(visible, pq.Offset(), pq.Limit())
	prev, next := response.BuildPageLinks(c.Request.URL, pq.Page, pq.PageSize, total)
	c.JSON(http.StatusOK, response.Response{
		Count:    &total,
		Previous: prev,
		Next:     next,
		Results:  window,
	})
}

type addAcctsReq struct {
	Accts []struct {
		Name         string `json:"name" binding:"required"`
		Description  string `json:"description"`
		Organization string `json:"organization"`
	} `json:"accounts" binding:"required,min=1"`
}

// HandlerAddAccts creates account rows. The association that places an
// account in a cluster's tree is added separately.
func (h *Handler) HandlerAddAccts(c *gin.Context) {
	actor := h.env.Actor(c)

	var req addAcctsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	accts := make(model.Accounts, 0, len(req.Accts))
	for _, a := range req.Accts {
		if err := h.env.Auth.ManageAccount(actor, a.Name); err != nil {
			api.Fail(c, err)
			return
		}
		accts = append(accts, model.Account{
			Name:         a.Name,
			Description:  a.Description,
			Organization: a.Organization,
		})
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.AddAccts(c.Request.Context(), actor.Name, accts)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Response{Results: accts})
}

type modifyAcctsReq struct {
	Names        []string `json:"names" binding:"required,min=1"`
	Description  *string  `json:"description"`
	Organization *string  `json:"organization"`
}

func (h *Handler) HandlerModifyAccts(c *gin.Context) {
	actor := h.env.Actor(c)

	var req modifyAcctsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	for _, name := range req.Names {
		if err := h.env.Auth.ManageAccount(actor, name); err != nil {
			api.Fail(c, err)
			return
		}
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	changed, list, err := conn.ModifyAccts(c.Request.Context(), actor.Name, req.Names,
		&storage.AcctChange{Description: req.Description, Organization: req.Organization})
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: changed})
}

type removeAcctsReq struct {
	Names []string `json:"names" binding:"required,min=1"`
}

// HandlerRemoveAccts soft-deletes accounts and their association
// subtrees on every cluster. Blocked while jobs reference them.
func (h *Handler) HandlerRemoveAccts(c *gin.Context) {
	actor := h.env.Actor(c)

	var req removeAcctsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	for _, name := range req.Names {
		if err := h.env.Auth.ManageAccount(actor, name); err != nil {
			api.Fail(c, err)
			return
		}
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	removed, list, err := conn.RemoveAccts(c.Request.Context(), actor.Name, req.Names)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: removed})
}

type coordsReq struct {
	Users []string `json:"users" binding:"required,min=1"`
}

// HandlerAddCoords grants coordinator authority over :acct. Existing
// coordinators of the account may extend the set.
func (h *Handler) HandlerAddCoords(c *gin.Context) {
	actor := h.env.Actor(c)
	acct := c.Param("acct")
	if err := h.env.Auth.ManageCoords(actor, acct); err != nil {
		api.Fail(c, err)
		return
	}

	var req coordsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.AddCoords(c.Request.Context(), actor.Name, acct, req.Users)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Response{Results: req.Users})
}

// HandlerRemoveCoords revokes explicit coordinator grants on :acct.
func (h *Handler) HandlerRemoveCoords(c *gin.Context) {
	actor := h.env.Actor(c)
	acct := c.Param("acct")
	if err := h.env.Auth.ManageCoords(actor, acct); err != nil {
		api.Fail(c, err)
		return
	}

	var req coordsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.RemoveCoords(c.Request.Context(), actor.Name, acct, req.Users)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: req.Users})
}

package wckey

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

type listQuery struct {
	Cluster string `form:"cluster"`
	User    string `form:"user"`
}

// HandlerListWCKeys lists workload characterization keys. Visibility
// follows the privateData=usage rules: self always, others need
// operator.
func (h *Handler) HandlerListWCKeys(c *gin.Context) {
	actor := h.env.Actor(c)

	var q listQuery
	_ = c.ShouldBindQuery(&q)
	if q.Cluster == "" {
		q.Cluster = h.env.Cluster
	}

	cond := &storage.WCKeyCond{}
	if q.User != "" {
		cond.Users = []string{q.User}
	}

	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	rows, err := conn.GetWCKeys(c.Request.Context(), q.Cluster, cond)
	if err != nil {
		api.Fail(c, err)
		return
	}
	visible := rows[:0:0]
	for _, k := range rows {
		if h.env.Auth.ReadUsage(actor, k.User) == nil {
			visible = append(visible, k)
		}
	}
	total := len(visible)
	c.JSON(http.StatusOK, response.Response{Count: &total, Results: visible})
}

type addWCKeysReq struct {
	Cluster string `json:"cluster"`
	Keys    []struct {
		Name string `json:"wckey_name" binding:"required"`
		User string `json:"user" binding:"required"`
	} `json:"keys" binding:"required,min=1"`
}

// HandlerAddWCKeys creates wckey rows. A user's first key on a cluster
// becomes their default. Users may add their own keys.
func (h *Handler) HandlerAddWCKeys(c *gin.Context) {
	actor := h.env.Actor(c)

	var req addWCKeysReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if req.Cluster == "" {
		req.Cluster = h.env.Cluster
	}
	keys := make(model.WCKeys, 0, len(req.Keys))
	for _, k := range req.Keys {
		if err := h.env.Auth.SetUserDefault(actor, k.User); err != nil {
			api.Fail(c, err)
			return
		}
		keys = append(keys, model.WCKey{Name: k.Name, User: k.User})
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.AddWCKeys(c.Request.Context(), actor.Name, req.Cluster, keys)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Response{Results: keys})
}

type removeWCKeysReq struct {
	Cluster string   `json:"cluster"`
	Names   []string `json:"names" binding:"required,min=1"`
	Users   []string `json:"users"`
}

// HandlerRemoveWCKeys soft-deletes wckey rows. Removing a user's
// default while other keys survive is refused.
func (h *Handler) HandlerRemoveWCKeys(c *gin.Context) {
	actor := h.env.Actor(c)

	var req removeWCKeysReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if req.Cluster == "" {
		req.Cluster = h.env.Cluster
	}
	if len(req.Users) == 0 {
		if err := h.env.Auth.ManageUsers(actor); err != nil {
			api.Fail(c, err)
			return
		}
	} else {
		for _, u := range req.Users {
			if err := h.env.Auth.SetUserDefault(actor, u); err != nil {
				api.Fail(c, err)
				return
			}
		}
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	removed, list, err := conn.RemoveWCKeys(c.Request.Context(), actor.Name, req.Cluster,
		&storage.WCKeyCond{Names: req.Names, Users: req.Users})
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

package user

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
	"sacctd/internal/pkg/client/ldap"
	"sacctd/internal/pkg/common/paging"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
)

type Handler struct{ env *api.Env }

func NewHandler(env *api.Env) *Handler { return &Handler{env: env} }

// userOut is a user row decorated with directory attributes for the
// list endpoint.
type userOut struct {
	model.User
	LDAPAttrs ldap.Attribute `json:"ldap_attrs,omitempty"`
}

// HandlerListUsers lists accounting users (paged) with their directory
// attributes merged in. With privateData=users set, non-operators see
// only themselves.
func (h *Handler) HandlerListUsers(c *gin.Context) {
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

	users, err := conn.GetUsers(c.Request.Context(), &storage.UserCond{})
	if err != nil {
		api.Fail(c, err)
		return
	}

	visible := users[:0:0]
	for _, u := range users {
		if h.env.Auth.ReadUser(actor, u.Name) == nil {
			visible = append(visible, u)
		}
	}

	total := len(visible)
	window := response.Page(visible, pq.Offset(), pq.Limit())

	out := make([]userOut, 0, len(window))
	names := make([]string, 0, len(window))
	for _, u := range window {
		out = append(out, userOut{User: u})
		names = append(names, u.Name)
	}
	if h.env.LDAP != nil && len(names) > 0 {
		attrs, lerr := h.env.LDAP.UserAttributes(c.Request.Context(), names)
		if lerr != nil {
			api.Fail(c, lerr)
			return
		}
		for i := range out {
			out[i].LDAPAttrs = attrs[out[i].Name]
		}
	}

	prev, next := response.BuildPageLinks(c.Request.URL, pq.Page, pq.PageSize, total)
	c.JSON(http.StatusOK, response.Response{
		Count:    &total,
		Previous: prev,
		Next:     next,
		Results:  out,
	})
}

type addUsersReq struct {
	Users []struct {
		Name       string `json:"name" binding:"required"`
		AdminLevel string `json:"admin_level"`
	} `json:"users" binding:"required,min=1"`
}

// HandlerAddUsers creates user rows. Operator only.
func (h *Handler) HandlerAddUsers(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageUsers(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req addUsersReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	users := make(model.Users, 0, len(req.Users))
	for _, u := range req.Users {
		lvl, ok := parseAdminLevel(u.AdminLevel)
		if !ok {
			c.JSON(http.StatusBadRequest, response.Response{Detail: "unknown admin_level " + u.AdminLevel})
			return
		}
		users = append(users, model.User{Name: u.Name, AdminLevel: lvl})
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.AddUsers(c.Request.Context(), actor.Name, users)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Response{Results: users})
}

type modifyUsersReq struct {
	Names        []string `json:"names" binding:"required,min=1"`
	AdminLevel   *string  `json:"admin_level"`
	DefaultAcct  *string  `json:"default_acct"`
	DefaultWCKey *string  `json:"default_wckey"`
}

// HandlerModifyUsers changes admin level or defaults. Admin level
// changes need Operator; a user may always set their own defaults.
func (h *Handler) HandlerModifyUsers(c *gin.Context) {
	actor := h.env.Actor(c)

	var req modifyUsersReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}

	change := &storage.UserChange{
		DefaultAcct:  req.DefaultAcct,
		DefaultWCKey: req.DefaultWCKey,
	}
	if req.AdminLevel != nil {
		lvl, ok := parseAdminLevel(*req.AdminLevel)
		if !ok {
			c.JSON(http.StatusBadRequest, response.Response{Detail: "unknown admin_level " + *req.AdminLevel})
			return
		}
		change.AdminLevel = &lvl
	}

	// Defaults-only changes fall under the self-service rule.
	if change.AdminLevel == nil {
		for _, name := range req.Names {
			if err := h.env.Auth.SetUserDefault(actor, name); err != nil {
				api.Fail(c, err)
				return
			}
		}
	} else if err := h.env.Auth.ManageUsers(actor); err != nil {
		api.Fail(c, err)
		return
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	changed, list, err := conn.ModifyUsers(c.Request.Context(), actor.Name,
		&storage.UserCond{Names: req.Names}, change)
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

type removeUsersReq struct {
	Names []string `json:"names" binding:"required,min=1"`
}

// HandlerRemoveUsers soft-deletes users without live associations.
func (h *Handler) HandlerRemoveUsers(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageUsers(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req removeUsersReq
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

	removed, list, err := conn.RemoveUsers(c.Request.Context(), actor.Name,
		&storage.UserCond{Names: req.Names})
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

func parseAdminLevel(s string) (model.AdminLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return model.AdminNone, true
	case "operator":
		return model.AdminOperator, true
	case "administrator", "admin":
		return model.AdminAdministrator, true
	}
	return model.AdminNone, false
}

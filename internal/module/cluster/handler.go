package cluster

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/model"
)

type Handler struct{ env *api.Env }

func NewHandler(env *api.Env) *Handler { return &Handler{env: env} }

// HandlerListClusters lists registered clusters.
func (h *Handler) HandlerListClusters(c *gin.Context) {
	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	rows, err := conn.GetClusters(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	total := len(rows)
	c.JSON(http.StatusOK, response.Response{Count: &total, Results: rows})
}

type addClustersReq struct {
	Clusters []struct {
		Name       string `json:"name" binding:"required"`
		Federation string `json:"federation"`
	} `json:"clusters" binding:"required,min=1"`
}

// HandlerAddClusters registers clusters, creating each one's root
// association. Administrator only.
func (h *Handler) HandlerAddClusters(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req addClustersReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	rows := make(model.Clusters, 0, len(req.Clusters))
	for _, cl := range req.Clusters {
		rows = append(rows, model.Cluster{Name: cl.Name, FedName: cl.Federation})
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.AddClusters(c.Request.Context(), actor.Name, rows)
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

type removeClustersReq struct {
	Names []string `json:"names" binding:"required,min=1"`
}

func (h *Handler) HandlerRemoveClusters(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req removeClustersReq
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

	removed, list, err := conn.RemoveClusters(c.Request.Context(), actor.Name, req.Names)
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

type federationReq struct {
	Federation string `json:"federation" binding:"required"`
}

// HandlerJoinFederation adds :name to a federation, assigning the
// smallest free member id.
func (h *Handler) HandlerJoinFederation(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req federationReq
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

	list, err := conn.AddClusterToFederation(c.Request.Context(), actor.Name, c.Param("name"), req.Federation)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

func (h *Handler) HandlerLeaveFederation(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req federationReq
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

	list, err := conn.RemoveClusterFromFederation(c.Request.Context(), actor.Name, c.Param("name"), req.Federation)
	if err != nil {
		api.Fail(c, err)
		return
	}
	if err := h.env.Finish(c.Request.Context(), conn, list); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

type registerReq struct {
	Host  string `json:"host" binding:"required"`
	Port  uint32 `json:"port" binding:"required"`
	Nodes string `json:"nodes"`
	Tres  string `json:"tres"`

	// FlushJobs is set by a controller that lost its state: jobs it can
	// no longer account for are closed out at registration time.
	FlushJobs bool `json:"flush_jobs"`
}

// HandlerRegisterCtld records a controller's address and processes its
// reported TRES capacity. The reply tells the controller whether its
// registration was the first, changed capacity, or changed node set.
func (h *Handler) HandlerRegisterCtld(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	name := c.Param("name")

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	if err := conn.RegisterCtld(c.Request.Context(), name, req.Host, req.Port); err != nil {
		api.Fail(c, err)
		return
	}
	if req.FlushJobs {
		if err := conn.FlushJobsOnCluster(c.Request.Context(), name, time.Now()); err != nil {
			api.Fail(c, err)
			return
		}
	}
	change := model.TresNoChange
	if req.Tres != "" {
		chg, l, cerr := conn.ClusterTres(c.Request.Context(), name, req.Nodes, req.Tres, time.Now())
		if cerr != nil {
			api.Fail(c, cerr)
			return
		}
		change = chg
		if err := h.env.Finish(c.Request.Context(), conn, l); err != nil {
			api.Fail(c, err)
			return
		}
	} else if err := conn.Commit(c.Request.Context(), true); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: gin.H{"tres_change": change.String()}})
}

// HandlerFiniCtld clears a controller registration on clean shutdown.
func (h *Handler) HandlerFiniCtld(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	if err := conn.FiniCtld(c.Request.Context(), c.Param("name")); err != nil {
		api.Fail(c, err)
		return
	}
	if err := conn.Commit(c.Request.Context(), true); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

type nodeDownReq struct {
	Reason    string `json:"reason"`
	ReasonUID uint32 `json:"reason_uid"`
	At        int64  `json:"at"`
}

// HandlerNodeDown opens a down event row for :node on :name.
func (h *Handler) HandlerNodeDown(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req nodeDownReq
	_ = c.ShouldBindJSON(&req)
	at := time.Now()
	if req.At > 0 {
		at = time.Unix(req.At, 0)
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	if err := conn.NodeDown(c.Request.Context(), c.Param("name"), c.Param("node"), at, req.Reason, req.ReasonUID); err != nil {
		api.Fail(c, err)
		return
	}
	if err := conn.Commit(c.Request.Context(), true); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

type nodeUpReq struct {
	At int64 `json:"at"`
}

// HandlerNodeUp closes the open down event row for :node on :name.
func (h *Handler) HandlerNodeUp(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req nodeUpReq
	_ = c.ShouldBindJSON(&req)
	at := time.Now()
	if req.At > 0 {
		at = time.Unix(req.At, 0)
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	if err := conn.NodeUp(c.Request.Context(), c.Param("name"), c.Param("node"), at); err != nil {
		api.Fail(c, err)
		return
	}
	if err := conn.Commit(c.Request.Context(), true); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

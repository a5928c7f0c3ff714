package usage

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/storage"
)

type Handler struct{ env *api.Env }

func NewHandler(env *api.Env) *Handler { return &Handler{env: env} }

type usageQuery struct {
	Cluster string `form:"cluster"`
	Period  string `form:"period"` // hour, day or month
	AssocID uint32 `form:"assoc_id"`
	Start   int64  `form:"start" binding:"required"`
	End     int64  `form:"end" binding:"required"`
}

func (q *usageQuery) window() (time.Time, time.Time) {
	return time.Unix(q.Start, 0), time.Unix(q.End, 0)
}

// HandlerAssocUsage returns rolled-up association usage rows for one
// window. period selects the hour, day or month table.
func (h *Handler) HandlerAssocUsage(c *gin.Context) {
	actor := h.env.Actor(c)

	var q usageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if q.Cluster == "" {
		q.Cluster = h.env.Cluster
	}
	if q.Period == "" {
		q.Period = "hour"
	}

	// Reading a specific association needs authority over its owner.
	owner := ""
	acct := ""
	if q.AssocID != 0 {
		req := cache.Locks{}
		req[cache.LockAssoc] = cache.ReadLock
		h.env.Cache.Acquire(req)
		if rec := h.env.Cache.AssocByID(q.Cluster, q.AssocID); rec != nil {
			owner, acct = rec.User, rec.Acct
		}
		h.env.Cache.Release(req)
	}
	if q.AssocID == 0 || acct == "" {
		if err := h.env.Auth.ReadUsage(actor, ""); err != nil {
			api.Fail(c, err)
			return
		}
	} else if err := h.env.Auth.ReadAssoc(actor, acct, owner); err != nil {
		api.Fail(c, err)
		return
	}

	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	start, end := q.window()
	rows, err := conn.GetUsage(c.Request.Context(), q.Cluster, q.Period, q.AssocID, start, end)
	if err != nil {
		api.Fail(c, err)
		return
	}
	total := len(rows)
	c.JSON(http.StatusOK, response.Response{Count: &total, Results: rows})
}

// HandlerClusterUsage returns whole-cluster capacity accounting rows
// (allocated, down, idle, over-committed seconds per TRES).
func (h *Handler) HandlerClusterUsage(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ReadUsage(actor, ""); err != nil {
		api.Fail(c, err)
		return
	}

	var q usageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if q.Cluster == "" {
		q.Cluster = h.env.Cluster
	}
	if q.Period == "" {
		q.Period = "hour"
	}

	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	start, end := q.window()
	rows, err := conn.GetClusterUsage(c.Request.Context(), q.Cluster, q.Period, start, end)
	if err != nil {
		api.Fail(c, err)
		return
	}
	total := len(rows)
	c.JSON(http.StatusOK, response.Response{Count: &total, Results: rows})
}

type eventsQuery struct {
	Cluster string `form:"cluster"`
	Start   int64  `form:"start" binding:"required"`
	End     int64  `form:"end" binding:"required"`
}

// HandlerListEvents returns node and cluster event rows in a window.
func (h *Handler) HandlerListEvents(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ReadEvents(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var q eventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if q.Cluster == "" {
		q.Cluster = h.env.Cluster
	}

	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	rows, err := conn.GetEventsInRange(c.Request.Context(), q.Cluster,
		time.Unix(q.Start, 0), time.Unix(q.End, 0))
	if err != nil {
		api.Fail(c, err)
		return
	}
	total := len(rows)
	c.JSON(http.StatusOK, response.Response{Count: &total, Results: rows})
}

type rerollReq struct {
	Cluster string `json:"cluster"`
	Start   int64  `json:"start" binding:"required"`
	End     int64  `json:"end"`
}

// HandlerReRoll recomputes usage for a past window without moving the
// rollup watermarks. Operator only.
func (h *Handler) HandlerReRoll(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageUsage(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req rerollReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if req.Cluster == "" {
		req.Cluster = h.env.Cluster
	}
	end := time.Now()
	if req.End > 0 {
		end = time.Unix(req.End, 0)
	}

	stats, err := h.env.Rollup.ReRoll(c.Request.Context(), req.Cluster, time.Unix(req.Start, 0), end)
	if err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: stats})
}

type archiveReq struct {
	Cluster           string `json:"cluster"`
	PurgeJobsBefore   int64  `json:"purge_jobs_before"`
	PurgeEventsBefore int64  `json:"purge_events_before"`
	Directory         string `json:"directory" binding:"required"`
}

// HandlerArchive writes completed jobs and closed events older than the
// horizons to archive files and purges them. Administrator only.
func (h *Handler) HandlerArchive(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageClusters(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req archiveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if req.Cluster == "" {
		req.Cluster = h.env.Cluster
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	cond := &storage.ArchiveCond{
		Cluster:           req.Cluster,
		PurgeJobsBefore:   req.PurgeJobsBefore,
		PurgeEventsBefore: req.PurgeEventsBefore,
		Directory:         req.Directory,
	}
	if err := conn.Archive(c.Request.Context(), cond); err != nil {
		api.Fail(c, err)
		return
	}
	if err := conn.Commit(c.Request.Context(), true); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

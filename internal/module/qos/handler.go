package qos

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/common/paging"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/storage"
)

type Handler struct{ env *api.Env }

func NewHandler(env *api.Env) *Handler { return &Handler{env: env} }

// HandlerListQos lists live QOS definitions (paged). QOS rows are
// never private.
func (h *Handler) HandlerListQos(c *gin.Context) {
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

	rows, err := conn.GetQos(c.Request.Context(), &storage.QosCond{})
	if err != nil {
		api.Fail(c, err)
		return
	}

	total := len(rows)
	window := response.Page(rows, pq.Offset(), pq.Limit())
	prev, next := response.BuildPageLinks(c.Request.URL, pq.Page, pq.PageSize, total)
	c.JSON(http.StatusOK, response.Response{
		Count:    &total,
		Previous: prev,
		Next:     next,
		Results:  window,
	})
}

// HandlerAddQos creates QOS rows. Administrator only. Bodies carry
// model.Qos rows; preempt lists arrive as comma separated names and are
// resolved here against the cache.
func (h *Handler) HandlerAddQos(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageQos(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req []struct {
		model.Qos
		PreemptNames string `json:"preempt_names"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if len(req) == 0 {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "no qos in request"})
		return
	}

	rows := make(model.Qoses, 0, len(req))
	for _, r := range req {
		if r.PreemptNames != "" {
			ids, err := h.resolvePreempt(r.PreemptNames)
			if err != nil {
				c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
				return
			}
			r.Qos.Preempt = model.FormatPreemptIDs(ids)
		}
		rows = append(rows, r.Qos)
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	list, err := conn.AddQos(c.Request.Context(), actor.Name, rows)
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

type modifyQosReq struct {
	Names []string `json:"names" binding:"required,min=1"`

	Change struct {
		Description       *string  `json:"description"`
		Flags             *uint32  `json:"flags"`
		GraceTime         *uint32  `json:"grace_time"`
		Priority          *uint32  `json:"priority"`
		UsageFactor       *float64 `json:"usage_factor"`
		UsageThres        *float64 `json:"usage_thres"`
		PreemptMode       *int32   `json:"preempt_mode"`
		PreemptExemptTime *uint32  `json:"preempt_exempt_time"`

		GrpJobs         *int32 `json:"grp_jobs"`
		GrpSubmitJobs   *int32 `json:"grp_submit_jobs"`
		GrpWall         *int32 `json:"grp_wall"`
		MaxJobsPU       *int32 `json:"max_jobs_per_user"`
		MaxSubmitJobsPU *int32 `json:"max_submit_jobs_per_user"`
		MaxJobsPA       *int32 `json:"max_jobs_pa"`
		MaxSubmitJobsPA *int32 `json:"max_submit_jobs_pa"`
		MaxWallPJ       *int32 `json:"max_wall_duration_per_job"`

		GrpTres   string `json:"grp_tres"`
		MaxTresPJ string `json:"max_tres_pj"`
		MaxTresPN string `json:"max_tres_pn"`
		MaxTresPU string `json:"max_tres_pu"`
		MaxTresPA string `json:"max_tres_pa"`
		MinTresPJ string `json:"min_tres_pj"`

		// Preempt ops by QOS name: set replaces the edge set, add and
		// remove adjust it. Loop checks run in storage before commit.
		PreemptSet    []string `json:"preempt_set"`
		PreemptAdd    []string `json:"preempt_add"`
		PreemptRemove []string `json:"preempt_remove"`
	} `json:"change"`
}

// HandlerModifyQos applies a typed change to the named QOS rows.
func (h *Handler) HandlerModifyQos(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageQos(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req modifyQosReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}

	change := &storage.QosChange{
		Description:       req.Change.Description,
		Flags:             req.Change.Flags,
		GraceTime:         req.Change.GraceTime,
		Priority:          req.Change.Priority,
		UsageFactor:       req.Change.UsageFactor,
		UsageThres:        req.Change.UsageThres,
		PreemptMode:       req.Change.PreemptMode,
		PreemptExemptTime: req.Change.PreemptExemptTime,
		GrpJobs:           req.Change.GrpJobs,
		GrpSubmitJobs:     req.Change.GrpSubmitJobs,
		GrpWall:           req.Change.GrpWall,
		MaxJobsPU:         req.Change.MaxJobsPU,
		MaxSubmitJobsPU:   req.Change.MaxSubmitJobsPU,
		MaxJobsPA:         req.Change.MaxJobsPA,
		MaxSubmitJobsPA:   req.Change.MaxSubmitJobsPA,
		MaxWallPJ:         req.Change.MaxWallPJ,
	}
	var err error
	for _, p := range []struct {
		dst **model.TresUpdate
		src string
	}{
		{&change.GrpTres, req.Change.GrpTres},
		{&change.MaxTresPJ, req.Change.MaxTresPJ},
		{&change.MaxTresPN, req.Change.MaxTresPN},
		{&change.MaxTresPU, req.Change.MaxTresPU},
		{&change.MaxTresPA, req.Change.MaxTresPA},
		{&change.MinTresPJ, req.Change.MinTresPJ},
	} {
		if *p.dst, err = h.env.ParseTresUpdate(p.src); err != nil {
			c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
			return
		}
	}
	if change.Preempt, err = h.preemptChange(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	changed, list, err := conn.ModifyQos(c.Request.Context(), actor.Name,
		&storage.QosCond{Names: req.Names}, change)
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

type removeQosReq struct {
	Names []string `json:"names" binding:"required,min=1"`
}

// HandlerRemoveQos soft-deletes QOS rows. Refused while any cluster
// uses one as its default.
func (h *Handler) HandlerRemoveQos(c *gin.Context) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageQos(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req removeQosReq
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

	removed, list, err := conn.RemoveQos(c.Request.Context(), actor.Name,
		&storage.QosCond{Names: req.Names})
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

func (h *Handler) preemptChange(req *modifyQosReq) (*storage.PreemptChange, error) {
	switch {
	case len(req.Change.PreemptSet) > 0:
		ids, err := h.resolvePreempt(strings.Join(req.Change.PreemptSet, ","))
		if err != nil {
			return nil, err
		}
		return &storage.PreemptChange{Op: model.TresSet, IDs: ids}, nil
	case len(req.Change.PreemptAdd) > 0 || len(req.Change.PreemptRemove) > 0:
		if len(req.Change.PreemptAdd) > 0 && len(req.Change.PreemptRemove) > 0 {
			return nil, errMixedPreempt
		}
		op := model.TresAdd
		names := req.Change.PreemptAdd
		if len(req.Change.PreemptRemove) > 0 {
			op = model.TresRemove
			names = req.Change.PreemptRemove
		}
		ids, err := h.resolvePreempt(strings.Join(names, ","))
		if err != nil {
			return nil, err
		}
		return &storage.PreemptChange{Op: op, IDs: ids}, nil
	}
	return nil, nil
}

// resolvePreempt maps comma separated QOS names to ids via the cache.
func (h *Handler) resolvePreempt(names string) ([]int32, error) {
	req := cache.Locks{}
	req[cache.LockQos] = cache.ReadLock
	h.env.Cache.Acquire(req)
	defer h.env.Cache.Release(req)

	var ids []int32
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		rec := h.env.Cache.QosByName(name)
		if rec == nil {
			return nil, &unknownQosError{name: name}
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

type unknownQosError struct{ name string }

func (e *unknownQosError) Error() string { return "unknown qos " + e.name }

var errMixedPreempt = &mixedPreemptError{}

type mixedPreemptError struct{}

func (*mixedPreemptError) Error() string {
	return "preempt_add and preempt_remove cannot combine in one request"
}

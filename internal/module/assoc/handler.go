package assoc

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

// parentOf names the account whose coordinator may manage the row: the
// parent account for account rows, the owning account for user rows.
func parentOf(a *model.Association) string {
	if a.User != "" {
		return a.Acct
	}
	if a.ParentAcct != "" {
		return a.ParentAcct
	}
	return a.Acct
}

type listQuery struct {
	paging.Query
	Cluster   string `form:"cluster"`
	Acct      string `form:"acct"`
	User      string `form:"user"`
	Partition string `form:"partition"`
}

// HandlerListAssocs lists association rows in tree order (paged).
// Filters: cluster, acct, user, partition. Visibility follows the
// privateData=usage rules per row.
func (h *Handler) HandlerListAssocs(c *gin.Context) {
	actor := h.env.Actor(c)

	var q listQuery
	_ = c.ShouldBindQuery(&q)
	q.SetDefaults(1, 20, 100)
	if err := q.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "invalid paging parameters"})
		return
	}
	cluster := q.Cluster
	if cluster == "" {
		cluster = h.env.Cluster
	}

	cond := &storage.AssocCond{Cluster: cluster}
	if q.Acct != "" {
		cond.Accts = []string{q.Acct}
	}
	if q.User != "" {
		cond.Users = []string{q.User}
	}
	if q.Partition != "" {
		cond.Partitions = []string{q.Partition}
	}

	conn, err := h.env.Conn(c.Request.Context(), false)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	rows, err := conn.GetAssocs(c.Request.Context(), cond)
	if err != nil {
		api.Fail(c, err)
		return
	}
	visible := rows[:0:0]
	for i := range rows {
		if h.env.Auth.ReadAssoc(actor, rows[i].Acct, rows[i].User) == nil {
			visible = append(visible, rows[i])
		}
	}

	total := len(visible)
	window := response.Page(visible, q.Offset(), q.Limit())
	prev, next := response.BuildPageLinks(c.Request.URL, q.Page, q.PageSize, total)
	c.JSON(http.StatusOK, response.Response{
		Count:    &total,
		Previous: prev,
		Next:     next,
		Results:  window,
	})
}

// HandlerAddAssocs inserts association rows. The body is a list of
// rows; TRES-valued limits arrive in canonical "type=count" form.
func (h *Handler) HandlerAddAssocs(c *gin.Context) {
	actor := h.env.Actor(c)

	var rows model.Associations
	if err := c.ShouldBindJSON(&rows); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusBadRequest, response.Response{Detail: "no associations in request"})
		return
	}
	for i := range rows {
		if rows[i].Cluster == "" {
			rows[i].Cluster = h.env.Cluster
		}
		p := parentOf(&rows[i])
		if err := h.env.Auth.ManageAssoc(actor, p, p); err != nil {
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

	list, err := conn.AddAssocs(c.Request.Context(), actor.Name, rows)
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

type modifyAssocsReq struct {
	Cluster       string   `json:"cluster"`
	Accts         []string `json:"accts"`
	Users         []string `json:"users"`
	Partitions    []string `json:"partitions"`
	IDs           []uint32 `json:"ids"`
	OneChangeOnly bool     `json:"one_change_only"`

	Change struct {
		ParentAcct    *string `json:"parent_acct"`
		Shares        *int32  `json:"shares"`
		MaxJobs       *int32  `json:"max_jobs"`
		MaxJobsAccrue *int32  `json:"max_jobs_accrue"`
		MaxSubmitJobs *int32  `json:"max_submit_jobs"`
		MaxWallPJ     *int32  `json:"max_wall_pj"`
		GrpJobs       *int32  `json:"grp_jobs"`
		GrpJobsAccrue *int32  `json:"grp_jobs_accrue"`
		GrpSubmitJobs *int32  `json:"grp_submit_jobs"`
		GrpWall       *int32  `json:"grp_wall"`
		Priority      *uint32 `json:"priority"`
		DefQosID      *int32  `json:"def_qos_id"`
		QOS           *string `json:"qos"`
		IsDef         *bool   `json:"is_def"`
		Flags         *uint32 `json:"flags"`
		Comment       *string `json:"comment"`

		GrpTres        string `json:"grp_tres"`
		GrpTresMins    string `json:"grp_tres_mins"`
		GrpTresRunMins string `json:"grp_tres_run_mins"`
		MaxTresPJ      string `json:"max_tres_pj"`
		MaxTresPN      string `json:"max_tres_pn"`
		MaxTresPU      string `json:"max_tres_pu"`
		MaxTresMinsPJ  string `json:"max_tres_mins_pj"`
		MaxTresRunMins string `json:"max_tres_run_mins"`
		MinTresPJ      string `json:"min_tres_pj"`
	} `json:"change"`
}

// HandlerModifyAssocs applies one typed change set to every row the
// filter matches. TRES strings parse here into typed updates; "+" and
// "-" entry prefixes select add/remove against the stored value.
func (h *Handler) HandlerModifyAssocs(c *gin.Context) {
	actor := h.env.Actor(c)

	var req modifyAssocsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	cluster := req.Cluster
	if cluster == "" {
		cluster = h.env.Cluster
	}
	cond := &storage.AssocCond{
		Cluster:       cluster,
		Accts:         req.Accts,
		Users:         req.Users,
		Partitions:    req.Partitions,
		IDs:           req.IDs,
		OneChangeOnly: req.OneChangeOnly,
	}

	change := &storage.AssocChange{
		ParentAcct:    req.Change.ParentAcct,
		Shares:        req.Change.Shares,
		MaxJobs:       req.Change.MaxJobs,
		MaxJobsAccrue: req.Change.MaxJobsAccrue,
		MaxSubmitJobs: req.Change.MaxSubmitJobs,
		MaxWallPJ:     req.Change.MaxWallPJ,
		GrpJobs:       req.Change.GrpJobs,
		GrpJobsAccrue: req.Change.GrpJobsAccrue,
		GrpSubmitJobs: req.Change.GrpSubmitJobs,
		GrpWall:       req.Change.GrpWall,
		Priority:      req.Change.Priority,
		DefQosID:      req.Change.DefQosID,
		QOS:           req.Change.QOS,
		IsDef:         req.Change.IsDef,
		Flags:         req.Change.Flags,
		Comment:       req.Change.Comment,
	}
	var err error
	for _, p := range []struct {
		dst **model.TresUpdate
		src string
	}{
		{&change.GrpTres, req.Change.GrpTres},
		{&change.GrpTresMins, req.Change.GrpTresMins},
		{&change.GrpTresRunMins, req.Change.GrpTresRunMins},
		{&change.MaxTresPJ, req.Change.MaxTresPJ},
		{&change.MaxTresPN, req.Change.MaxTresPN},
		{&change.MaxTresPU, req.Change.MaxTresPU},
		{&change.MaxTresMinsPJ, req.Change.MaxTresMinsPJ},
		{&change.MaxTresRunMins, req.Change.MaxTresRunMins},
		{&change.MinTresPJ, req.Change.MinTresPJ},
	} {
		if *p.dst, err = h.env.ParseTresUpdate(p.src); err != nil {
			c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
			return
		}
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	// Authorization needs the matched rows: a reparent requires
	// authority over both the old and the new parent account.
	matched, err := conn.GetAssocs(c.Request.Context(), cond)
	if err != nil {
		api.Fail(c, err)
		return
	}
	for i := range matched {
		oldParent := parentOf(&matched[i])
		newParent := oldParent
		if req.Change.ParentAcct != nil {
			newParent = *req.Change.ParentAcct
		}
		if err := h.env.Auth.ManageAssoc(actor, oldParent, newParent); err != nil {
			api.Fail(c, err)
			return
		}
	}

	changed, list, err := conn.ModifyAssocs(c.Request.Context(), actor.Name, cond, change)
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

type removeAssocsReq struct {
	Cluster    string   `json:"cluster"`
	Accts      []string `json:"accts"`
	Users      []string `json:"users"`
	Partitions []string `json:"partitions"`
	IDs        []uint32 `json:"ids"`
}

// HandlerRemoveAssocs soft-deletes the matched rows and their subtrees.
func (h *Handler) HandlerRemoveAssocs(c *gin.Context) {
	actor := h.env.Actor(c)

	var req removeAssocsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return
	}
	cluster := req.Cluster
	if cluster == "" {
		cluster = h.env.Cluster
	}
	cond := &storage.AssocCond{
		Cluster:    cluster,
		Accts:      req.Accts,
		Users:      req.Users,
		Partitions: req.Partitions,
		IDs:        req.IDs,
	}

	conn, err := h.env.Conn(c.Request.Context(), true)
	if err != nil {
		api.Fail(c, err)
		return
	}
	defer conn.Close()

	matched, err := conn.GetAssocs(c.Request.Context(), cond)
	if err != nil {
		api.Fail(c, err)
		return
	}
	for i := range matched {
		p := parentOf(&matched[i])
		if err := h.env.Auth.ManageAssoc(actor, p, p); err != nil {
			api.Fail(c, err)
			return
		}
	}

	removed, list, err := conn.RemoveAssocs(c.Request.Context(), actor.Name, cond)
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

// Package job is the controller-facing job event surface. Each endpoint
// maps one lifecycle event onto the policy engine; the controller's job
// state machine is the caller and guarantees event ordering per job.
package job

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sacctd/internal/module/api"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/model"
	"sacctd/internal/pkg/policy"
)

type Handler struct {
	env *api.Env
}

func NewHandler(env *api.Env) *Handler {
	return &Handler{env: env}
}

type jobEvent struct {
	JobID     uint32 `json:"job_id" binding:"required"`
	Cluster   string `json:"cluster"`
	User      string `json:"user"`
	UID       uint32 `json:"uid"`
	Acct      string `json:"acct"`
	Partition string `json:"partition"`
	WCKey     string `json:"wckey"`

	AssocID uint32 `json:"assoc_id"`
	QosID   int32  `json:"qos_id"`

	MinNodes      int64  `json:"min_nodes"`
	MinCPUs       int64  `json:"min_cpus"`
	TimeLimitMins int64  `json:"time_limit_mins"`
	TresReq       string `json:"tres_req"`

	Suspend   bool  `json:"suspend"`
	DeltaSecs int64 `json:"delta_secs"`
}

type decisionOut struct {
	Runnable bool   `json:"runnable"`
	Cancel   bool   `json:"cancel"`
	Reason   string `json:"reason"`
	AssocID  uint32 `json:"assoc_id"`
}

// toJob converts the wire event to the engine's job view, resolving the
// uid from the directory when the controller did not supply one.
func (h *Handler) toJob(c *gin.Context, ev *jobEvent) (*policy.Job, error) {
	tres, err := model.ParseTresStr(ev.TresReq)
	if err != nil {
		return nil, err
	}
	j := &policy.Job{
		JobID:         ev.JobID,
		Cluster:       ev.Cluster,
		User:          ev.User,
		UID:           ev.UID,
		Acct:          ev.Acct,
		Partition:     ev.Partition,
		WCKey:         ev.WCKey,
		AssocID:       ev.AssocID,
		QosID:         ev.QosID,
		MinNodes:      ev.MinNodes,
		MinCPUs:       ev.MinCPUs,
		TimeLimitMins: ev.TimeLimitMins,
		TresReq:       tres,
	}
	if j.Cluster == "" {
		j.Cluster = h.env.Cluster
	}
	if j.UID == 0 && j.User != "" && h.env.LDAP != nil {
		uid, rerr := h.env.LDAP.ResolveUID(c.Request.Context(), j.User)
		if rerr == nil {
			j.UID = uid
		}
	}
	return j, nil
}

func (h *Handler) bind(c *gin.Context) (*policy.Job, *jobEvent, bool) {
	actor := h.env.Actor(c)
	if err := h.env.Auth.ManageUsage(actor); err != nil {
		api.Fail(c, err)
		return nil, nil, false
	}
	var ev jobEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return nil, nil, false
	}
	j, err := h.toJob(c, &ev)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Response{Detail: err.Error()})
		return nil, nil, false
	}
	return j, &ev, true
}

func out(j *policy.Job, d policy.Decision) decisionOut {
	return decisionOut{
		Runnable: d.Runnable,
		Cancel:   d.Cancel,
		Reason:   d.Reason.String(),
		AssocID:  j.AssocID,
	}
}

// HandlerSubmit accounts a job entering the queue.
func (h *Handler) HandlerSubmit(c *gin.Context) {
	j, _, ok := h.bind(c)
	if !ok {
		return
	}
	d, err := h.env.Policy.AddSubmit(c.Request.Context(), j)
	if err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: out(j, d)})
}

// HandlerRemoveSubmit unwinds submit accounting for a job leaving the
// queue without ever running.
func (h *Handler) HandlerRemoveSubmit(c *gin.Context) {
	j, _, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.env.Policy.RemoveSubmit(c.Request.Context(), j); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

// HandlerBegin moves a job's counters from pending to running.
func (h *Handler) HandlerBegin(c *gin.Context) {
	j, _, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.env.Policy.JobBegin(c.Request.Context(), j); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Results: out(j, policy.Decision{Runnable: true})})
}

// HandlerFini releases a finished job's running counters.
func (h *Handler) HandlerFini(c *gin.Context) {
	j, _, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.env.Policy.JobFini(c.Request.Context(), j); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

// HandlerSuspend toggles a job between running and suspended counters.
func (h *Handler) HandlerSuspend(c *gin.Context) {
	j, ev, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.env.Policy.JobSuspend(c.Request.Context(), j, ev.Suspend); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

// HandlerRunnable evaluates whether a pending job may start now.
func (h *Handler) HandlerRunnable(c *gin.Context) {
	j, _, ok := h.bind(c)
	if !ok {
		return
	}
	d := h.env.Policy.JobRunnable(c.Request.Context(), j)
	c.JSON(http.StatusOK, response.Response{Results: out(j, d)})
}

// HandlerUsage folds one polling interval of wall time into the live
// usage counters of a running job's association chain.
func (h *Handler) HandlerUsage(c *gin.Context) {
	j, ev, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.env.Policy.UpdateRunningUsage(c.Request.Context(), j, ev.DeltaSecs); err != nil {
		api.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{})
}

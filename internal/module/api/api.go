// Package api carries the dependencies every HTTP module shares and the
// helpers that keep handlers short: actor resolution, storage handles,
// commit-and-distribute, and error-to-status mapping.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/auth"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/client/ldap"
	"sacctd/internal/pkg/common/response"
	"sacctd/internal/pkg/policy"
	"sacctd/internal/pkg/rollup"
	"sacctd/internal/pkg/storage"
	"sacctd/internal/pkg/update"
)

// ActorHeader names the request header carrying the authenticated
// principal. The proxy in front of the daemon sets it; the daemon
// trusts it the way slurmdbd trusts the munge identity.
const ActorHeader = "X-SLURM-USER"

// Env is the shared handler environment.
type Env struct {
	Cluster string
	Plugin  storage.Plugin
	Cache   *cache.Cache
	Auth    *auth.Authorizer
	Dist    *cache.Distributor
	LDAP    ldap.Resolver
	Policy  *policy.Engine
	Rollup  *rollup.Manager
	Logger  *slog.Logger

	connNum atomic.Int32
}

// Actor resolves the request principal from the actor header.
func (e *Env) Actor(c *gin.Context) auth.Actor {
	return e.Auth.Resolve(c.GetHeader(ActorHeader))
}

// Conn opens a storage handle for one request. Mutations are refused
// while the daemon serves from its saved state; the caller sees 503.
func (e *Env) Conn(ctx context.Context, mutating bool) (storage.Conn, error) {
	if mutating && e.Cache.RunningCache() {
		return nil, accterr.ErrDBConnection
	}
	num := int(e.connNum.Add(1))
	return e.Plugin.GetConnection(ctx, num, true, e.Cluster)
}

// Finish commits the open transaction and hands the update list to the
// distributor. Nothing is dispatched when the commit fails.
func (e *Env) Finish(ctx context.Context, conn storage.Conn, list update.List) error {
	if err := conn.Commit(ctx, true); err != nil {
		return err
	}
	e.Dist.Dispatch(list)
	return nil
}

// Fail writes the error envelope with the status the error kind maps to.
func Fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), response.Response{Detail: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, accterr.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, accterr.ErrNoAssoc):
		return http.StatusNotFound
	case errors.Is(err, accterr.ErrEmptyList),
		errors.Is(err, accterr.ErrBadSQL),
		errors.Is(err, accterr.ErrOneChangeOnly):
		return http.StatusBadRequest
	case errors.Is(err, accterr.ErrJobsRunning),
		errors.Is(err, accterr.ErrNoRemoveDefault),
		errors.Is(err, accterr.ErrPreemptLoop),
		errors.Is(err, accterr.ErrFedClusterMax),
		errors.Is(err, accterr.ErrNoChange):
		return http.StatusConflict
	case errors.Is(err, accterr.ErrDBConnection),
		errors.Is(err, accterr.ErrStorageTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

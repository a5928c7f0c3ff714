// Package auth decides whether an actor may perform an accounting
// operation. The rules combine the actor's site-wide admin level, their
// coordinator set from the cache, and the privateData bitset from the
// server config.
package auth

import (
	"fmt"
	"log/slog"

	"sacctd/config"
	"sacctd/internal/pkg/accterr"
	"sacctd/internal/pkg/cache"
	"sacctd/internal/pkg/model"
)

// Actor is a resolved principal. Unknown names resolve to a zero-level
// actor with no coordinator accounts; they can still read public data.
type Actor struct {
	Name   string
	Level  model.AdminLevel
	Coords []model.CoordAcct
}

// Operator reports Operator authority or better.
func (a Actor) Operator() bool { return a.Level >= model.AdminOperator }

// Admin reports full Administrator authority.
func (a Actor) Admin() bool { return a.Level >= model.AdminAdministrator }

// Coordinates reports whether the actor coordinates acct, directly or
// through an inherited users-are-coords grant.
func (a Actor) Coordinates(acct string) bool {
	for _, c := range a.Coords {
		if c.Acct == acct {
			return true
		}
	}
	return false
}

// Authorizer answers permission questions for the request layer. It is
// stateless beyond its configuration; every check resolves the actor
// against the live cache.
type Authorizer struct {
	cache        *cache.Cache
	private      config.Private
	disableCoord bool
	logger       *slog.Logger
}

// New builds an Authorizer. When disableCoordDBD is set every
// "or coordinator of" clause hardens to plain Operator.
func New(c *cache.Cache, private config.Private, disableCoordDBD bool, logger *slog.Logger) *Authorizer {
	return &Authorizer{cache: c, private: private, disableCoord: disableCoordDBD, logger: logger}
}

// Resolve looks the actor up in the cache and captures their admin
// level and coordinator set. The coord slice is copied so callers hold
// no reference into the cache after the lock drops.
func (a *Authorizer) Resolve(name string) Actor {
	req := cache.Locks{}
	req[cache.LockUser] = cache.ReadLock
	a.cache.Acquire(req)
	defer a.cache.Release(req)

	rec := a.cache.UserByName(name)
	if rec == nil || rec.Deleted != 0 {
		return Actor{Name: name}
	}
	coords := make([]model.CoordAcct, len(rec.CoordAccts))
	copy(coords, rec.CoordAccts)
	return Actor{Name: name, Level: rec.AdminLevel, Coords: coords}
}

func (a *Authorizer) deny(actor Actor, op, need string) error {
	a.logger.Debug("access denied",
		slog.String("actor", actor.Name),
		slog.String("level", actor.Level.String()),
		slog.String("op", op),
		slog.String("need", need))
	return fmt.Errorf("%s: %s requires %s: %w", actor.Name, op, need, accterr.ErrAccessDenied)
}

// coordinates applies the DisableCoordDBD downgrade: with the flag set,
// coordinator status never grants anything.
func (a *Authorizer) coordinates(actor Actor, acct string) bool {
	if a.disableCoord {
		return false
	}
	return actor.Coordinates(acct)
}

// ManageUsers covers add, modify and remove of user rows, admin level
// changes included.
func (a *Authorizer) ManageUsers(actor Actor) error {
	if actor.Operator() {
		return nil
	}
	return a.deny(actor, "manage users", "operator")
}

// ManageUsage covers rollup reruns and other usage-table maintenance.
func (a *Authorizer) ManageUsage(actor Actor) error {
	if actor.Operator() {
		return nil
	}
	return a.deny(actor, "manage usage", "operator")
}

// ManageClusters covers cluster and federation mutations.
func (a *Authorizer) ManageClusters(actor Actor) error {
	if actor.Admin() {
		return nil
	}
	return a.deny(actor, "manage clusters", "administrator")
}

// ManageQos covers QOS add, modify and remove.
func (a *Authorizer) ManageQos(actor Actor) error {
	if actor.Admin() {
		return nil
	}
	return a.deny(actor, "manage qos", "administrator")
}

// ManageTres covers TRES registration.
func (a *Authorizer) ManageTres(actor Actor) error {
	if actor.Admin() {
		return nil
	}
	return a.deny(actor, "manage tres", "administrator")
}

// ManageAccount covers add, modify and remove of the named account.
// Coordinators of the account qualify unless DisableCoordDBD is set.
func (a *Authorizer) ManageAccount(actor Actor, acct string) error {
	if actor.Operator() || a.coordinates(actor, acct) {
		return nil
	}
	return a.deny(actor, "manage account "+acct, "operator or coordinator")
}

// ManageAssoc covers association mutations that change parentage or
// limits. A coordinator must hold both ends of a reparent: the account
// the association leaves and the one it joins. For a plain limit change
// oldParent and newParent are the same account.
func (a *Authorizer) ManageAssoc(actor Actor, oldParent, newParent string) error {
	if actor.Operator() {
		return nil
	}
	if a.coordinates(actor, oldParent) && (newParent == oldParent || a.coordinates(actor, newParent)) {
		return nil
	}
	return a.deny(actor, "manage association under "+oldParent, "operator or coordinator of both parents")
}

// ManageCoords covers granting or revoking coordinator status on acct.
// Existing coordinators of the account may extend it.
func (a *Authorizer) ManageCoords(actor Actor, acct string) error {
	if actor.Operator() || a.coordinates(actor, acct) {
		return nil
	}
	return a.deny(actor, "manage coordinators of "+acct, "operator or coordinator")
}

// SetUserDefault covers changing a user's default account or wckey.
// Users always own their own defaults.
func (a *Authorizer) SetUserDefault(actor Actor, user string) error {
	if actor.Name == user || actor.Operator() {
		return nil
	}
	return a.deny(actor, "set defaults for "+user, "self or operator")
}

// ReadUser gates user records behind PrivateData=users. Without the
// bit everyone reads everyone; with it only self and operators.
func (a *Authorizer) ReadUser(actor Actor, user string) error {
	if a.private&config.PrivateUsers == 0 || actor.Name == user || actor.Operator() {
		return nil
	}
	return a.deny(actor, "read user "+user, "self or operator")
}

// ReadAccount gates account records behind PrivateData=accounts.
// Coordinators of the account keep read access either way.
func (a *Authorizer) ReadAccount(actor Actor, acct string) error {
	if a.private&config.PrivateAccounts == 0 || actor.Operator() || a.coordinates(actor, acct) {
		return nil
	}
	return a.deny(actor, "read account "+acct, "operator or coordinator")
}

// ReadUsage gates usage and association data behind PrivateData=usage.
// Self always qualifies; user == "" means a cross-user query.
func (a *Authorizer) ReadUsage(actor Actor, user string) error {
	if a.private&config.PrivateUsage == 0 || (user != "" && actor.Name == user) || actor.Operator() {
		return nil
	}
	return a.deny(actor, "read usage for "+user, "self or operator")
}

// ReadAssoc gates one association row behind PrivateData=usage. Self,
// coordinators of the row's account and operators qualify; user is
// empty for account rows.
func (a *Authorizer) ReadAssoc(actor Actor, acct, user string) error {
	if a.private&config.PrivateUsage == 0 || actor.Operator() ||
		(user != "" && actor.Name == user) || a.coordinates(actor, acct) {
		return nil
	}
	return a.deny(actor, "read association "+acct+"/"+user, "self, coordinator or operator")
}

// ReadEvents gates cluster event history behind PrivateData=events.
func (a *Authorizer) ReadEvents(actor Actor) error {
	if a.private&config.PrivateEvents == 0 || actor.Operator() {
		return nil
	}
	return a.deny(actor, "read events", "operator")
}

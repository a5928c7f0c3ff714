// Package accterr defines the stable error kinds surfaced by the
// accounting core. Callers discriminate with errors.Is against the
// exported sentinels; storage backends wrap them with context via
// fmt.Errorf("...: %w", accterr.ErrJobsRunning).
package accterr

import "errors"

var (
	// ErrDBConnection: the storage backend is unreachable. Retryable.
	ErrDBConnection = errors.New("database connection failed")
	// ErrAccessDenied: admin-level or coordinator check failed.
	ErrAccessDenied = errors.New("access denied")
	// ErrEmptyList: a bulk operation received no rows.
	ErrEmptyList = errors.New("empty list passed to bulk operation")
	// ErrBadSQL: an ill-formed mutation reached the backend.
	ErrBadSQL = errors.New("malformed storage mutation")
	// ErrNoChange: an idempotent operation matched zero rows. Informational.
	ErrNoChange = errors.New("no change in data")
	// ErrJobsRunning: a remove was blocked by jobs still referencing the row.
	ErrJobsRunning = errors.New("jobs still reference this record")
	// ErrNoRemoveDefault: a remove would strip a user's only default account.
	ErrNoRemoveDefault = errors.New("would remove user's default account")
	// ErrPreemptLoop: a QOS preempt edge would introduce a cycle.
	ErrPreemptLoop = errors.New("qos preemption loop")
	// ErrFedClusterMax: the federation already holds the maximum clusters.
	ErrFedClusterMax = errors.New("federation cluster limit reached")
	// ErrOneChangeOnly: a bulk modify matched more than one row when the
	// caller requested exactly one.
	ErrOneChangeOnly = errors.New("filter matched more than one record")
	// ErrStorageTimeout: the per-operation deadline elapsed; the caller
	// must roll back the connection.
	ErrStorageTimeout = errors.New("storage operation timed out")
	// ErrNoAssoc: fill-in found no association and enforcement requires one.
	ErrNoAssoc = errors.New("no association for job")
)

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrDBConnection) || errors.Is(err, ErrStorageTimeout)
}

package policy

import "sacctd/internal/pkg/model"

// JobState is the subset of controller job states the accounting core
// reads and writes.
type JobState int

const (
	StatePending JobState = iota
	StateRunning
	StateSuspended
	StateComplete
	StateFailed
	StateCancelled
)

func (s JobState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	}
	return "PENDING"
}

// Job is the controller-side view of one job that the policy engine
// consults and annotates. The caller's job state machine guarantees the
// add_submit -> job_begin -> job_fini -> remove_submit total order.
type Job struct {
	JobID     uint32
	Cluster   string
	User      string
	UID       uint32
	Acct      string
	Partition string
	WCKey     string

	// AssocID is the bound association; zero until validated.
	AssocID uint32
	QosID   int32

	MinNodes      int64
	MinCPUs       int64
	TimeLimitMins int64
	TresReq       model.TresCounts

	State  JobState
	Reason Reason
}

package policy

// Reason classifies why a job is held or cancelled. Policy outcomes are
// not errors; the controller surfaces the reason to queue tooling.
type Reason int

const (
	ReasonNone Reason = iota

	// Holdable: the job waits until counters drain.
	AssocJobLimit
	AssocResourceLimit
	AssocTimeLimit
	AssocSubmitLimit
	QosJobLimit
	QosResourceLimit
	QosTimeLimit
	QosSubmitLimit
	QosUsageThreshold
	QosUserLimit

	// Cancel: configuration tightened below what the job requests; the
	// controller fails the job with this reason.
	BankAccount
)

var reasonNames = map[Reason]string{
	ReasonNone:         "None",
	AssocJobLimit:      "AssocJobLimit",
	AssocResourceLimit: "AssocResourceLimit",
	AssocTimeLimit:     "AssocTimeLimit",
	AssocSubmitLimit:   "AssocSubmitLimit",
	QosJobLimit:        "QosJobLimit",
	QosResourceLimit:   "QosResourceLimit",
	QosTimeLimit:       "QosTimeLimit",
	QosSubmitLimit:     "QosSubmitLimit",
	QosUsageThreshold:  "QosUsageThreshold",
	QosUserLimit:       "QosUserLimit",
	BankAccount:        "BankAccount",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "Unknown"
}

// limitFamily reports whether r belongs to the ASSOC/QOS-LIMIT family
// that job_runnable clears before re-evaluating.
func (r Reason) limitFamily() bool {
	return r > ReasonNone && r < BankAccount
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Runnable bool
	Cancel   bool
	Reason   Reason
}

var allow = Decision{Runnable: true}

func hold(r Reason) Decision   { return Decision{Runnable: false, Reason: r} }
func cancel(r Reason) Decision { return Decision{Runnable: false, Cancel: true, Reason: r} }

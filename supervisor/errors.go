package supervisor

import "github.com/nandlabs/batchsuper/errutils"

// UsageError wraps a bad action, a missing argument, mutually-exclusive
// flags, or the wrong-host check — anything that must abort before the
// ledger is touched.
type UsageError struct {
	err error
}

func (e *UsageError) Error() string { return e.err.Error() }
func (e *UsageError) Unwrap() error { return e.err }

var usageTemplate = errutils.NewCustomError("usage: %s")

func newUsageError(detail string) *UsageError {
	return &UsageError{err: usageTemplate.Err(detail)}
}

// SchedulerError wraps a fatal scheduler interaction: a nonzero Submit
// exit or a non-numeric job ID.
type SchedulerError struct {
	err error
}

func (e *SchedulerError) Error() string { return e.err.Error() }
func (e *SchedulerError) Unwrap() error { return e.err }

var schedulerTemplate = errutils.NewCustomError("scheduler: %s")

func newSchedulerError(detail string) *SchedulerError {
	return &SchedulerError{err: schedulerTemplate.Err(detail)}
}

var (
	errAlreadyExists = errutils.NewCustomError("job list %q already has ledger files; refusing to overwrite")
	errNotFound      = errutils.NewCustomError("job list %q has no ledger files; run push or make first")
	errJobsStillLive = errutils.NewCustomError("job list %q still has RUN or PEND jobs; stop it first")
	errWrongHost     = errutils.NewCustomError("must run on head host %q, not %q")
	errMutuallyExcl  = errutils.NewCustomError("-noResubmitIfQueueMaxTimeExceeded and -resubmitToSameQueueIfQueueMaxTimeExceeded are mutually exclusive")
)

// ErrMutuallyExclusive reports that both queue-max-time flags were set;
// cmd/batchsuper validates this before dispatching any action.
func ErrMutuallyExclusive() *UsageError {
	return &UsageError{err: errMutuallyExcl.Err()}
}

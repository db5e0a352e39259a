package ledger

import "github.com/nandlabs/batchsuper/errutils"

// CorruptError marks a ledger whose catalog, status, and count files
// disagree on how many jobs exist. The caller aborts rather than
// attempting to auto-repair.
type CorruptError struct {
	JobList string
	Detail  string
}

func (e *CorruptError) Error() string {
	return corruptTemplate.Err(e.JobList, e.Detail).Error()
}

var corruptTemplate = errutils.NewCustomError("ledger: corrupt job list %q: %s")

func newCorruptError(jobList, detail string) *CorruptError {
	return &CorruptError{JobList: jobList, Detail: detail}
}

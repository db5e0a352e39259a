// Package reconcile implements the per-job state-transition engine: given
// the current ledger and fresh scheduler observations, it computes each
// job's new state, updates failure counters, extracts runtimes for newly
// finished jobs, and classifies failures as retriable, promotable, or
// terminal.
package reconcile

import (
	"github.com/nandlabs/batchsuper/collections"
	"github.com/nandlabs/batchsuper/errutils"
	"github.com/nandlabs/batchsuper/l3"
	"github.com/nandlabs/batchsuper/ledger"
	"github.com/nandlabs/batchsuper/scheduler"
)

var logger = l3.Get()

// AllDone codes summarize a reconciliation cycle's overall outcome.
const (
	AllDoneSuccess   = 1  // all done
	AllDoneHardFail  = -1 // all terminated, >=1 hard-failed, none retriable
	AllDoneRetriable = -2 // all terminated, >=1 retriable
	StillActive      = 0
)

// Classification describes what should happen to a job that just exited.
type Classification int

const (
	Terminal Classification = iota
	RetriablePromote
	RetriableSameQueue
)

// SchedulerClient is the subset of the scheduler adapter the reconciler
// needs; satisfied by *scheduler.Adapter.
type SchedulerClient interface {
	Query(ids []int) (scheduler.QueryResult, error)
	History(id int) (scheduler.History, error)
	Output(path string) (string, error)
}

// Options carries the retry/promotion policy applied to EXIT transitions.
type Options struct {
	MaxResubmissions           int
	Queues                     []string
	NoResubmitOnLimit          bool
	ResubmitToSameQueueOnLimit bool
	BatchQuerySize             int
}

// QueueIndex returns q's position in the ordered queue list, or -1 if
// q is not one of the configured queues.
func (o Options) QueueIndex(q string) int {
	for i, name := range o.Queues {
		if name == q {
			return i
		}
	}
	return -1
}

// Resubmission describes a job the supervisor should resubmit, with its
// (possibly promoted) destination queue.
type Resubmission struct {
	JobIndex int // index into the jobs/statuses slices passed to Reconcile
	NewQueue string
}

// Tallies summarizes one reconciliation cycle.
type Tallies struct {
	NumPend      int
	NumRun       int
	NumDone      int
	NumFail      int
	NumRetriable int
}

// Result is the outcome of one reconciliation cycle.
type Result struct {
	Statuses     []ledger.JobStatus
	Tallies      Tallies
	Resubmit     []Resubmission
	AllDone      int
}

var (
	ErrUnknownTransition = errutils.NewCustomError("reconcile: unknown transition %s -> %s for job %d")
	ErrNegativeRuntime   = errutils.NewCustomError("reconcile: computed negative runtime for job %d")
)

// Reconciler applies the state-transition table to a ledger snapshot.
type Reconciler struct {
	opts  Options
	sched SchedulerClient
}

// New returns a Reconciler bound to sched and opts.
func New(sched SchedulerClient, opts Options) *Reconciler {
	return &Reconciler{sched: sched, opts: opts}
}

// Reconcile runs one reconciliation cycle: probes the scheduler for every
// job not already DONE, applies the transition table, and returns the
// fully updated status slice alongside tallies and resubmission
// instructions. jobs and statuses must be parallel (same index == same
// job).
func (r *Reconciler) Reconcile(jobs []ledger.Job, statuses []ledger.JobStatus) (Result, error) {
	newStatuses := make([]ledger.JobStatus, len(statuses))
	copy(newStatuses, statuses)

	needsProbing := collections.NewArrayQueue[int]()
	for i, st := range statuses {
		if st.State == ledger.Done {
			continue
		}
		_ = needsProbing.Enqueue(i)
	}

	observed, err := r.probe(needsProbing, statuses)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for i := range newStatuses {
		old := statuses[i]
		if old.State == ledger.Done {
			result.Tallies.NumDone++
			continue
		}

		obs, ok := observed[i]
		if !ok {
			// Transient adapter parse failure or a job this cycle never
			// reached: treat as unchanged for this cycle.
			newStatuses[i] = old
			continue
		}

		newState := obs.state
		if err := validateTransition(old.State, newState, old.CurrentID); err != nil {
			return Result{}, err
		}

		next := old
		next.State = newState

		switch {
		case newState == ledger.Done && old.State != ledger.Done:
			runtime, err := extractRuntime(obs, old.CurrentID)
			if err != nil {
				return Result{}, err
			}
			next.Runtime = runtime
		case newState == ledger.Exit && old.State != ledger.Exit:
			next.FailCount++
			if obs.kind == scheduler.RuntimeLimit && r.opts.NoResubmitOnLimit {
				// Force terminal even if this was the job's first failure.
				next.FailCount = r.opts.MaxResubmissions
			}
			class, newQueue := r.classify(next.FailCount, obs.kind, jobs[i].Queue)
			if class != Terminal {
				result.Resubmit = append(result.Resubmit, Resubmission{JobIndex: i, NewQueue: newQueue})
			}
		case newState == ledger.Exit && old.State == ledger.Exit:
			// unchanged; candidate for resubmit if still under cap from
			// a prior cycle's FailCount, but the counter itself never
			// increments again for the same observed crash.
			if next.FailCount < r.opts.MaxResubmissions {
				class, newQueue := r.classify(next.FailCount, obs.kind, jobs[i].Queue)
				if class != Terminal {
					result.Resubmit = append(result.Resubmit, Resubmission{JobIndex: i, NewQueue: newQueue})
				}
			}
		}

		newStatuses[i] = next
	}

	result.Tallies = computeTallies(newStatuses, r.opts.MaxResubmissions)
	result.Statuses = newStatuses
	result.AllDone = computeAllDone(result.Tallies, len(result.Resubmit))
	return result, nil
}

// computeTallies summarizes the final status slice. An EXIT job counts
// toward NumFail once its FailCount reaches the cap (terminal), and
// toward NumRetriable otherwise.
func computeTallies(statuses []ledger.JobStatus, maxResubmissions int) Tallies {
	var t Tallies
	for _, st := range statuses {
		switch st.State {
		case ledger.Pend:
			t.NumPend++
		case ledger.Run:
			t.NumRun++
		case ledger.Done:
			t.NumDone++
		case ledger.Exit:
			if st.FailCount >= maxResubmissions {
				t.NumFail++
			} else {
				t.NumRetriable++
			}
		}
	}
	return t
}

// observation is what probing a single job yields: its new state and,
// when relevant, the termination kind and raw history for runtime
// extraction.
type observation struct {
	state   ledger.State
	kind    scheduler.TerminationKind
	history scheduler.History
}

// probe queries the scheduler for every job in needsProbing (chunked to
// opts.BatchQuerySize), resolving missing IDs via History+Output.
func (r *Reconciler) probe(needsProbing collections.Queue[int], statuses []ledger.JobStatus) (map[int]observation, error) {
	observed := make(map[int]observation)
	size := r.opts.BatchQuerySize
	if size <= 0 {
		size = 1000
	}

	for !needsProbing.IsEmpty() {
		chunkIdx := make([]int, 0, size)
		for i := 0; i < size && !needsProbing.IsEmpty(); i++ {
			idx, _ := needsProbing.Dequeue()
			chunkIdx = append(chunkIdx, idx)
		}

		ids := make([]int, len(chunkIdx))
		for i, idx := range chunkIdx {
			ids[i] = statuses[idx].CurrentID
		}

		queryResult, err := r.sched.Query(ids)
		if err != nil {
			return nil, err
		}

		missing := make(map[int]bool, len(queryResult.Missing))
		for _, id := range queryResult.Missing {
			missing[id] = true
		}

		for _, idx := range chunkIdx {
			id := statuses[idx].CurrentID
			st := statuses[idx]
			if state, ok := queryResult.States[id]; ok {
				obs := observation{state: toLedgerState(state)}
				if obs.state == ledger.Exit {
					obs.kind = r.classifyOutput(st)
				}
				observed[idx] = obs
				continue
			}
			if missing[id] {
				obs, err := r.resolveMissing(st)
				if err != nil {
					logger.WarnF("reconcile: could not resolve missing job %d, treating as unchanged this cycle: %v", id, err)
					continue
				}
				observed[idx] = obs
			}
		}
	}
	return observed, nil
}

func (r *Reconciler) classifyOutput(st ledger.JobStatus) scheduler.TerminationKind {
	text, err := r.sched.Output(st.InternalName)
	if err != nil {
		logger.WarnF("reconcile: could not read output for job %d: %v", st.CurrentID, err)
		return scheduler.OtherFailure
	}
	return scheduler.Classify(text)
}

// resolveMissing asks History+Output to decide whether a job the
// scheduler no longer recognises finished successfully (DONE) or
// crashed (EXIT).
func (r *Reconciler) resolveMissing(st ledger.JobStatus) (observation, error) {
	hist, err := r.sched.History(st.CurrentID)
	if err != nil {
		return observation{}, err
	}
	kind := r.classifyOutput(st)

	if kind == scheduler.Success {
		return observation{state: ledger.Done, history: hist}, nil
	}
	return observation{state: ledger.Exit, kind: kind, history: hist}, nil
}

func toLedgerState(s scheduler.JobState) ledger.State {
	switch s {
	case scheduler.Pend:
		return ledger.Pend
	case scheduler.Run:
		return ledger.Run
	case scheduler.Done:
		return ledger.Done
	case scheduler.Exit:
		return ledger.Exit
	default:
		return ledger.State(s)
	}
}

// extractRuntime computes a finished job's runtime in seconds: a
// duration of exactly zero is rounded up to 1; a negative duration is a
// corruption-class fault.
func extractRuntime(obs observation, jobID int) (int, error) {
	seconds := int(obs.history.EndTime.Sub(obs.history.StartTime).Seconds())
	if seconds < 0 {
		return 0, ErrNegativeRuntime.Err(jobID)
	}
	if seconds == 0 {
		return 1, nil
	}
	return seconds, nil
}

// classify decides what happens to a job that just transitioned to EXIT.
func (r *Reconciler) classify(failCount int, kind scheduler.TerminationKind, currentQueue string) (Classification, string) {
	if failCount >= r.opts.MaxResubmissions {
		return Terminal, currentQueue
	}
	if kind == scheduler.RuntimeLimit && r.opts.NoResubmitOnLimit {
		return Terminal, currentQueue
	}
	if kind == scheduler.RuntimeLimit && !r.opts.ResubmitToSameQueueOnLimit {
		idx := r.opts.QueueIndex(currentQueue)
		if idx < 0 || idx+1 >= len(r.opts.Queues) {
			logger.WarnF("reconcile: job already at top queue %q, retrying same queue after runtime-limit exit", currentQueue)
			return RetriableSameQueue, currentQueue
		}
		return RetriablePromote, r.opts.Queues[idx+1]
	}
	return RetriableSameQueue, currentQueue
}

func validateTransition(old, new_ ledger.State, jobID int) error {
	switch {
	case old == new_:
		return nil
	case old == ledger.Pend && (new_ == ledger.Run || new_ == ledger.Done || new_ == ledger.Exit):
		return nil
	case old == ledger.Run && (new_ == ledger.Done || new_ == ledger.Exit):
		return nil
	case old == ledger.Exit && (new_ == ledger.Pend || new_ == ledger.Run || new_ == ledger.Done):
		return nil
	default:
		return ErrUnknownTransition.Err(old, new_, jobID)
	}
}

func computeAllDone(t Tallies, numResubmit int) int {
	active := t.NumPend + t.NumRun
	if active > 0 {
		return StillActive
	}
	if numResubmit > 0 {
		return AllDoneRetriable
	}
	if t.NumFail > 0 {
		return AllDoneHardFail
	}
	return AllDoneSuccess
}

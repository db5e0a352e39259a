package reconcile

import (
	"testing"
	"time"

	"github.com/nandlabs/batchsuper/ledger"
	"github.com/nandlabs/batchsuper/scheduler"
)

// fakeScheduler lets tests script Query/History/Output responses without
// shelling out to a real LSF cluster.
type fakeScheduler struct {
	queryResult scheduler.QueryResult
	queryErr    error
	histories   map[int]scheduler.History
	outputs     map[string]string
}

func (f *fakeScheduler) Query(ids []int) (scheduler.QueryResult, error) {
	return f.queryResult, f.queryErr
}

func (f *fakeScheduler) History(id int) (scheduler.History, error) {
	return f.histories[id], nil
}

func (f *fakeScheduler) Output(path string) (string, error) {
	return f.outputs[path], nil
}

func defaultOpts() Options {
	return Options{
		MaxResubmissions: 3,
		Queues:           []string{"short", "medium", "long"},
		BatchQuerySize:   1000,
	}
}

func TestReconcile_BothJobsSucceedImmediately(t *testing.T) {
	jobs := []ledger.Job{
		{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "echo a"},
		{CurrentID: 2, InternalName: "jl1/1/o.1", Queue: "short", Command: "echo b"},
	}
	statuses := []ledger.JobStatus{
		{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Run, Runtime: -1},
		{CurrentID: 2, InternalName: "jl1/1/o.1", State: ledger.Run, Runtime: -1},
	}
	start := time.Now()
	sched := &fakeScheduler{
		queryResult: scheduler.QueryResult{
			States: map[int]scheduler.JobState{1: scheduler.Done, 2: scheduler.Done},
		},
		histories: map[int]scheduler.History{
			1: {StartTime: start, EndTime: start.Add(5 * time.Second)},
			2: {StartTime: start, EndTime: start.Add(3 * time.Second)},
		},
	}

	r := New(sched, defaultOpts())
	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.AllDone != AllDoneSuccess {
		t.Errorf("AllDone = %d, want %d", result.AllDone, AllDoneSuccess)
	}
	for _, st := range result.Statuses {
		if st.State != ledger.Done || st.FailCount != 0 || st.Runtime < 1 {
			t.Errorf("status = %+v, want DONE/failCount=0/runtime>=1", st)
		}
	}
}

func TestReconcile_CrashThenRetryUntilCap(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "flaky"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Run, Runtime: -1}}

	sched := &fakeScheduler{
		queryResult: scheduler.QueryResult{States: map[int]scheduler.JobState{1: scheduler.Exit}},
		outputs:     map[string]string{"jl1/1/o.0": "some other failure"},
	}
	opts := defaultOpts()
	r := New(sched, opts)

	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Resubmit) != 1 {
		t.Fatalf("expected 1 resubmission, got %d", len(result.Resubmit))
	}
	if result.Statuses[0].FailCount != 1 {
		t.Errorf("failCount = %d, want 1", result.Statuses[0].FailCount)
	}

	// Drive two more observed crashes at the same FailCount boundary.
	statuses = result.Statuses
	for want := 2; want <= 3; want++ {
		statuses[0].State = ledger.Pend // resubmitted
		result, err = r.Reconcile(jobs, statuses)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		statuses = result.Statuses
		if statuses[0].FailCount != want {
			t.Errorf("failCount = %d, want %d", statuses[0].FailCount, want)
		}
	}

	if statuses[0].State != ledger.Exit || statuses[0].FailCount != 3 {
		t.Errorf("final status = %+v, want EXIT/failCount=3", statuses[0])
	}
	if len(result.Resubmit) != 0 {
		t.Errorf("job at cap should not be resubmitted, got %d resubmissions", len(result.Resubmit))
	}
	if result.AllDone != AllDoneHardFail {
		t.Errorf("AllDone = %d, want %d (hard fail)", result.AllDone, AllDoneHardFail)
	}
}

func TestReconcile_RuntimeLimitPromotesQueue(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "slow"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Run, Runtime: -1}}

	sched := &fakeScheduler{
		queryResult: scheduler.QueryResult{States: map[int]scheduler.JobState{1: scheduler.Exit}},
		outputs:     map[string]string{"jl1/1/o.0": "TERM_RUNLIMIT: job killed after reaching LSF run time limit"},
	}
	r := New(sched, defaultOpts())

	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Resubmit) != 1 {
		t.Fatalf("expected promotion resubmission, got %d", len(result.Resubmit))
	}
	if result.Resubmit[0].NewQueue != "medium" {
		t.Errorf("NewQueue = %q, want %q", result.Resubmit[0].NewQueue, "medium")
	}
}

func TestReconcile_RuntimeLimitAtTopQueueAtCapIsTerminal(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "long", Command: "slow"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Run, FailCount: 2, Runtime: -1}}

	sched := &fakeScheduler{
		queryResult: scheduler.QueryResult{States: map[int]scheduler.JobState{1: scheduler.Exit}},
		outputs:     map[string]string{"jl1/1/o.0": "TERM_RUNLIMIT: job killed after reaching LSF run time limit"},
	}
	r := New(sched, defaultOpts())

	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Statuses[0].FailCount != 3 {
		t.Fatalf("failCount = %d, want 3", result.Statuses[0].FailCount)
	}
	if len(result.Resubmit) != 0 {
		t.Errorf("job at cap should be terminal, got %d resubmissions", len(result.Resubmit))
	}
}

func TestReconcile_NoResubmitOnLimitForcesTerminal(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "slow"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Run, FailCount: 0, Runtime: -1}}

	sched := &fakeScheduler{
		queryResult: scheduler.QueryResult{States: map[int]scheduler.JobState{1: scheduler.Exit}},
		outputs:     map[string]string{"jl1/1/o.0": "TERM_RUNLIMIT: job killed after reaching LSF run time limit"},
	}
	opts := defaultOpts()
	opts.NoResubmitOnLimit = true
	r := New(sched, opts)

	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Statuses[0].FailCount != opts.MaxResubmissions {
		t.Errorf("failCount = %d, want forced to %d", result.Statuses[0].FailCount, opts.MaxResubmissions)
	}
	if len(result.Resubmit) != 0 {
		t.Errorf("expected no resubmission under NoResubmitOnLimit, got %d", len(result.Resubmit))
	}
}

func TestReconcile_ZeroDurationRoundsUpToOne(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "echo a"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Run, Runtime: -1}}

	now := time.Now()
	sched := &fakeScheduler{
		queryResult: scheduler.QueryResult{States: map[int]scheduler.JobState{1: scheduler.Done}},
		histories:   map[int]scheduler.History{1: {StartTime: now, EndTime: now}},
	}
	r := New(sched, defaultOpts())

	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Statuses[0].Runtime != 1 {
		t.Errorf("Runtime = %d, want 1", result.Statuses[0].Runtime)
	}
}

func TestReconcile_AlreadyDoneJobsAreSkipped(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "echo a"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Done, Runtime: 5}}

	sched := &fakeScheduler{} // Query must never be called for a DONE job
	r := New(sched, defaultOpts())

	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Statuses[0] != statuses[0] {
		t.Errorf("a DONE job must be byte-identical across cycles, got %+v, want %+v", result.Statuses[0], statuses[0])
	}
	if result.AllDone != AllDoneSuccess {
		t.Errorf("AllDone = %d, want %d", result.AllDone, AllDoneSuccess)
	}
}

func TestReconcile_MissingJobResolvedViaHistoryAndOutput(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "echo a"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Run, Runtime: -1}}

	start := time.Now()
	sched := &fakeScheduler{
		queryResult: scheduler.QueryResult{Missing: []int{1}},
		histories:   map[int]scheduler.History{1: {StartTime: start, EndTime: start.Add(2 * time.Second)}},
		outputs:     map[string]string{"jl1/1/o.0": "Successfully completed."},
	}
	r := New(sched, defaultOpts())

	result, err := r.Reconcile(jobs, statuses)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Statuses[0].State != ledger.Done || result.Statuses[0].Runtime != 2 {
		t.Errorf("status = %+v, want DONE/runtime=2", result.Statuses[0])
	}
}

func TestReconcile_UnknownTransitionIsFatal(t *testing.T) {
	jobs := []ledger.Job{{CurrentID: 1, InternalName: "jl1/1/o.0", Queue: "short", Command: "echo a"}}
	statuses := []ledger.JobStatus{{CurrentID: 1, InternalName: "jl1/1/o.0", State: ledger.Done, Runtime: -1}}
	// Force a probe on a DONE job to synthesize an impossible transition
	// (DONE -> RUN) by marking it not-yet-observed through direct testing
	// of validateTransition instead of the full Reconcile path, since
	// Reconcile itself never probes DONE jobs.
	if err := validateTransition(ledger.Done, ledger.Run, 1); err == nil {
		t.Error("expected DONE -> RUN to be rejected as an unknown transition")
	}
	_ = jobs
	_ = statuses
}

func TestQueueIndex(t *testing.T) {
	opts := defaultOpts()
	if opts.QueueIndex("medium") != 1 {
		t.Errorf("QueueIndex(medium) = %d, want 1", opts.QueueIndex("medium"))
	}
	if opts.QueueIndex("nonexistent") != -1 {
		t.Errorf("QueueIndex(nonexistent) = %d, want -1", opts.QueueIndex("nonexistent"))
	}
}

// Package supervisor composes the scheduler adapter, ledger store,
// exclusive lock, and reconciler into the top-level actions a batch job
// list is driven through: make, push, pushCrashed, wait, check, stop,
// chill, time, crashed, clean, and report.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nandlabs/batchsuper/errutils"
	"github.com/nandlabs/batchsuper/l3"
	"github.com/nandlabs/batchsuper/ledger"
	"github.com/nandlabs/batchsuper/lifecycle"
	"github.com/nandlabs/batchsuper/lock"
	"github.com/nandlabs/batchsuper/reconcile"
	"github.com/nandlabs/batchsuper/scheduler"
	"github.com/nandlabs/batchsuper/textutils"
)

var logger = l3.Get()

const lockTimeout = 30 * time.Second
const lockPoll = 500 * time.Millisecond

// Supervisor drives one job list's ledger through its lifecycle.
type Supervisor struct {
	jobList string
	baseDir string
	opts    Options
	sched   *scheduler.Adapter
	store   *ledger.Store
	lk      *lock.Lock
	recon   *reconcile.Reconciler
}

// New returns a Supervisor for jobList rooted at baseDir.
func New(baseDir, jobList string, sched *scheduler.Adapter, opts Options) *Supervisor {
	return &Supervisor{
		jobList: jobList,
		baseDir: baseDir,
		opts:    opts,
		sched:   sched,
		store:   ledger.New(baseDir, jobList, ledger.Options{KeepBackupFiles: opts.KeepBackupFiles}),
		lk:      lock.New(baseDir, jobList),
		recon:   reconcile.New(sched, opts.reconcileOptions()),
	}
}

// CheckHost refuses to proceed unless $HOSTNAME matches opts.HeadHost.
// An empty HeadHost disables the check.
func (s *Supervisor) CheckHost() error {
	if s.opts.HeadHost == "" {
		return nil
	}
	host := os.Getenv("HOSTNAME")
	if host != s.opts.HeadHost {
		return &UsageError{err: errWrongHost.Err(s.opts.HeadHost, host)}
	}
	return nil
}

func (s *Supervisor) probeScheduler() error {
	if err := s.sched.Probe(); err != nil {
		return newUsageError(fmt.Sprintf("scheduler not available: %v", err))
	}
	return nil
}

func (s *Supervisor) loadLedger() ([]ledger.Job, []ledger.JobStatus, int, error) {
	if !s.store.Exists() {
		return nil, nil, 0, errNotFound.Err(s.jobList)
	}
	jobs, err := s.store.LoadCatalog()
	if err != nil {
		return nil, nil, 0, err
	}
	statuses, err := s.store.LoadStatus()
	if err != nil {
		return nil, nil, 0, err
	}
	count, err := s.store.LoadCount()
	if err != nil {
		return nil, nil, 0, err
	}
	if err := s.store.Validate(jobs, statuses, count); err != nil {
		return nil, nil, 0, err
	}
	return jobs, statuses, count, nil
}

// reconcileAndSave loads the ledger, runs one reconciliation cycle, and
// atomically rewrites the status file with the result. It must be
// called with the lock held.
func (s *Supervisor) reconcileAndSave() (reconcile.Result, []ledger.Job, error) {
	jobs, statuses, _, err := s.loadLedger()
	if err != nil {
		return reconcile.Result{}, nil, err
	}
	result, err := s.recon.Reconcile(jobs, statuses)
	if err != nil {
		return reconcile.Result{}, nil, err
	}
	if s.opts.Verbose {
		for i, old := range statuses {
			if next := result.Statuses[i]; next.State != old.State {
				logger.InfoF("job %d (%s): %s -> %s", old.CurrentID, jobs[i].InternalName, old.State, next.State)
			}
		}
	}
	if err := s.store.SaveStatus(result.Statuses); err != nil {
		return reconcile.Result{}, nil, err
	}
	s.logTallies(result.Tallies)
	return result, jobs, nil
}

func (s *Supervisor) logTallies(t reconcile.Tallies) {
	logger.InfoF("pend=%d run=%d done=%d fail=%d retriable=%d", t.NumPend, t.NumRun, t.NumDone, t.NumFail, t.NumRetriable)
}

func readCommands(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var cmds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmds = append(cmds, line)
	}
	return cmds, scanner.Err()
}

// Push submits every command in inputFile as an independent job under
// queue, records the ledger, and refuses if the job list already has
// ledger files.
func (s *Supervisor) Push(ctx context.Context, queue, params, inputFile string) error {
	if s.opts.reconcileOptions().QueueIndex(queue) < 0 {
		return newUsageError(fmt.Sprintf("unknown queue %q", queue))
	}
	if s.store.Exists() {
		return errAlreadyExists.Err(s.jobList)
	}
	if err := s.probeScheduler(); err != nil {
		return err
	}

	commands, err := readCommands(inputFile)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return newUsageError(fmt.Sprintf("%s has no commands", inputFile))
	}

	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return err
	}
	defer func() { _ = s.lk.Release() }()

	if err := s.store.Init(); err != nil {
		return err
	}

	jobs := make([]ledger.Job, len(commands))
	statuses := make([]ledger.JobStatus, len(commands))
	for i, cmd := range commands {
		bucket := i/s.opts.MaxOutFilesPerDir + 1
		internalName := fmt.Sprintf("%s/%d/o.%d", s.jobList, bucket, i)
		if err := os.MkdirAll(filepath.Dir(internalName), 0755); err != nil {
			return err
		}
		id, err := s.sched.Submit(ctx, queue, params, internalName, cmd)
		if err != nil {
			return newSchedulerError(fmt.Sprintf("submit job %d: %v", i, err))
		}
		jobs[i] = ledger.Job{CurrentID: id, InternalName: internalName, Queue: queue, Command: cmd}
		statuses[i] = ledger.JobStatus{CurrentID: id, InternalName: internalName, State: ledger.Pend, Runtime: -1}
	}

	if err := s.store.SaveCatalog(jobs); err != nil {
		return err
	}
	if err := s.store.SaveStatus(statuses); err != nil {
		return err
	}
	if err := s.store.SaveParams(params); err != nil {
		return err
	}
	return s.store.SaveCount(len(jobs))
}

// Make pushes then waits, returning wait's final exit code.
func (s *Supervisor) Make(ctx context.Context, queue, params, inputFile string) (int, error) {
	if err := s.Push(ctx, queue, params, inputFile); err != nil {
		return 0, err
	}
	return s.Wait(ctx)
}

// resubmitCrashed resubmits every job named in result.Resubmit, deleting
// its prior output file and replacing its ID in both the catalog and
// the status slice. Caller must hold the lock.
func (s *Supervisor) resubmitCrashed(ctx context.Context, jobs []ledger.Job, result reconcile.Result) error {
	if len(result.Resubmit) == 0 {
		return nil
	}
	params, err := s.store.LoadParams()
	if err != nil {
		return err
	}
	statuses := result.Statuses
	for _, r := range result.Resubmit {
		job := jobs[r.JobIndex]
		if err := os.Remove(job.InternalName); err != nil && !os.IsNotExist(err) {
			logger.WarnF("pushCrashed: could not remove old output file %s: %v", job.InternalName, err)
		}

		newID, err := s.sched.Submit(ctx, r.NewQueue, params, job.InternalName, job.Command)
		if err != nil {
			return newSchedulerError(fmt.Sprintf("resubmit job %d: %v", job.CurrentID, err))
		}

		job.CurrentID = newID
		job.Queue = r.NewQueue
		jobs[r.JobIndex] = job

		st := statuses[r.JobIndex]
		st.CurrentID = newID
		st.State = ledger.Pend
		statuses[r.JobIndex] = st
	}

	if err := s.store.SaveCatalog(jobs); err != nil {
		return err
	}
	return s.store.SaveStatus(statuses)
}

// PushCrashed reconciles once and resubmits whatever it finds retriable.
// The reconciled status file is saved even when nothing is retriable.
func (s *Supervisor) PushCrashed(ctx context.Context) (reconcile.Result, error) {
	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return reconcile.Result{}, err
	}
	defer func() { _ = s.lk.Release() }()

	result, jobs, err := s.reconcileAndSave()
	if err != nil {
		return reconcile.Result{}, err
	}
	if err := s.resubmitCrashed(ctx, jobs, result); err != nil {
		return reconcile.Result{}, err
	}
	return result, nil
}

// Wait polls the scheduler until every job is done or terminally
// failed, resubmitting retriable crashes along the way. It returns the
// final exit code: 0 on success, nonzero on hard failure. Suspension is
// modeled as a lifecycle.Component so SIGINT/SIGTERM releases the lock
// and exits cleanly mid-poll.
func (s *Supervisor) Wait(ctx context.Context) (int, error) {
	if err := s.probeScheduler(); err != nil {
		return 0, err
	}
	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return 0, err
	}
	// SimpleComponentManager.Stop only runs a component's StopFunc (and
	// so AfterStop) when the component's state is Running; a StartFunc
	// that returns an error (context cancellation, reconcile failure)
	// leaves the component in the Error state instead, which would skip
	// AfterStop and leak this lock. Release unconditionally on every
	// path out of Wait rather than depending on that callback.
	defer func() { _ = s.lk.Release() }()

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	resultCode := 0

	comp := &lifecycle.SimpleComponent{
		CompId: "wait-loop:" + s.jobList,
		StartFunc: func() error {
			cycles := 0
			for {
				select {
				case <-stopCh:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				result, jobs, err := s.reconcileAndSave()
				if err != nil {
					return err
				}

				switch result.AllDone {
				case reconcile.AllDoneSuccess:
					fmt.Println("ALL JOBS SUCCEEDED")
					logger.Info("ALL JOBS SUCCEEDED")
					return nil
				case reconcile.AllDoneHardFail:
					resultCode = 1
					fmt.Println("CRASHED")
					logger.Error("CRASHED")
					return nil
				}

				if len(result.Resubmit) > 0 {
					if err := s.resubmitCrashed(ctx, jobs, result); err != nil {
						return err
					}
				}

				sleep := s.opts.SleepShort
				if cycles >= s.opts.FastCycles {
					sleep = s.opts.SleepLong
				}
				cycles++

				select {
				case <-stopCh:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(sleep):
				}
			}
		},
		StopFunc: func() error {
			stopOnce.Do(func() { close(stopCh) })
			return nil
		},
		BeforeStop: func() {
			logger.Info("wait: stop requested, finishing current cycle")
		},
		AfterStop: func(error) {
			_ = s.lk.Release()
		},
	}

	mgr := lifecycle.NewSimpleComponentManager()
	mgr.Register(comp)

	if err := mgr.Start(comp.CompId); err != nil {
		_ = mgr.StopAll()
		return 0, err
	}
	_ = mgr.StopAll()

	return resultCode, nil
}

// Check runs one reconciliation and returns its result for the caller
// to print and translate into an exit code.
func (s *Supervisor) Check() (reconcile.Result, error) {
	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return reconcile.Result{}, err
	}
	defer func() { _ = s.lk.Release() }()

	result, _, err := s.reconcileAndSave()
	return result, err
}

func (s *Supervisor) stopOrChill(includeRun bool) error {
	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return err
	}
	defer func() { _ = s.lk.Release() }()

	result, jobs, err := s.reconcileAndSave()
	if err != nil {
		return err
	}

	multi := errutils.NewMultiErr(nil)
	for i, st := range result.Statuses {
		if st.State == ledger.Pend || (includeRun && st.State == ledger.Run) {
			if err := s.sched.Cancel(st.CurrentID); err != nil {
				multi.Add(fmt.Errorf("cancel job %d (%s): %w", st.CurrentID, jobs[i].InternalName, err))
			}
		}
	}
	if multi.HasErrors() {
		logger.WarnF("cancellation failures:%s%s", textutils.NewLineString, multi.Error())
	}
	return nil
}

// Stop reconciles then cancels every PEND and RUN job.
func (s *Supervisor) Stop() error { return s.stopOrChill(true) }

// Chill reconciles then cancels every PEND job, leaving RUN jobs alone.
func (s *Supervisor) Chill() error { return s.stopOrChill(false) }

// TimeReport summarizes runtime statistics across a job list.
type TimeReport struct {
	Sum         int
	Mean        int
	MaxFinished int
	MaxRunning  int
	ETA         float64
	NumPend     int
	NumRun      int
}

// Time reconciles, re-queries History for every RUN job's live runtime,
// and computes aggregate statistics plus an ETA.
func (s *Supervisor) Time() (TimeReport, error) {
	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return TimeReport{}, err
	}
	defer func() { _ = s.lk.Release() }()

	result, _, err := s.reconcileAndSave()
	if err != nil {
		return TimeReport{}, err
	}

	var sum, maxFinished, maxRunning, numDone int
	for _, st := range result.Statuses {
		switch st.State {
		case ledger.Done:
			sum += st.Runtime
			numDone++
			if st.Runtime > maxFinished {
				maxFinished = st.Runtime
			}
		case ledger.Run:
			hist, err := s.sched.History(st.CurrentID)
			if err != nil {
				logger.WarnF("time: could not query history for running job %d: %v", st.CurrentID, err)
				continue
			}
			runtime := int(time.Since(hist.StartTime).Seconds())
			if runtime > maxRunning {
				maxRunning = runtime
			}
		}
	}

	mean := 0
	if numDone > 0 {
		mean = sum / numDone
	}
	eta := 0.0
	if result.Tallies.NumRun > 0 {
		eta = float64(mean) * float64(result.Tallies.NumPend+result.Tallies.NumRun) / float64(result.Tallies.NumRun)
	}

	return TimeReport{
		Sum:         sum,
		Mean:        mean,
		MaxFinished: maxFinished,
		MaxRunning:  maxRunning,
		ETA:         eta,
		NumPend:     result.Tallies.NumPend,
		NumRun:      result.Tallies.NumRun,
	}, nil
}

// Crashed reconciles, then writes the command of every EXIT job to
// outputPath, one per line.
func (s *Supervisor) Crashed(outputPath string) error {
	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return err
	}
	defer func() { _ = s.lk.Release() }()

	result, jobs, err := s.reconcileAndSave()
	if err != nil {
		return err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)
	for i, st := range result.Statuses {
		if st.State == ledger.Exit {
			fmt.Fprintln(w, jobs[i].Command)
		}
	}
	return w.Flush()
}

// Clean refuses while any job is RUN or PEND; otherwise it deletes
// every scheduler output file, the ledger directory, and its backups.
func (s *Supervisor) Clean() error {
	if err := s.lk.Acquire(lockTimeout, lockPoll); err != nil {
		return err
	}
	defer func() { _ = s.lk.Release() }()

	jobs, statuses, _, err := s.loadLedger()
	if err != nil {
		return err
	}
	for _, st := range statuses {
		if st.State == ledger.Run || st.State == ledger.Pend {
			return errJobsStillLive.Err(s.jobList)
		}
	}

	for _, job := range jobs {
		if err := os.Remove(job.InternalName); err != nil && !os.IsNotExist(err) {
			logger.WarnF("clean: could not remove output file %s: %v", job.InternalName, err)
		}
	}
	return s.store.RemoveAll()
}

// QueueBreakdown is one queue's per-state job counts for Report.
type QueueBreakdown struct {
	Queue   string
	NumPend int
	NumRun  int
	NumDone int
	NumExit int
}

// Report reconciles without persisting the result and returns a
// per-queue breakdown alongside the overall tallies. It never rewrites
// the ledger: readers outside a mutating action only ever observe a
// before-or-after image of the status file, never a torn one, so a
// plain read is sufficient here.
func (s *Supervisor) Report() ([]QueueBreakdown, reconcile.Tallies, error) {
	jobs, statuses, _, err := s.loadLedger()
	if err != nil {
		return nil, reconcile.Tallies{}, err
	}
	result, err := s.recon.Reconcile(jobs, statuses)
	if err != nil {
		return nil, reconcile.Tallies{}, err
	}

	byQueue := make(map[string]*QueueBreakdown)
	var order []string
	for i, st := range result.Statuses {
		q := jobs[i].Queue
		b, ok := byQueue[q]
		if !ok {
			b = &QueueBreakdown{Queue: q}
			byQueue[q] = b
			order = append(order, q)
		}
		switch st.State {
		case ledger.Pend:
			b.NumPend++
		case ledger.Run:
			b.NumRun++
		case ledger.Done:
			b.NumDone++
		case ledger.Exit:
			b.NumExit++
		}
	}
	sort.Strings(order)

	breakdown := make([]QueueBreakdown, 0, len(order))
	for _, q := range order {
		breakdown = append(breakdown, *byQueue[q])
	}
	return breakdown, result.Tallies, nil
}

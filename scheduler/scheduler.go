// Package scheduler adapts an LSF-family cluster scheduler's textual
// command-line interface (bsub/bjobs/bhist/bkill) into typed Go calls.
// String-based tabular parsing of the scheduler's output is isolated
// entirely in this package; every other package in this module consumes
// the typed records defined here.
package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nandlabs/batchsuper/clients"
	"github.com/nandlabs/batchsuper/errutils"
	"github.com/nandlabs/batchsuper/l3"
)

var logger = l3.Get()

// JobState mirrors the scheduler's own job states.
type JobState string

const (
	Pend JobState = "PEND"
	Run  JobState = "RUN"
	Done JobState = "DONE"
	Exit JobState = "EXIT"
)

// TerminationKind classifies why a finished job stopped running.
type TerminationKind int

const (
	OtherFailure TerminationKind = iota
	Success
	RuntimeLimit
)

const (
	runLimitMarker = "TERM_RUNLIMIT: job killed after reaching LSF run time limit"
	successMarker  = "Successfully completed."
	busyMarker     = "Batch system is down or busy now"
)

var (
	ErrSubmitFailed    = errutils.NewCustomError("scheduler: submit failed: %s")
	ErrNonNumericJobID = errutils.NewCustomError("scheduler: submit returned a non-numeric job id: %q")
	ErrSchedulerUnavailable = errutils.NewCustomError("scheduler: %s not found on PATH: %w")
)

// Options configures an Adapter's invocation of the scheduler binaries
// and its resilience to transient "scheduler busy" responses.
type Options struct {
	SubmitCmd  string // default "bsub"
	QueryCmd   string // default "bjobs"
	HistoryCmd string // default "bhist"
	CancelCmd  string // default "bkill"

	// User filters bjobs/bhist output to this user's jobs, mirroring -u.
	User string

	// BatchQuerySize is the max number of job IDs queried in one bjobs call.
	BatchQuerySize int

	// Busy is the retry policy applied when the scheduler reports itself
	// busy; fixed backoff, retried indefinitely by the caller.
	Busy clients.RetryInfo
}

// DefaultOptions returns the LSF defaults from the scheduler contract.
func DefaultOptions() Options {
	return Options{
		SubmitCmd:      "bsub",
		QueryCmd:       "bjobs",
		HistoryCmd:     "bhist",
		CancelCmd:      "bkill",
		BatchQuerySize: 1000,
		Busy: clients.RetryInfo{
			Wait: 180 * 1000, // 180s, matches BusyBackoff default
		},
	}
}

// Adapter wraps the scheduler's command-line tools.
type Adapter struct {
	opts Options
	run  func(name string, args ...string) ([]byte, error)
}

// New creates an Adapter bound to the given options.
func New(opts Options) *Adapter {
	return &Adapter{opts: opts, run: runCommand}
}

// NewWithRunner returns an Adapter that invokes run instead of exec.Command,
// for tests that need to stand in a fake scheduler binary.
func NewWithRunner(opts Options, run func(name string, args ...string) ([]byte, error)) *Adapter {
	return &Adapter{opts: opts, run: run}
}

func runCommand(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	return out, err
}

// Probe fails fast with ErrSchedulerUnavailable if any of the four
// scheduler binaries are missing from PATH, so a misconfigured head
// host is caught before a long poll loop starts.
func (a *Adapter) Probe() error {
	for _, name := range []string{a.opts.SubmitCmd, a.opts.QueryCmd, a.opts.HistoryCmd, a.opts.CancelCmd} {
		if _, err := exec.LookPath(name); err != nil {
			return ErrSchedulerUnavailable.Err(name, err)
		}
	}
	return nil
}

// QueryResult holds the scheduler's observed states for a batch of IDs.
type QueryResult struct {
	States  map[int]JobState
	Missing []int
}

// History is the parsed start/end record for one job. History does not
// set Kind, so it stays at its zero value.
type History struct {
	StartTime time.Time
	EndTime   time.Time
	Kind      TerminationKind
}

// Submit shell-escapes command and submits it to queue, returning the
// scheduler-assigned job ID. command is wrapped so that shell
// metacharacters survive the scheduler's own re-invocation of a shell:
// commands containing any of !$^&*(){}"'? are run via `sh -c '<escaped>'`
// with embedded single quotes escaped to survive both shells; anything
// else is simply double-quoted.
func (a *Adapter) Submit(ctx context.Context, queue string, params string, outputPath string, command string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	payload := escapeCommand(command)

	args := []string{"-q", queue, "-o", outputPath}
	if params != "" {
		args = append(args, strings.Fields(params)...)
	}
	args = append(args, payload)

	out, err := a.run(a.opts.SubmitCmd, args...)
	if err != nil {
		return 0, ErrSubmitFailed.Err(strings.TrimSpace(string(out)))
	}
	id, perr := parseJobID(string(out))
	if perr != nil {
		return 0, ErrNonNumericJobID.Err(strings.TrimSpace(string(out)))
	}
	return id, nil
}

// metaChars are the shell characters that force the sh -c wrapping path.
const metaChars = `!$^&*(){}"'?`

func needsShellWrap(command string) bool {
	return strings.ContainsAny(command, metaChars)
}

func escapeCommand(command string) string {
	if !needsShellWrap(command) {
		return `"` + command + `"`
	}
	// Escape embedded single quotes so the payload survives both the
	// outer shell's single-quoted argument and the scheduler's own
	// re-invocation of `sh -c`.
	escaped := strings.ReplaceAll(command, `'`, `'\''`)
	return `sh -c '` + escaped + `'`
}

// parseJobID extracts the numeric job ID from a submit response such as
// "Job <12345> is submitted to queue <short>.".
func parseJobID(output string) (int, error) {
	start := strings.Index(output, "<")
	end := strings.Index(output, ">")
	if start < 0 || end < 0 || end <= start {
		return 0, fmt.Errorf("no job id found in %q", output)
	}
	return strconv.Atoi(output[start+1 : end])
}

// Query reports the current state of each of the given IDs, splitting
// them into BatchQuerySize-sized chunks. IDs the scheduler no longer
// recognises are returned in Missing. If the scheduler reports itself
// busy, Query sleeps per a.opts.Busy and retries indefinitely.
func (a *Adapter) Query(ids []int) (QueryResult, error) {
	result := QueryResult{States: make(map[int]JobState)}
	size := a.opts.BatchQuerySize
	if size <= 0 {
		size = 1000
	}

	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		if err := a.queryChunk(chunk, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (a *Adapter) queryChunk(chunk []int, result *QueryResult) error {
	args := []string{}
	if a.opts.User != "" {
		args = append(args, "-u", a.opts.User)
	}
	for _, id := range chunk {
		args = append(args, strconv.Itoa(id))
	}

	for attempt := 0; ; attempt++ {
		out, err := a.run(a.opts.QueryCmd, args...)
		text := string(out)
		if strings.Contains(text, busyMarker) {
			wait := a.opts.Busy.WaitTime(0)
			logger.WarnF("scheduler busy, retrying query in %s", wait)
			time.Sleep(wait)
			continue
		}
		if err != nil {
			logger.ErrorF("bjobs failed: %v: %s", err, text)
		}
		seen := parseQueryOutput(text)
		for _, id := range chunk {
			if state, ok := seen[id]; ok {
				result.States[id] = state
			} else {
				result.Missing = append(result.Missing, id)
			}
		}
		return nil
	}
}

// parseQueryOutput parses bjobs tabular output into a map of job ID to
// state. Lines that don't parse as "<id> ... <STATE> ..." are skipped;
// a malformed status line is a transient adapter parse failure, logged
// and otherwise ignored for this cycle.
func parseQueryOutput(text string) map[int]JobState {
	states := make(map[int]JobState)
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		state := JobState(fields[2])
		switch state {
		case Pend, Run, Done, Exit:
			states[id] = state
		default:
			logger.WarnF("scheduler: unrecognized state %q for job %d, ignoring for this cycle", fields[2], id)
		}
	}
	return states
}

// History consults the scheduler's history for a job that either fell
// out of Query or needs a runtime extracted. It prefers the "live"
// history query and falls back to the slower archived query if the
// live one reports the job unknown.
func (a *Adapter) History(id int) (History, error) {
	h, err := a.historyQuery(id, false)
	if err == nil {
		return h, nil
	}
	return a.historyQuery(id, true)
}

func (a *Adapter) historyQuery(id int, archived bool) (History, error) {
	args := []string{}
	if archived {
		args = append(args, "-a")
	}
	args = append(args, strconv.Itoa(id))

	out, err := a.run(a.opts.HistoryCmd, args...)
	if err != nil {
		return History{}, fmt.Errorf("bhist failed for job %d: %w", id, err)
	}
	return parseHistory(string(out))
}

// parseHistory extracts start/end timestamps from bhist -l style
// output. It looks for "Started on <ts>" and "Completed <normally|
// abnormally> on <ts>" / "Exited on <ts>" patterns.
func parseHistory(text string) (History, error) {
	var h History
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "Started on"):
			if t, ok := extractTimestamp(line, "Started on"); ok {
				h.StartTime = t
			}
		case strings.Contains(line, "Completed") || strings.Contains(line, "Exited"):
			marker := "on"
			if t, ok := extractTimestamp(line, marker); ok {
				h.EndTime = t
			}
		}
	}
	if h.StartTime.IsZero() {
		return History{}, fmt.Errorf("job history not found")
	}
	return h, nil
}

// timeLayout matches the timestamp format LSF emits in bhist, e.g. "Jan  2 15:04:05".
const timeLayout = "Jan  2 15:04:05"

func extractTimestamp(line, marker string) (time.Time, bool) {
	idx := strings.LastIndex(line, marker)
	if idx < 0 {
		return time.Time{}, false
	}
	rest := strings.TrimSpace(line[idx+len(marker):])
	t, err := time.Parse(timeLayout, rest)
	if err != nil {
		return time.Time{}, false
	}
	return t.AddDate(time.Now().Year(), 0, 0), true
}

// Output reads the scheduler's per-job stdout/stderr file.
func (a *Adapter) Output(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Classify determines why a job finished based on its output text.
func Classify(output string) TerminationKind {
	switch {
	case strings.Contains(output, runLimitMarker):
		return RuntimeLimit
	case strings.Contains(output, successMarker):
		return Success
	default:
		return OtherFailure
	}
}

// Cancel best-effort cancels a job. Failure is logged, not fatal: the
// job may have already finished by the time Cancel is attempted.
func (a *Adapter) Cancel(id int) error {
	_, err := a.run(a.opts.CancelCmd, strconv.Itoa(id))
	if err != nil {
		logger.WarnF("scheduler: cancel of job %d failed (non-fatal): %v", id, err)
	}
	return err
}

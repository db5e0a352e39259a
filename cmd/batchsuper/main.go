// Command batchsuper drives a batch job list through a cluster scheduler:
// submit, poll, retry, and report, with the ledger as the single source
// of truth between invocations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nandlabs/batchsuper/cli"
	"github.com/nandlabs/batchsuper/clients"
	"github.com/nandlabs/batchsuper/l3"
	"github.com/nandlabs/batchsuper/reconcile"
	"github.com/nandlabs/batchsuper/scheduler"
	"github.com/nandlabs/batchsuper/supervisor"
)

var logger = l3.Get()

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	app := cli.NewCLI()
	app.AddVersion("1.0.0")

	defaults := supervisor.DefaultOptions()
	for _, cmd := range buildCommands(ctx, defaults) {
		app.AddCommand(cmd)
	}

	if err := app.Execute(); err != nil {
		logger.ErrorF("batchsuper: %v", err)
		fmt.Fprintf(os.Stderr, "batchsuper: %v\n", err)
		return 1
	}
	return exitCode
}

// exitCode lets an Action communicate a nonzero exit without abusing
// error for control flow; check sets it based on AllDone, wait based on
// its own return code.
var exitCode int

func sharedFlags(defaults supervisor.Options) []*cli.Flag {
	return []*cli.Flag{
		{Name: "queue", Aliases: []string{"q", "queue"}, Usage: "destination queue, one of the configured names", Default: firstQueue(defaults)},
		{Name: "parameters", Aliases: []string{"p", "parameters"}, Usage: "opaque extra submission parameters", Default: ""},
		{Name: "verbose", Aliases: []string{"v", "verbose"}, Usage: "log every per-job state transition", Default: "false", IsBool: true},
		{Name: "maxNumResubmission", Aliases: []string{"maxNumResubmission"}, Usage: "resubmission cap before a job is terminal", Default: strconv.Itoa(defaults.MaxResubmissions)},
		{Name: "noResubmitIfQueueMaxTimeExceeded", Aliases: []string{"noResubmitIfQueueMaxTimeExceeded"}, Usage: "treat a runtime-limit exit as terminal instead of promoting", Default: "false", IsBool: true},
		{Name: "resubmitToSameQueueIfQueueMaxTimeExceeded", Aliases: []string{"resubmitToSameQueueIfQueueMaxTimeExceeded"}, Usage: "retry a runtime-limit exit in the same queue instead of promoting", Default: "false", IsBool: true},
		{Name: "keepBackupFiles", Aliases: []string{"keepBackupFiles"}, Usage: "keep a versioned backup of each ledger file before every rewrite", Default: "false", IsBool: true},
	}
}

func firstQueue(o supervisor.Options) string {
	if len(o.Queues) == 0 {
		return ""
	}
	return o.Queues[0]
}

// resolveOptions layers a command's flags over the environment-derived
// defaults, then validates the two queue-max-time flags are not both set.
func resolveOptions(actx *cli.Context, defaults supervisor.Options) (supervisor.Options, error) {
	out := defaults

	if v, ok := actx.GetFlag("maxNumResubmission"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, newUsage(fmt.Sprintf("-maxNumResubmission: %v", err))
		}
		out.MaxResubmissions = n
	}
	out.NoResubmitOnLimit = flagTrue(actx, "noResubmitIfQueueMaxTimeExceeded")
	out.ResubmitToSameQueueOnLimit = flagTrue(actx, "resubmitToSameQueueIfQueueMaxTimeExceeded")
	if out.NoResubmitOnLimit && out.ResubmitToSameQueueOnLimit {
		return out, supervisor.ErrMutuallyExclusive()
	}
	out.Verbose = flagTrue(actx, "verbose")
	out.KeepBackupFiles = flagTrue(actx, "keepBackupFiles")

	return out, nil
}

func flagTrue(actx *cli.Context, name string) bool {
	v, ok := actx.GetFlag(name)
	return ok && v == "true"
}

func newUsage(detail string) error {
	return fmt.Errorf("usage: %s", detail)
}

// newSupervisor builds the scheduler adapter and Supervisor shared by
// every action: baseDir is the process's working directory, and the
// scheduler is filtered to $USER's jobs the way bjobs -u does natively.
func newSupervisor(jobList string, opts supervisor.Options) (*supervisor.Supervisor, error) {
	baseDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	schedOpts := scheduler.DefaultOptions()
	schedOpts.User = os.Getenv("USER")
	schedOpts.BatchQuerySize = opts.BatchQuerySize
	schedOpts.Busy = clients.RetryInfo{Wait: int(opts.BusyBackoff.Milliseconds())}

	sched := scheduler.New(schedOpts)
	return supervisor.New(baseDir, jobList, sched, opts), nil
}

type actionFunc func(ctx context.Context, actx *cli.Context, sup *supervisor.Supervisor, positional []string) error

// withAction wraps one supervisor action behind host/usage checks common
// to every command: resolve options, enforce the head-host pin, build
// the Supervisor, and require at least minArgs positional arguments
// beyond the job list name.
func withAction(parent context.Context, defaults supervisor.Options, minArgs int, fn actionFunc) func(*cli.Context) error {
	return func(actx *cli.Context) error {
		if len(actx.Positional) < 1+minArgs {
			return newUsage(fmt.Sprintf("missing required argument(s); have %v", actx.Positional))
		}
		jobList := actx.Positional[0]
		rest := actx.Positional[1:]

		opts, err := resolveOptions(actx, defaults)
		if err != nil {
			return err
		}

		sup, err := newSupervisor(jobList, opts)
		if err != nil {
			return err
		}
		if err := sup.CheckHost(); err != nil {
			return err
		}

		return fn(parent, actx, sup, rest)
	}
}

func buildCommands(ctx context.Context, defaults supervisor.Options) []*cli.Command {
	flags := sharedFlags(defaults)

	push := cli.NewCommand("push", "submit every command in a file as a new job list", "1.0.0",
		withAction(ctx, defaults, 1, func(ctx context.Context, actx *cli.Context, sup *supervisor.Supervisor, rest []string) error {
			queue, _ := actx.GetFlag("queue")
			params, _ := actx.GetFlag("parameters")
			return sup.Push(ctx, queue, params, rest[0])
		}))
	push.Flags = flags

	makeCmd := cli.NewCommand("make", "push then wait, in one invocation", "1.0.0",
		withAction(ctx, defaults, 1, func(ctx context.Context, actx *cli.Context, sup *supervisor.Supervisor, rest []string) error {
			queue, _ := actx.GetFlag("queue")
			params, _ := actx.GetFlag("parameters")
			code, err := sup.Make(ctx, queue, params, rest[0])
			exitCode = code
			return err
		}))
	makeCmd.Flags = flags

	pushCrashed := cli.NewCommand("pushCrashed", "reconcile once and resubmit whatever is retriable", "1.0.0",
		withAction(ctx, defaults, 0, func(ctx context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			_, err := sup.PushCrashed(ctx)
			return err
		}))
	pushCrashed.Flags = flags

	wait := cli.NewCommand("wait", "poll until every job is done or terminally failed", "1.0.0",
		withAction(ctx, defaults, 0, func(ctx context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			code, err := sup.Wait(ctx)
			exitCode = code
			return err
		}))
	wait.Flags = flags

	check := cli.NewCommand("check", "run one reconciliation cycle and report status", "1.0.0",
		withAction(ctx, defaults, 0, func(_ context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			result, err := sup.Check()
			if err != nil {
				return err
			}
			printTallies(result.Tallies)
			if result.AllDone == reconcile.AllDoneSuccess {
				exitCode = 0
			} else {
				exitCode = 1
			}
			return nil
		}))
	check.Flags = flags

	stop := cli.NewCommand("stop", "reconcile then cancel every PEND and RUN job", "1.0.0",
		withAction(ctx, defaults, 0, func(_ context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			return sup.Stop()
		}))
	stop.Flags = flags

	chill := cli.NewCommand("chill", "reconcile then cancel every PEND job, leaving RUN jobs alone", "1.0.0",
		withAction(ctx, defaults, 0, func(_ context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			return sup.Chill()
		}))
	chill.Flags = flags

	timeCmd := cli.NewCommand("time", "report runtime statistics and an ETA", "1.0.0",
		withAction(ctx, defaults, 0, func(_ context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			report, err := sup.Time()
			if err != nil {
				return err
			}
			fmt.Printf("sum=%ds mean=%ds maxFinished=%ds maxRunning=%ds eta=%.0fs pend=%d run=%d\n",
				report.Sum, report.Mean, report.MaxFinished, report.MaxRunning, report.ETA, report.NumPend, report.NumRun)
			return nil
		}))
	timeCmd.Flags = flags

	crashed := cli.NewCommand("crashed", "write every hard-failed job's command to a file", "1.0.0",
		withAction(ctx, defaults, 1, func(_ context.Context, _ *cli.Context, sup *supervisor.Supervisor, rest []string) error {
			return sup.Crashed(rest[0])
		}))
	crashed.Flags = flags

	clean := cli.NewCommand("clean", "remove a finished job list's ledger and output files", "1.0.0",
		withAction(ctx, defaults, 0, func(_ context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			return sup.Clean()
		}))
	clean.Flags = flags

	report := cli.NewCommand("report", "reconcile without saving and print a per-queue breakdown", "1.0.0",
		withAction(ctx, defaults, 0, func(_ context.Context, _ *cli.Context, sup *supervisor.Supervisor, _ []string) error {
			breakdown, tallies, err := sup.Report()
			if err != nil {
				return err
			}
			for _, b := range breakdown {
				fmt.Printf("%-10s pend=%d run=%d done=%d exit=%d\n", b.Queue, b.NumPend, b.NumRun, b.NumDone, b.NumExit)
			}
			printTallies(tallies)
			return nil
		}))
	report.Flags = flags

	return []*cli.Command{push, makeCmd, pushCrashed, wait, check, stop, chill, timeCmd, crashed, clean, report}
}

func printTallies(t reconcile.Tallies) {
	fmt.Printf("pend=%d run=%d done=%d fail=%d retriable=%d\n", t.NumPend, t.NumRun, t.NumDone, t.NumFail, t.NumRetriable)
}

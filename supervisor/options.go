package supervisor

import (
	"time"

	"github.com/nandlabs/batchsuper/config"
	"github.com/nandlabs/batchsuper/reconcile"
)

// Options carries every supervisor tunable as a plain value, overridable
// via BATCHSUPER_-prefixed environment variables the way l3's own
// defaults are read from GC_LOG_* (see l3.loadDefaultConfig). No
// constructor ever reads an environment variable on its own; only
// DefaultOptions does, once, at startup.
type Options struct {
	// Queues is the ordered list of queue names, shortest wall-clock
	// limit first. Promotion moves a job from index i to i+1.
	Queues []string
	// MaxResubmissions caps a job's FailCount: a job whose FailCount
	// reaches it after an EXIT is treated as terminal, so it is
	// resubmitted at most MaxResubmissions-1 times.
	MaxResubmissions int
	// NoResubmitOnLimit forces a runtime-limit exit straight to
	// terminal regardless of FailCount.
	NoResubmitOnLimit bool
	// ResubmitToSameQueueOnLimit disables queue promotion on a
	// runtime-limit exit, retrying in the same queue instead.
	ResubmitToSameQueueOnLimit bool
	// SleepShort is the poll interval for the first FastCycles
	// iterations of a wait loop.
	SleepShort time.Duration
	// SleepLong is the poll interval once FastCycles has elapsed.
	SleepLong time.Duration
	// FastCycles is how many SleepShort iterations precede the
	// switch to SleepLong.
	FastCycles int
	// BusyBackoff is the scheduler adapter's fixed wait when the
	// scheduler reports itself busy.
	BusyBackoff time.Duration
	// BatchQuerySize caps how many job IDs are queried per scheduler
	// round-trip.
	BatchQuerySize int
	// MaxOutFilesPerDir caps how many per-job output files share one
	// bucket directory under the job list's output tree.
	MaxOutFilesPerDir int
	// HeadHost is the only hostname (as reported by $HOSTNAME) the
	// supervisor will run on. Empty disables the check, useful for
	// tests.
	HeadHost string
	// KeepBackupFiles enables versioned ledger backups before every
	// rewrite.
	KeepBackupFiles bool
	// Verbose prints each per-job transition, not just cycle tallies.
	Verbose bool
}

// DefaultOptions returns the supervisor's built-in defaults, each
// overridable by its BATCHSUPER_* environment variable.
func DefaultOptions() Options {
	sleepShort, _ := config.GetEnvAsInt("BATCHSUPER_SLEEP_SHORT", 45)
	sleepLong, _ := config.GetEnvAsInt("BATCHSUPER_SLEEP_LONG", 90)
	fastCycles, _ := config.GetEnvAsInt("BATCHSUPER_FAST_CYCLES", 10)
	busyBackoff, _ := config.GetEnvAsInt("BATCHSUPER_BUSY_BACKOFF", 180)
	maxResubmissions, _ := config.GetEnvAsInt("BATCHSUPER_MAX_RESUBMISSIONS", 3)
	batchQuerySize, _ := config.GetEnvAsInt("BATCHSUPER_BATCH_QUERY_SIZE", 1000)
	maxOutFilesPerDir, _ := config.GetEnvAsInt("BATCHSUPER_MAX_OUT_FILES_PER_DIR", 1000)
	headHost := config.GetEnvAsString("BATCHSUPER_HEAD_HOST", "")

	return Options{
		Queues:            []string{"short", "medium", "long"},
		MaxResubmissions:  maxResubmissions,
		SleepShort:        time.Duration(sleepShort) * time.Second,
		SleepLong:         time.Duration(sleepLong) * time.Second,
		FastCycles:        fastCycles,
		BusyBackoff:       time.Duration(busyBackoff) * time.Second,
		BatchQuerySize:    batchQuerySize,
		MaxOutFilesPerDir: maxOutFilesPerDir,
		HeadHost:          headHost,
	}
}

func (o Options) reconcileOptions() reconcile.Options {
	return reconcile.Options{
		MaxResubmissions:           o.MaxResubmissions,
		Queues:                     o.Queues,
		NoResubmitOnLimit:          o.NoResubmitOnLimit,
		ResubmitToSameQueueOnLimit: o.ResubmitToSameQueueOnLimit,
		BatchQuerySize:             o.BatchQuerySize,
	}
}

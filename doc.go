// Package batchsuper supervises batch jobs running on an LSF-family
// cluster scheduler: it submits opaque shell commands as independent
// jobs, tracks them through a persistent ledger, retries crashed jobs
// up to a cap, and promotes jobs across queues on wall-clock timeout.
//
// The domain packages are independently importable:
//
//	import "github.com/nandlabs/batchsuper/scheduler"  // bsub/bjobs/bhist/bkill adapter
//	import "github.com/nandlabs/batchsuper/ledger"     // persistent job ledger
//	import "github.com/nandlabs/batchsuper/lock"       // exclusive job-list lock
//	import "github.com/nandlabs/batchsuper/reconcile"  // state transition table
//	import "github.com/nandlabs/batchsuper/supervisor" // make/push/wait/check/stop/...
//
// alongside the ambient packages carried over from this module's origin
// as a general-purpose Go library: l3 (logging), errutils (error
// aggregation), cli (command dispatch), clients (retry/backoff),
// lifecycle (component start/stop), collections, codec, and config.
package batchsuper

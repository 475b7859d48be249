// Package workerpool runs tasks on a bounded pool of isolated workers.
//
// # Overview
//
// A [Pool] creates workers lazily, up to [Size].StretchTo, and runs one task
// at a time on each. Every new worker first runs the bootstrap entry point
// ([EntryInstall]): it installs the pool environment with the pipeline
// package inside the worker, exposes variables and functions and runs the
// post-install tasks. Progress events of the bootstrap are re-published on
// [Pool.Events], tagged with the worker id.
//
//	pool := workerpool.New(workerpool.Options{
//	    Backend: cfg.BackendURLs(),
//	    Install: pipeline.Request{ESM: pipeline.ESM{Modules: []string{"rxjs#^7.0.0"}}},
//	    Size:    workerpool.Size{StartAt: 1, StretchTo: 3},
//	})
//	defer pool.Terminate()
//
//	messages, err := pool.Schedule(ctx, workerpool.ScheduleInput{
//	    Title:      "symbols",
//	    EntryPoint: workerpool.EntrySymbols,
//	})
//	exit, err := messages.First(ctx, workerpool.Message.IsTerminal)
//
// # Scheduling
//
// A task with a TargetWorkerID waits in the queue of that worker. Other
// tasks go to the first idle worker, else to a new worker while the pool
// may grow, else to a shared FIFO queue. A released worker serves its own
// queue before the shared one. Every task stream ends with exactly one
// Exit message, including when the worker fails or the pool is terminated.
//
// # Protocol
//
// The pool and a worker only exchange [Message] values encoded as JSON
// ({"type": ..., "data": {...}}), one per line. Entry points are referred
// to by name and resolved in the [Entries] of the worker. The [InProcess]
// factory runs workers as goroutines; [Process] runs them as subprocesses
// of the "webpm worker" command, which calls [ServeStdio].
package workerpool

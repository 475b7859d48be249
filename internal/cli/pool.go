package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/webpm/pkg/pipeline"
	"github.com/matzehuels/webpm/pkg/workerpool"
)

// workerIDEnv is set by the process factory for every worker.
const workerIDEnv = "WEBPM_WORKER_ID"

type poolOpts struct {
	entry     string
	args      string
	tasks     int
	startAt   int
	stretchTo int
	inProcess bool
	partition string
	variables map[string]string
}

func (c *CLI) poolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Run tasks on a pool of installed workers",
	}
	cmd.AddCommand(c.poolRunCommand())
	cmd.AddCommand(c.poolEntriesCommand())
	return cmd
}

func (c *CLI) poolRunCommand() *cobra.Command {
	opts := poolOpts{entry: workerpool.EntryEcho, tasks: 1}

	cmd := &cobra.Command{
		Use:   "run [name#range ...]",
		Short: "Install the modules in every worker and run tasks",
		Long: `Run creates a worker pool whose workers first install the given modules,
then schedules the tasks on it and prints their results. Workers are webpm
subprocesses unless --in-process is set.`,
		Example: `  webpm pool run "rxjs#^7.0.0" --entry webpm.symbols
  webpm pool run --entry webpm.echo --args '{"n": 1}' --tasks 8 --stretch-to 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.tasks < 1 {
				return fmt.Errorf("--tasks must be at least 1")
			}
			if opts.args != "" && !json.Valid([]byte(opts.args)) {
				return fmt.Errorf("--args is not valid JSON")
			}
			return c.runPool(cmd.Context(), args, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.entry, "entry", "e", opts.entry, "entry point of the tasks")
	f.StringVar(&opts.args, "args", "", "JSON arguments of every task")
	f.IntVarP(&opts.tasks, "tasks", "n", opts.tasks, "number of tasks")
	f.IntVar(&opts.startAt, "start-at", -1, "workers created upfront (default: config pool.startAt)")
	f.IntVar(&opts.stretchTo, "stretch-to", 0, "maximum number of workers (default: config pool.stretchTo)")
	f.BoolVar(&opts.inProcess, "in-process", false, "run workers as goroutines of this process")
	f.StringVar(&opts.partition, "partition", "", "backend partition of the workers")
	f.StringToStringVar(&opts.variables, "variable", nil, "name=value exposed to every task (repeatable)")

	return cmd
}

func (c *CLI) poolEntriesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List the entry points workers can run",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range workerpool.NewEntries().Names() {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}

func (c *CLI) runPool(ctx context.Context, modules []string, opts poolOpts) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	size := workerpool.Size{StartAt: cfg.Pool.StartAt, StretchTo: cfg.Pool.StretchTo}
	if opts.startAt >= 0 {
		size.StartAt = opts.startAt
	}
	if opts.stretchTo > 0 {
		size.StretchTo = opts.stretchTo
	}
	size.StartAt = min(size.StartAt, size.StretchTo)

	popts, cs, err := c.installerOptions(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cs.Close()

	var factory workerpool.Factory = workerpool.Process{Logger: c.Logger}
	if opts.inProcess {
		factory = workerpool.InProcess{Host: workerpool.HostOptions{Installer: popts, Logger: c.Logger}}
	}
	variables := make(map[string]any, len(opts.variables))
	for k, v := range opts.variables {
		variables[k] = v
	}

	prog := newProgress(c.Logger)
	pool := workerpool.New(workerpool.Options{
		Install:     pipeline.Request{ESM: pipeline.ESM{Modules: modules}},
		Backend:     popts.Backend,
		PartitionID: opts.partition,
		CrossOrigin: popts.CrossOrigin,
		Sessions:    popts.Sessions,
		Variables:   variables,
		Size:        size,
		Factory:     factory,
		Events:      eventLogger(c.Logger),
		Logger:      c.Logger,
	})
	defer pool.Terminate()

	if err := pool.Ready(ctx); err != nil {
		return err
	}

	var args any
	if opts.args != "" {
		args = json.RawMessage(opts.args)
	}
	results := make([]workerpool.Message, opts.tasks)
	failures := make([]error, opts.tasks)
	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.tasks {
		g.Go(func() error {
			results[i], failures[i] = pool.Run(gctx, workerpool.ScheduleInput{
				Title:      fmt.Sprintf("%s #%d", opts.entry, i+1),
				EntryPoint: opts.entry,
				Args:       args,
			})
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	prog.done(printer.Sprintf("Ran %d tasks", opts.tasks))

	printPoolResults(results, failures)
	printPoolWorkers(pool.Workers())
	for _, err := range failures {
		if err != nil {
			return fmt.Errorf("some tasks failed")
		}
	}
	return nil
}

func printPoolResults(results []workerpool.Message, failures []error) {
	rows := make([][]string, 0, len(results))
	for i, m := range results {
		status := StyleSuccess.Render(iconSuccess)
		result := strings.TrimSpace(string(m.Result))
		if failures[i] != nil {
			status = StyleError.Render(iconError)
			result = failures[i].Error()
		}
		if len(result) > 60 {
			result = result[:60] + "…"
		}
		rows = append(rows, []string{m.TaskID, m.WorkerID, status, result})
	}
	printTable([]string{"Task", "Worker", "", "Result"}, rows)
}

func printPoolWorkers(workers []workerpool.WorkerInfo) {
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, []string{w.ID, string(w.Status), printer.Sprintf("%d", w.Tasks)})
	}
	printTable([]string{"Worker", "Status", "Tasks"}, rows)
}

func (c *CLI) workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve a pool worker on the standard streams",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx).With("worker", os.Getenv(workerIDEnv))
			cfg, err := c.config()
			if err != nil {
				return err
			}
			popts, cs, err := c.installerOptions(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer cs.Close()
			popts.Logger = logger
			return workerpool.ServeStdio(ctx, workerpool.HostOptions{Installer: popts, Logger: logger})
		},
	}
}

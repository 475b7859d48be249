package workerpool

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/webpm/pkg/config"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/pipeline"
	"github.com/matzehuels/webpm/pkg/session"
)

// InstallArgs are the arguments of the bootstrap entry point. They carry
// everything a worker needs to rebuild the environment of the pool.
type InstallArgs struct {
	Backend          config.Backend   `json:"backendConfiguration"`
	PartitionID      string           `json:"backendsPartitionId"`
	CrossOrigin      string           `json:"crossOrigin,omitempty"`
	Session          *session.Cookie  `json:"session,omitempty"`
	Install          pipeline.Request `json:"cdnInstallation"`
	Variables        []Variable       `json:"variables"`
	Functions        []Function       `json:"functions"`
	PostInstallTasks []Task           `json:"postInstallTasks"`
}

// Variable is a value exposed to every task of a worker.
type Variable struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// Function exposes the entry point Target under ID.
type Function struct {
	ID     string `json:"id"`
	Target string `json:"target"`
}

// Task is a post-install task.
type Task struct {
	Title      string          `json:"title"`
	EntryPoint string          `json:"entryPoint"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// entryInstall installs the environment of a worker. It runs once per
// worker; later calls return immediately.
func entryInstall(ctx context.Context, in Input) (any, error) {
	h := in.Context.host
	h.install.Lock()
	defer h.install.Unlock()
	if in.Scope.Installed() {
		return nil, nil
	}

	var args InstallArgs
	if err := in.Bind(&args); err != nil {
		return nil, err
	}
	log := func(text string) {
		in.Context.Emit(events.Console(events.LevelInfo, events.ComponentWorker, text))
	}

	opts := h.opts.Installer
	opts.Backend = args.Backend
	opts.PartitionID = args.PartitionID
	opts.CrossOrigin = args.CrossOrigin
	opts.Events = in.Context
	if args.Session != nil {
		opts.Sessions = session.Static{Cookie: args.Session}
	}
	if opts.Logger == nil {
		opts.Logger = h.logger
	}
	inst := h.opts.NewInstaller(opts)

	log(fmt.Sprintf("Start install in worker %s", in.WorkerID))
	if _, err := inst.Install(ctx, args.Install); err != nil {
		return nil, err
	}

	log(fmt.Sprintf("Expose %d functions & %d variables.", len(args.Functions), len(args.Variables)))
	s := in.Scope
	s.mu.Lock()
	s.installer = inst
	for _, v := range args.Variables {
		s.variables[v.ID] = v.Value
	}
	var missing []string
	for _, f := range args.Functions {
		fn, ok := h.opts.Entries.Lookup(f.Target)
		if !ok {
			missing = append(missing, f.Target)
			continue
		}
		s.functions[f.ID] = fn
	}
	s.mu.Unlock()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEntryPoint, missing)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range args.PostInstallTasks {
		log(fmt.Sprintf("Execute post-install task '%s'", task.Title))
		fn, ok := h.opts.Entries.Lookup(task.EntryPoint)
		if !ok {
			return nil, fmt.Errorf("post-install task %s: %w: %s", task.Title, ErrUnknownEntryPoint, task.EntryPoint)
		}
		g.Go(func() error {
			_, err := h.run(gctx, fn, Input{
				Args:     task.Args,
				TaskID:   in.TaskID,
				WorkerID: in.WorkerID,
				Context:  in.Context,
				Scope:    s,
			})
			if err != nil {
				return fmt.Errorf("post-install task %s: %w", task.Title, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	in.Context.Info("Post install tasks done", nil)
	if err := in.Context.SendData(map[string]any{"type": "installEvent", "value": "install done"}); err != nil {
		return nil, err
	}
	log("Install done")

	s.mu.Lock()
	s.installed = true
	s.mu.Unlock()
	return nil, nil
}

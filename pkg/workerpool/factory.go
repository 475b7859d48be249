package workerpool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"
)

// Factory creates the workers of a pool.
type Factory interface {
	// Create starts the worker id and returns the pool end of its channel.
	Create(ctx context.Context, id string) (Conn, error)
}

// InProcess runs every worker in a goroutine of the current process. The
// pool and the worker only share JSON encoded messages, so a worker gets
// its own registry and scope exactly as a subprocess would.
type InProcess struct {
	Host HostOptions
}

// Create implements Factory.
func (f InProcess) Create(ctx context.Context, id string) (Conn, error) {
	toHostR, toHostW := io.Pipe()
	fromHostR, fromHostW := io.Pipe()
	opts := f.Host
	if opts.Logger != nil {
		opts.Logger = opts.Logger.With("worker", id)
	}
	go func() {
		err := Serve(context.WithoutCancel(ctx), NewConn(toHostR, fromHostW, nil), opts)
		fromHostW.CloseWithError(err)
	}()
	return NewConn(fromHostR, toHostW, closers{toHostW, fromHostR}), nil
}

// DefaultWorkerArgs are the arguments of the worker subprocess.
var DefaultWorkerArgs = []string{"worker"}

// Process runs every worker in a subprocess speaking newline-delimited
// JSON on its standard streams, by default the current executable with
// the "worker" command.
type Process struct {
	// Path of the executable; the current one when empty.
	Path string
	// Args; DefaultWorkerArgs when nil.
	Args []string
	// Env is appended to the environment of the current process.
	Env []string
	// Logger receives the stderr of the workers.
	Logger *log.Logger
	// StopTimeout bounds the wait for a worker to exit after its stdin is
	// closed; 2s when zero.
	StopTimeout time.Duration
}

// Create implements Factory.
func (f Process) Create(ctx context.Context, id string) (Conn, error) {
	path := f.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := f.Args
	if args == nil {
		args = DefaultWorkerArgs
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), f.Env...)
	cmd.Env = append(cmd.Env, "WEBPM_WORKER_ID="+id)
	if f.Logger != nil {
		cmd.Stderr = f.Logger.With("worker", id).StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel}).Writer()
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", id, err)
	}

	timeout := f.StopTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return NewConn(stdout, stdin, &process{cmd: cmd, stdin: stdin, timeout: timeout}), nil
}

type process struct {
	cmd     *exec.Cmd
	stdin   io.Closer
	timeout time.Duration
}

// Close closes stdin and waits for the worker, killing it after timeout.
func (p *process) Close() error {
	_ = p.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(p.timeout):
		_ = p.cmd.Process.Kill()
		return <-done
	}
}

package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	ossignal "os/signal"
	"syscall"

	"github.com/moby/sys/signal"
)

// Process is the application process. Run starts it with the fixed
// environment on top of the inherited one, forwards SIGINT and SIGTERM to
// it and returns its exit code.
type Process struct {
	Args []string
	Env  []string
	Dir  string
	// StopSignal is sent when ctx is cancelled. Defaults to SIGTERM.
	StopSignal string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (p *Process) Run(ctx context.Context) (int, error) {
	if len(p.Args) == 0 {
		return -1, errors.New("no command to run")
	}
	stop := syscall.SIGTERM
	if p.StopSignal != "" {
		s, err := signal.ParseSignal(p.StopSignal)
		if err != nil {
			return -1, fmt.Errorf("stop signal: %w", err)
		}
		stop = s
	}

	cmd := exec.Command(p.Args[0], p.Args[1:]...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Dir = p.Dir
	cmd.Stdin = p.Stdin
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	sigc := make(chan os.Signal, 1)
	ossignal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(sigc)

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", p.Args[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	cancelled := ctx.Done()
	for {
		select {
		case s := <-sigc:
			_ = cmd.Process.Signal(s)
		case <-cancelled:
			_ = cmd.Process.Signal(stop)
			cancelled = nil
		case err := <-done:
			return exitCode(cmd.ProcessState, err)
		}
	}
}

// exitCode follows the shell convention of 128+n for a process killed by
// signal n.
func exitCode(state *os.ProcessState, err error) (int, error) {
	if state == nil {
		return -1, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return state.ExitCode(), err
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return state.ExitCode(), nil
}

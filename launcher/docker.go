package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/moby/sys/signal"
)

// Docker runs the image with the docker CLI. The container is removed when
// its process exits.
type Docker struct {
	Binary string
}

// Args is the docker command line for opts. It publishes exactly one port
// and passes nothing to the image command.
func (d *Docker) Args(opts Options) []string {
	args := []string{"run", "--rm"}
	if opts.Stdin != nil {
		args = append(args, "--interactive")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.StopSignal != "" {
		args = append(args, "--stop-signal", opts.StopSignal)
	}
	port := strconv.Itoa(opts.Port)
	args = append(args, "--publish", port+":"+port)
	for _, e := range opts.Env {
		args = append(args, "--env", e)
	}
	return append(args, opts.Image)
}

func (d *Docker) Run(ctx context.Context, opts Options) (int, error) {
	if opts.Image == "" {
		return -1, errors.New("no image to run")
	}
	if opts.StopSignal != "" {
		if _, err := signal.ParseSignal(opts.StopSignal); err != nil {
			return -1, fmt.Errorf("stop signal: %w", err)
		}
	}
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}

	cmd := exec.CommandContext(ctx, bin, d.Args(opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	// the docker CLI proxies the interrupt to the container
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 30 * time.Second

	err := cmd.Run()
	if cmd.ProcessState == nil {
		return -1, fmt.Errorf("start %s: %w", bin, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		err = nil
	}
	return exitCode(cmd.ProcessState, err)
}

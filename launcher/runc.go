package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	runc "github.com/containerd/go-runc"
	"github.com/lastnameswayne/tinyimage/store"
	"github.com/lastnameswayne/tinyimage/tarread"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Runc runs the image under runc from a bundle whose rootfs is flattened
// from the stored layers. The process shares the host network, so the port
// it binds is the port on the host.
type Runc struct {
	Runtime *runc.Runc
	Store   *store.Store
	// BundleDir is where bundles are created, defaults to os.TempDir().
	BundleDir string
	// Keep leaves the bundle on disk after the run.
	Keep bool
}

var defaultCapabilities = []string{
	"CAP_AUDIT_WRITE",
	"CAP_KILL",
	"CAP_NET_BIND_SERVICE",
}

// Spec is the runtime configuration of the process in rootfs.
func Spec(opts Options, rootfs string) *specs.Spec {
	env := append([]string{DefaultPath, "TERM=xterm"}, opts.Env...)
	cwd := opts.Workdir
	if cwd == "" {
		cwd = "/"
	}
	hostname := opts.Name
	if hostname == "" {
		hostname = "runc"
	}

	return &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: 0, GID: 0},
			Args:     opts.Args,
			Env:      env,
			Cwd:      cwd,
			Capabilities: &specs.LinuxCapabilities{
				Bounding:  defaultCapabilities,
				Effective: defaultCapabilities,
				Permitted: defaultCapabilities,
			},
			Rlimits: []specs.POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
			NoNewPrivileges: true,
		},
		Root: &specs.Root{
			Path:     rootfs,
			Readonly: false,
		},
		Hostname: hostname,
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
			{Destination: "/dev/pts", Type: "devpts", Source: "devpts", Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620", "gid=5"}},
			{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
			{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
			{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
			{Destination: "/sys/fs/cgroup", Type: "cgroup", Source: "cgroup", Options: []string{"nosuid", "noexec", "nodev", "relatime", "ro"}},
			{Destination: "/etc/resolv.conf", Type: "bind", Source: "/etc/resolv.conf", Options: []string{"rbind", "ro"}},
		},
		Linux: &specs.Linux{
			Resources: &specs.LinuxResources{
				Devices: []specs.LinuxDeviceCgroup{{Allow: false, Access: "rwm"}},
			},
			// no network namespace: the process binds the host port
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.MountNamespace},
				{Type: specs.CgroupNamespace},
			},
			MaskedPaths: []string{
				"/proc/acpi",
				"/proc/asound",
				"/proc/kcore",
				"/proc/keys",
				"/proc/latency_stats",
				"/proc/timer_list",
				"/proc/timer_stats",
				"/proc/sched_debug",
				"/sys/firmware",
				"/proc/scsi",
			},
			ReadonlyPaths: []string{
				"/proc/bus",
				"/proc/fs",
				"/proc/irq",
				"/proc/sys",
				"/proc/sysrq-trigger",
			},
		},
	}
}

// Prepare creates a bundle directory for opts: the flattened rootfs and
// config.json.
func (r *Runc) Prepare(ctx context.Context, opts Options) (string, error) {
	if len(opts.Layers) == 0 {
		return "", errors.New("no layers to run")
	}
	if r.Store == nil {
		return "", errors.New("no blob store")
	}

	bundle, err := os.MkdirTemp(r.BundleDir, "runc-bundle-*")
	if err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.Mkdir(rootfs, 0755); err != nil {
		os.RemoveAll(bundle)
		return "", err
	}

	layers := make([]tarread.Layer, 0, len(opts.Layers))
	for i, d := range opts.Layers {
		if !r.Store.Has(d) {
			os.RemoveAll(bundle)
			return "", fmt.Errorf("layer %s: %w", d, store.ErrNotFound)
		}
		layers = append(layers, tarread.Layer{Index: i, DiffID: d}.WithOpener(func() (io.ReadCloser, error) {
			return r.Store.Open(d)
		}))
	}
	if err := ctx.Err(); err != nil {
		os.RemoveAll(bundle)
		return "", err
	}
	if err := tarread.Flatten(layers, rootfs); err != nil {
		os.RemoveAll(bundle)
		return "", err
	}

	config, err := json.MarshalIndent(Spec(opts, rootfs), "", "    ")
	if err != nil {
		os.RemoveAll(bundle)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), config, 0644); err != nil {
		os.RemoveAll(bundle)
		return "", fmt.Errorf("write config: %w", err)
	}
	return bundle, nil
}

func (r *Runc) Run(ctx context.Context, opts Options) (int, error) {
	bundle, err := r.Prepare(ctx, opts)
	if err != nil {
		return -1, err
	}
	if !r.Keep {
		defer os.RemoveAll(bundle)
	}

	rt := r.Runtime
	if rt == nil {
		rt = &runc.Runc{}
	}
	id := opts.Name
	if id == "" {
		id = "sway"
	}
	id = fmt.Sprintf("%s-%d", id, time.Now().UnixNano())

	stdio := &optionsIO{in: opts.Stdin, out: opts.Stdout, err: opts.Stderr}
	status, err := rt.Run(ctx, id, bundle, &runc.CreateOpts{IO: stdio})
	// the container is gone either way, only its state remains
	rt.Delete(context.WithoutCancel(ctx), id, &runc.DeleteOpts{Force: true})

	var exitErr *runc.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Status, nil
	}
	if err != nil {
		return -1, fmt.Errorf("runc run: %w", err)
	}
	return status, nil
}

// optionsIO hands the launch's stdio straight to the runc process.
type optionsIO struct {
	in       io.Reader
	out, err io.Writer
}

func (s *optionsIO) Stdin() io.WriteCloser { return nil }
func (s *optionsIO) Stdout() io.ReadCloser { return nil }
func (s *optionsIO) Stderr() io.ReadCloser { return nil }
func (s *optionsIO) Close() error { return nil }

func (s *optionsIO) Set(cmd *exec.Cmd) {
	cmd.Stdin = s.in
	cmd.Stdout = s.out
	cmd.Stderr = s.err
}

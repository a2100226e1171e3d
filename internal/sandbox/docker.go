package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

const (
	containerWorkDir   = "/workspace"
	containerInputsDir = "/inputs"
)

// DockerRunner runs each kernel in its own container: no network, no
// capabilities, read-only root filesystem, the task workdir mounted
// read-write and the inputs mounted read-only.
type DockerRunner struct {
	client *client.Client
	config Config
	pullMu sync.Mutex
}

// NewDockerRunner creates a new Docker-based runner.
func NewDockerRunner(ctx context.Context, config Config) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	// Verify Docker daemon is accessible
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}

	return &DockerRunner{
		client: cli,
		config: config.withDefaults(),
	}, nil
}

// Name implements Runner.
func (r *DockerRunner) Name() string { return string(ModeDocker) }

// Layout implements Runner. Input i is mounted at /inputs/<i>/<basename>.
func (r *DockerRunner) Layout(spec SessionSpec) Layout {
	l := Layout{WorkDir: containerWorkDir, Inputs: make([]string, len(spec.Inputs))}
	for i, in := range spec.Inputs {
		l.Inputs[i] = kernelInputPath(spec, containerWorkDir, containerInputPath(i, in))
	}
	return l
}

func containerInputPath(i int, hostPath string) string {
	return path.Join(containerInputsDir, strconv.Itoa(i), filepath.Base(hostPath))
}

// Start implements Runner.
func (r *DockerRunner) Start(ctx context.Context, spec SessionSpec) (Process, error) {
	imageName := GetDockerImage(r.config)

	r.pullMu.Lock()
	err := r.ensureImage(ctx, imageName)
	r.pullMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to ensure image %s: %w", imageName, err)
	}

	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	user, err := containerUser(spec.WorkDir)
	if err != nil {
		return nil, err
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: spec.WorkDir,
		Target: containerWorkDir,
	}}
	for i, in := range spec.Inputs {
		if _, err := os.Stat(in); err != nil {
			// Missing inputs stay listed; the code will see the error when it opens them.
			continue
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   in,
			Target:   containerInputPath(i, in),
			ReadOnly: true,
		})
	}

	env := append([]string{"HOME=/tmp", "MPLCONFIGDIR=/tmp/matplotlib"}, kernelEnv(r.config)...)
	containerConfig := &container.Config{
		Image:           imageName,
		Cmd:             []string{"python3", "-u", "-c", kernelSource},
		WorkingDir:      containerWorkDir,
		User:            user,
		Env:             env,
		NetworkDisabled: true,
		OpenStdin:       true,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
	}

	memory, err := units.RAMInBytes(r.config.Memory)
	if err != nil {
		return nil, fmt.Errorf("invalid memory limit %q: %w", r.config.Memory, err)
	}
	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: parseNanoCPUs(r.config.CPU),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
				{Name: "nproc", Soft: 512, Hard: 512},
			},
		},
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=256m",
		},
	}

	createResp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := createResp.ID

	cleanup := func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.client.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true})
	}

	hijack, err := r.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		hijack.Close()
		cleanup()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	p := &dockerProcess{
		client: r.client,
		id:     id,
		hijack: hijack,
		stdout: stdoutR,
		stderr: newTailBuffer(stderrTail),
	}
	// Demultiplex the attached stream; the pipe closes when the container goes away.
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, p.stderr, hijack.Reader)
		stdoutW.CloseWithError(err)
	}()
	return p, nil
}

type dockerProcess struct {
	client *client.Client
	id     string
	hijack types.HijackedResponse
	stdout *io.PipeReader
	stderr *tailBuffer
	once   sync.Once
}

func (p *dockerProcess) Stdin() io.Writer  { return p.hijack.Conn }
func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() string    { return p.stderr.String() }

func (p *dockerProcess) Interrupt(ctx context.Context) error {
	return p.client.ContainerKill(ctx, p.id, "SIGINT")
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = p.client.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
		p.hijack.Close()
		_ = p.stdout.Close()
	})
	return err
}

// containerUser picks a non-root uid that can write the workdir.
func containerUser(workDir string) (string, error) {
	uid, gid := os.Getuid(), os.Getgid()
	if uid > 0 {
		return fmt.Sprintf("%d:%d", uid, gid), nil
	}
	// Running as root on the host: drop to 1000 and open the workdir up to it.
	if err := os.Chmod(workDir, 0o777); err != nil {
		return "", fmt.Errorf("prepare workdir for container user: %w", err)
	}
	return "1000:1000", nil
}

// parseNanoCPUs parses a CPU string (e.g., "2", "1.5") to NanoCPUs.
func parseNanoCPUs(cpuStr string) int64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(cpuStr), 64)
	if err != nil || value <= 0 {
		value = 2
	}
	return int64(value * 1e9)
}

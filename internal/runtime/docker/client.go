// Package docker implements the runtime adapter against the Docker Engine
// API. All daemon errors are translated into the gateway taxonomy before
// they leave this package.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"execgate/internal/errs"
	"execgate/internal/runtime"
	"execgate/protocol"
)

var evaluatorPort = nat.Port(fmt.Sprintf("%d/tcp", protocol.EvaluatorPort))

type Client struct {
	docker *client.Client
}

// New connects to the daemon. endpoint overrides the environment when set.
func New(endpoint string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = append(opts, client.WithHost(endpoint))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return errs.Newf(errs.CodeRuntimeUnavailable, "docker daemon unreachable: %v", err)
	}
	return nil
}

func (c *Client) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	if _, err := c.docker.ImageInspect(ctx, spec.Image); err != nil {
		if cerrdefs.IsNotFound(err) || client.IsErrNotFound(err) {
			return "", errs.Newf(errs.CodeImageMissing, "image not present at runtime: %s", spec.Image)
		}
		return "", translate(err)
	}

	labels := map[string]string{runtime.LabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	tmpfs := make(map[string]string, len(spec.Tmpfs))
	for path, size := range spec.Tmpfs {
		tmpfs[path] = "rw,noexec,nosuid,size=" + strconv.FormatInt(size, 10)
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			NanoCPUs:  int64(spec.CPUQuota * 1e9),
			PidsLimit: int64Ptr(spec.PidsLimit),
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          tmpfs,
		ExtraHosts:     spec.ExtraHosts,
	}
	if !spec.EnableNetwork {
		hostCfg.NetworkMode = "none"
	}
	if spec.WorkspaceHostPath != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceHostPath,
			Target: runtime.WorkspacePath,
		}}
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: labels,
		User:   "1000",
		Tty:    false,
	}
	if spec.PublishEvaluatorPort {
		containerCfg.ExposedPorts = nat.PortSet{evaluatorPort: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			evaluatorPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
		// Publishing the evaluator port needs a network stack, so
		// evaluator sessions join the default bridge even when package
		// installation is off; the bridge also gives them outbound access.
		if !spec.EnableNetwork {
			hostCfg.NetworkMode = "bridge"
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", translate(err)
	}
	return resp.ID, nil
}

func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return translate(err)
	}
	return nil
}

// StopRemove tears the container down; a second call after the container
// is gone succeeds silently.
func (c *Client) StopRemove(ctx context.Context, containerID string) error {
	grace := 1
	if err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		if !client.IsErrNotFound(err) && !cerrdefs.IsNotFound(err) {
			return translate(err)
		}
	}
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) && !cerrdefs.IsNotFound(err) {
		return translate(err)
	}
	return nil
}

func (c *Client) Inspect(ctx context.Context, containerID string) (*runtime.Info, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) || cerrdefs.IsNotFound(err) {
			return &runtime.Info{Running: false}, nil
		}
		return nil, translate(err)
	}

	out := &runtime.Info{}
	if info.State != nil {
		out.Running = info.State.Running
		out.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		for _, binding := range info.NetworkSettings.Ports[evaluatorPort] {
			if port, err := strconv.Atoi(binding.HostPort); err == nil && port > 0 {
				out.EvaluatorHostPort = port
				break
			}
		}
	}
	return out, nil
}

// errByteBudget stops stdcopy once a stream exceeds its budget.
var errByteBudget = errors.New("byte budget exceeded")

func (c *Client) Exec(ctx context.Context, containerID string, spec runtime.ExecSpec) (*runtime.ExecResult, error) {
	execCtx := ctx
	if spec.TimeBudget > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, spec.TimeBudget)
		defer cancel()
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, translate(err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer attach.Close()

	stdout := newCapBuffer(spec.ByteBudget)
	stderr := newCapBuffer(spec.ByteBudget)
	done := make(chan error, 1)
	go func() {
		// Demultiplex Docker's stdout/stderr stream (8-byte headers).
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- copyErr
	}()

	res := &runtime.ExecResult{ExitCode: -1}
	select {
	case err = <-done:
		if err != nil && !errors.Is(err, errByteBudget) {
			return nil, translate(err)
		}
	case <-execCtx.Done():
		attach.Close() // unblock the copier
		<-done
		if spec.TimeBudget > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			c.reapExeced(containerID, spec.KillArgv)
		} else {
			return nil, execCtx.Err()
		}
	}

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	if res.Truncated {
		c.reapExeced(containerID, spec.KillArgv)
	}

	if !res.TimedOut {
		inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return nil, translate(err)
		}
		res.ExitCode = inspect.ExitCode
	}
	return res, nil
}

// reapExeced signals an abandoned exec'd process. Docker has no exec-kill
// API, so this runs the caller-supplied kill command with a short budget
// and swallows failures.
func (c *Client) reapExeced(containerID string, killArgv []string) {
	if len(killArgv) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{Cmd: killArgv})
	if err != nil {
		return
	}
	c.docker.ContainerExecStart(ctx, execResp.ID, container.ExecStartOptions{})
}

func (c *Client) PutArchive(ctx context.Context, containerID, dirPath string, archive io.Reader) error {
	err := c.docker.CopyToContainer(ctx, containerID, dirPath, archive, container.CopyToContainerOptions{})
	if err != nil {
		return translate(err)
	}
	return nil
}

func (c *Client) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	reader, _, err := c.docker.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) || cerrdefs.IsNotFound(err) {
			return nil, errs.Newf(errs.CodeInvalidArgument, "no such file: %s", path)
		}
		return nil, translate(err)
	}
	return reader, nil
}

func (c *Client) ListManaged(ctx context.Context) ([]runtime.Managed, error) {
	f := filters.NewArgs()
	f.Add("label", runtime.LabelManaged+"=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, translate(err)
	}

	var result []runtime.Managed
	for _, ctr := range containers {
		result = append(result, runtime.Managed{
			ContainerID: ctr.ID,
			SessionID:   ctr.Labels[runtime.LabelSession],
		})
	}
	return result, nil
}

// translate maps daemon errors into the taxonomy. Anything the daemon
// rejects or fails to answer is a retryable runtime failure; callers with
// more context refine it.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if e := errs.As(err); e != nil {
		return err
	}
	return errs.Newf(errs.CodeRuntimeUnavailable, "runtime error: %v", err)
}

func int64Ptr(v int64) *int64 {
	return &v
}

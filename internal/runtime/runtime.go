// Package runtime declares the narrow contract the gateway needs from a
// container runtime. One concrete implementation exists per supported
// runtime; everything above it is runtime-agnostic and mockable.
package runtime

import (
	"context"
	"io"
	"time"
)

// WorkspacePath is the fixed in-container workspace mount point. Every
// caller-supplied file path is confined under it.
const WorkspacePath = "/sandbox"

// Container labels shared by implementations and the startup sweep.
const (
	LabelManaged = "execgate.managed"
	LabelSession = "execgate.session_id"
)

// CreateSpec describes a session container. The implementation applies the
// fixed security profile on top: non-root user, read-only rootfs, all
// capabilities dropped, no-new-privileges.
type CreateSpec struct {
	Name        string
	Image       string
	// Cmd overrides the image entrypoint arguments. The one-shot variant
	// parks the container on it; the evaluator variant leaves it nil.
	Cmd         []string
	Env         []string
	ExtraHosts  []string
	Labels      map[string]string
	MemoryBytes int64
	CPUQuota    float64 // fraction of one core
	PidsLimit   int64
	// Tmpfs maps in-container path to size in bytes (rw,noexec,nosuid).
	Tmpfs map[string]int64
	// WorkspaceHostPath, when set, is bind-mounted rw at the workspace
	// mount point instead of the workspace tmpfs.
	WorkspaceHostPath string
	// PublishEvaluatorPort maps the evaluator port to an ephemeral
	// loopback host port.
	PublishEvaluatorPort bool
	// EnableNetwork attaches the default bridge network. Off by default;
	// sessions then run with network mode "none", except when
	// PublishEvaluatorPort is set: publishing the port needs the bridge
	// network, so those containers are always attached to it.
	EnableNetwork bool
}

// Info is the subset of container state the gateway inspects.
type Info struct {
	Running bool
	// ExitCode is meaningful only when Running is false.
	ExitCode int
	// EvaluatorHostPort is the host port mapped to the evaluator port,
	// zero when none is published.
	EvaluatorHostPort int
}

// ExecSpec describes a budgeted one-shot process inside a container.
type ExecSpec struct {
	Argv []string
	// TimeBudget bounds wall time; zero means no bound.
	TimeBudget time.Duration
	// ByteBudget bounds each captured stream; zero means no bound.
	ByteBudget int
	// KillArgv, when set, is run best-effort inside the container after
	// the time budget expires or a stream exceeds its byte budget, to reap
	// the abandoned process.
	KillArgv []string
}

// ExecResult carries the captured streams of a finished (or cut-off) exec.
type ExecResult struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	Truncated bool
	TimedOut  bool
}

// Managed identifies a container this gateway created, as seen by the
// runtime daemon.
type Managed struct {
	ContainerID string
	SessionID   string
}

// Runtime is the adapter over the container daemon. Implementations are
// stateless across calls and safe for concurrent use; all errors are
// translated into the gateway taxonomy.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	// StopRemove tears the container down. Idempotent: removing an
	// already-gone container succeeds silently.
	StopRemove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*Info, error)
	Exec(ctx context.Context, containerID string, spec ExecSpec) (*ExecResult, error)
	// PutArchive extracts a tar stream into dirPath inside the container.
	PutArchive(ctx context.Context, containerID, dirPath string, archive io.Reader) error
	// GetArchive returns a tar stream of the file or directory at path.
	GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error)
	ListManaged(ctx context.Context) ([]Managed, error)
	Ping(ctx context.Context) error
	Close() error
}

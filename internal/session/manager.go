// Package session implements the Session Manager: the operation set the
// gateway exposes to its frontend. It orchestrates the registry, the
// runtime adapter, the execution engine, and the journal; every failure
// leaving this package carries a taxonomy code.
package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"execgate/internal/config"
	"execgate/internal/engine"
	"execgate/internal/errs"
	"execgate/internal/journal"
	"execgate/internal/monitor"
	"execgate/internal/registry"
	"execgate/internal/runtime"
)

const containerNamePrefix = "execgate-"

type Manager struct {
	cfg     *config.Config
	rt      runtime.Runtime
	reg     *registry.Registry
	engine  engine.Engine
	journal *journal.Journal // nil disables journaling
	logger  *slog.Logger
}

func NewManager(cfg *config.Config, rt runtime.Runtime, reg *registry.Registry, eng engine.Engine, j *journal.Journal, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		rt:      rt,
		reg:     reg,
		engine:  eng,
		journal: j,
		logger:  logger,
	}
}

// persistent reports whether this deployment runs the in-container
// evaluator (state across calls) rather than one-shot interpreter execs.
func (m *Manager) persistent() bool {
	return m.cfg.Language == config.LanguageR
}

// SessionInfo is the public view of a live session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	HostPort     int       `json:"host_port,omitempty"`
	HistoryCount int       `json:"history_count"`
}

// CreateSession provisions a container and registers the session.
// timeoutSeconds overrides the idle timeout for this session when positive.
func (m *Manager) CreateSession(ctx context.Context, timeoutSeconds int) (*SessionInfo, error) {
	if timeoutSeconds < 0 {
		return nil, errs.New(errs.CodeInvalidArgument, "timeout_seconds must be non-negative")
	}

	if err := m.reg.Reserve(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	env, extraHosts := m.cfg.DBEnv()
	if m.cfg.PackageSourceToken != "" {
		env = append(env, "PACKAGE_SOURCE_TOKEN="+m.cfg.PackageSourceToken)
	}

	workspaceHostPath := ""
	if m.cfg.WorkspaceRoot != "" {
		workspaceHostPath = filepath.Join(m.cfg.WorkspaceRoot, id)
		// 0777 so uid 1000 inside the container can write.
		if err := os.MkdirAll(workspaceHostPath, 0o777); err != nil {
			m.reg.Release()
			return nil, errs.Newf(errs.CodeInternal, "create workspace dir: %v", err)
		}
	}

	tmpfs := m.cfg.Resources.TmpfsBytes()
	if workspaceHostPath != "" {
		// The bind mount replaces the workspace tmpfs.
		delete(tmpfs, runtime.WorkspacePath)
	}

	spec := runtime.CreateSpec{
		Name:                 containerNamePrefix + id,
		Image:                m.cfg.Image,
		Env:                  env,
		ExtraHosts:           extraHosts,
		Labels:               map[string]string{runtime.LabelSession: id},
		MemoryBytes:          int64(m.cfg.Resources.MemoryLimitMB) * 1024 * 1024,
		CPUQuota:             m.cfg.Resources.CPUQuota,
		PidsLimit:            int64(m.cfg.Resources.PidsLimit),
		Tmpfs:                tmpfs,
		WorkspaceHostPath:    workspaceHostPath,
		PublishEvaluatorPort: m.persistent(),
		EnableNetwork:        m.cfg.AllowPackageInstall,
	}
	if !m.persistent() {
		// Park the container; each execute is a fresh interpreter.
		spec.Cmd = []string{"sleep", "infinity"}
	}

	containerID, err := m.rt.Create(ctx, spec)
	if err != nil {
		m.reg.Release()
		return nil, err
	}
	if err := m.rt.Start(ctx, containerID); err != nil {
		m.teardownFailedCreate(containerID)
		return nil, err
	}

	hostPort := 0
	if m.persistent() {
		hostPort, err = m.waitForEvaluatorPort(ctx, containerID)
		if err != nil {
			m.teardownFailedCreate(containerID)
			return nil, err
		}
	}

	idleTimeout := time.Duration(0)
	if timeoutSeconds > 0 {
		idleTimeout = time.Duration(timeoutSeconds) * time.Second
	}
	sess := &registry.Session{
		ID:            id,
		ContainerID:   containerID,
		HostPort:      hostPort,
		WorkspacePath: workspaceHostPath,
		EnvSnapshot:   env,
		IdleTimeout:   idleTimeout,
	}
	m.reg.Insert(sess)

	m.recordEvent(id, journal.EventCreated)
	monitor.SessionsCreatedTotal.Inc()
	monitor.SessionsActive.Set(float64(m.reg.Len()))
	m.logger.Info("session created", "session_id", id, "host_port", hostPort, "workspace", workspaceHostPath != "")

	return &SessionInfo{
		ID:         id,
		CreatedAt:  sess.CreatedAt,
		LastUsedAt: sess.CreatedAt,
		HostPort:   hostPort,
	}, nil
}

// teardownFailedCreate removes a partially created container and releases
// the capacity slot. No orphans on the error path.
func (m *Manager) teardownFailedCreate(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.rt.StopRemove(ctx, containerID); err != nil {
		m.logger.Error("cleanup of failed create", "container_id", containerID, "error", err)
	}
	m.reg.Release()
}

// waitForEvaluatorPort polls inspect until the daemon reports the mapped
// host port. The mapping appears as soon as the container starts, but the
// daemon can lag a moment behind.
func (m *Manager) waitForEvaluatorPort(ctx context.Context, containerID string) (int, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := m.rt.Inspect(ctx, containerID)
		if err != nil {
			return 0, err
		}
		if !info.Running {
			return 0, errs.Newf(errs.CodeSessionCrashed, "container exited during startup (code %d)", info.ExitCode)
		}
		if info.EvaluatorHostPort > 0 {
			return info.EvaluatorHostPort, nil
		}
		if time.Now().After(deadline) {
			return 0, errs.New(errs.CodeRuntimeUnavailable, "evaluator port mapping never appeared")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ListSessions snapshots the registry. With includeInactive false, entries
// idle past their timeout are filtered from the output; reaping them
// remains the reaper's job.
func (m *Manager) ListSessions(ctx context.Context, includeInactive bool) ([]SessionInfo, error) {
	views := m.reg.Snapshot()
	now := time.Now()

	var counts map[string]int
	if m.journal != nil {
		var err error
		counts, err = m.journal.HistoryCounts()
		if err != nil {
			m.logger.Warn("journal history counts", "error", err)
		}
	}

	out := make([]SessionInfo, 0, len(views))
	for _, v := range views {
		if !includeInactive && now.Sub(v.LastUsedAt) >= m.idleTimeoutFor(v.IdleTimeout) {
			continue
		}
		out = append(out, SessionInfo{
			ID:           v.ID,
			CreatedAt:    v.CreatedAt,
			LastUsedAt:   v.LastUsedAt,
			HostPort:     v.HostPort,
			HistoryCount: counts[v.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Manager) idleTimeoutFor(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return time.Duration(m.cfg.IdleTimeoutSeconds) * time.Second
}

// CloseSession tears a session down. Without force, recently used sessions
// are refused with session_active. Closing an already-closed session
// returns session_not_found, never a runtime error.
func (m *Manager) CloseSession(ctx context.Context, id string, force bool) error {
	return m.close(ctx, id, force, journal.EventClosed)
}

// ReapSession is CloseSession for the idle reaper; it differs only in
// bookkeeping.
func (m *Manager) ReapSession(ctx context.Context, id string) error {
	if err := m.close(ctx, id, true, journal.EventReaped); err != nil {
		return err
	}
	monitor.SessionsReapedTotal.Inc()
	return nil
}

func (m *Manager) close(ctx context.Context, id string, force bool, event string) error {
	sess, err := m.reg.Get(id)
	if err != nil {
		return err
	}

	if !force {
		lastUsed, err := m.reg.LastUsed(id)
		if err != nil {
			return err
		}
		if time.Since(lastUsed) < m.idleTimeoutFor(sess.IdleTimeout) {
			return errs.Newf(errs.CodeSessionActive, "session %s is still active; retry with force", id)
		}
	} else {
		// Cancel any in-flight execute before the container goes away.
		sess.BeginClose()
	}

	if err := m.rt.StopRemove(ctx, sess.ContainerID); err != nil {
		// Record stays; the reaper retries the teardown next tick.
		m.logger.Error("session teardown", "session_id", id, "error", err)
		return err
	}

	if _, err := m.reg.Remove(id); err != nil {
		// A concurrent close won the race; the session is gone either way.
		return err
	}

	m.recordEvent(id, event)
	if event == journal.EventClosed {
		monitor.SessionsClosedTotal.Inc()
	}
	monitor.SessionsActive.Set(float64(m.reg.Len()))
	m.logger.Info("session closed", "session_id", id, "event", event)
	return nil
}

// IdleSessions returns ids whose idle time meets their timeout at now.
func (m *Manager) IdleSessions(now time.Time) []string {
	var out []string
	for _, v := range m.reg.Snapshot() {
		if now.Sub(v.LastUsedAt) >= m.idleTimeoutFor(v.IdleTimeout) {
			out = append(out, v.ID)
		}
	}
	return out
}

// StartupSweep removes containers left behind by a previous process.
// Sessions are ephemeral to the server: any managed container without a
// registry record is an orphan.
func (m *Manager) StartupSweep(ctx context.Context) {
	managed, err := m.rt.ListManaged(ctx)
	if err != nil {
		m.logger.Warn("startup sweep: list containers", "error", err)
		return
	}
	for _, c := range managed {
		if _, err := m.reg.Get(c.SessionID); err == nil {
			continue
		}
		m.logger.Info("removing orphaned container", "container_id", c.ContainerID, "session_id", c.SessionID)
		if err := m.rt.StopRemove(ctx, c.ContainerID); err != nil {
			m.logger.Warn("startup sweep: remove", "container_id", c.ContainerID, "error", err)
		}
	}
}

func (m *Manager) recordEvent(id, event string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordEvent(id, event); err != nil {
		m.logger.Warn("journal event", "session_id", id, "event", event, "error", err)
	}
}

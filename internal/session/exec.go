package session

import (
	"context"
	"strings"
	"time"

	"execgate/internal/engine"
	"execgate/internal/errs"
	"execgate/internal/journal"
	"execgate/internal/monitor"
)

// Limits optionally overrides the execution defaults for one call.
type Limits struct {
	MaxDurationSeconds float64
	MaxOutputBytes     int
}

// resolveLimits validates a caller-supplied override and fills defaults.
func (m *Manager) resolveLimits(limits *Limits) (engine.Limits, error) {
	out := engine.Limits{
		MaxDurationSecs: float64(m.cfg.Limits.DefaultExecTimeoutSeconds),
		MaxOutputBytes:  m.cfg.Limits.MaxOutputBytes,
	}
	if limits == nil {
		return out, nil
	}
	if limits.MaxDurationSeconds < 0 {
		return out, errs.New(errs.CodeInvalidArgument, "max_duration_seconds must be > 0")
	}
	if limits.MaxOutputBytes < 0 {
		return out, errs.New(errs.CodeInvalidArgument, "max_output_bytes must be > 0")
	}
	if limits.MaxDurationSeconds > 0 {
		out.MaxDurationSecs = limits.MaxDurationSeconds
	}
	if limits.MaxOutputBytes > 0 {
		out.MaxOutputBytes = limits.MaxOutputBytes
	}
	if max := float64(m.cfg.Limits.MaxExecTimeoutSeconds); out.MaxDurationSecs > max {
		out.MaxDurationSecs = max
	}
	if max := m.cfg.Limits.MaxOutputBytes; max > 0 && out.MaxOutputBytes > max {
		out.MaxOutputBytes = max
	}
	return out, nil
}

// Execute runs a code string inside the session and returns the captured
// result. A session processes one execute at a time; one extra caller may
// queue, further callers fail with session_busy.
func (m *Manager) Execute(ctx context.Context, id, code string, limits *Limits) (*engine.Result, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "code must be a non-empty string")
	}
	if len(code) > m.cfg.Limits.MaxCodeChars {
		return nil, errs.New(errs.CodeInvalidArgument, "code exceeds max allowed size").
			WithDetails(map[string]any{"max_code_chars": m.cfg.Limits.MaxCodeChars})
	}
	lim, err := m.resolveLimits(limits)
	if err != nil {
		return nil, err
	}

	sess, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if err := sess.AcquireExec(ctx); err != nil {
		return nil, err
	}
	defer sess.ReleaseExec()

	// Touch at call start so a long-running call is not reaped mid-flight.
	m.reg.Touch(id)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sess.SetCancel(cancel); err != nil {
		return nil, err
	}
	defer sess.ClearCancel()

	start := time.Now()
	res, err := m.engine.Execute(execCtx, sess, code, lim)
	m.reg.Touch(id)

	monitor.ExecutionsTotal.Inc()
	success := err == nil && res != nil && res.Success
	if !success {
		monitor.ExecutionErrorsTotal.Inc()
	}
	elapsed := time.Since(start).Seconds()
	if res != nil && res.ElapsedSecs > 0 {
		elapsed = res.ElapsedSecs
	}
	monitor.ExecutionSeconds.Observe(elapsed)
	if m.journal != nil {
		if jerr := m.journal.RecordExecution(journal.Execution{
			SessionID:   id,
			StartedAt:   start,
			Success:     success,
			ElapsedSecs: elapsed,
			CodeLen:     len(code),
		}); jerr != nil {
			m.logger.Warn("journal execution", "session_id", id, "error", jerr)
		}
	}

	if err != nil {
		if execCtx.Err() != nil && sess.Closing() {
			return nil, errs.Newf(errs.CodeSessionClosing, "session %s closed during execution", id)
		}
		if errs.Is(err, errs.CodeSessionCrashed) {
			m.handleCrash(id, sess.ContainerID)
		}
		return nil, err
	}
	return res, nil
}

// handleCrash drops the record of a session whose container died. By the
// time session_crashed surfaces, the session is already closed.
func (m *Manager) handleCrash(id, containerID string) {
	if _, err := m.reg.Remove(id); err != nil {
		return // concurrent close already cleaned up
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.rt.StopRemove(ctx, containerID); err != nil {
		m.logger.Warn("crashed session teardown", "session_id", id, "error", err)
	}
	m.recordEvent(id, journal.EventCrashed)
	monitor.SessionsActive.Set(float64(m.reg.Len()))
	m.logger.Warn("session crashed", "session_id", id)
}

package engine

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"execgate/internal/errs"
	"execgate/internal/registry"
	"execgate/internal/runtime"
	"execgate/protocol"
)

// transportGrace pads the read deadline past the evaluator's own time
// limit so the limit fires inside the container first.
const transportGrace = 10 * time.Second

// Evaluator talks to the persistent in-container evaluator over the
// session's mapped host port. Variables, attached libraries, and open
// database handles live in the evaluator process and survive across
// calls.
type Evaluator struct {
	rt runtime.Runtime
}

func NewEvaluator(rt runtime.Runtime) *Evaluator {
	return &Evaluator{rt: rt}
}

func (e *Evaluator) Execute(ctx context.Context, sess *registry.Session, code string, limits Limits) (*Result, error) {
	if sess.HostPort == 0 {
		return nil, errs.Newf(errs.CodeEvaluatorUnreachable, "session %s has no evaluator port", sess.ID)
	}
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", sess.HostPort))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, e.classifyTransport(ctx, sess, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Duration(limits.MaxDurationSecs*float64(time.Second)) + transportGrace)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	// Cut the transport when the caller cancels (forced close).
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := protocol.Request{
		ID:              uuid.New().String()[:8],
		Code:            code,
		MaxDurationSecs: limits.MaxDurationSecs,
		MaxOutputBytes:  limits.MaxOutputBytes,
	}

	start := time.Now()
	if err := protocol.WriteRequest(conn, req); err != nil {
		return nil, e.classifyTransport(ctx, sess, err)
	}
	resp, err := protocol.ReadResponse(conn, limits.MaxOutputBytes)
	if err != nil {
		return nil, e.classifyTransport(ctx, sess, err)
	}

	elapsed := resp.ElapsedSecs
	if elapsed == 0 {
		elapsed = time.Since(start).Seconds()
	}

	if resp.TimedOut || isTimeLimitError(resp.Error) {
		return nil, errs.Newf(errs.CodeTimeout, "execution exceeded %.1fs", limits.MaxDurationSecs).
			WithDetails(map[string]any{"max_duration_seconds": limits.MaxDurationSecs})
	}

	output, cut := truncateOutput(resp.Output, limits.MaxOutputBytes)
	out := &Result{
		Output:      output,
		Result:      resp.Result,
		Success:     resp.Error == "",
		Truncated:   resp.Truncated || cut,
		ElapsedSecs: elapsed,
	}
	if resp.Error != "" {
		out.Err = errs.New(errs.CodeExecutionError, resp.Error)
	} else {
		out.ExitCode = 0
	}
	return out, nil
}

// classifyTransport decides whether a transport failure means the
// evaluator hiccupped or the container died. A dead container closes the
// session at the manager layer.
func (e *Evaluator) classifyTransport(ctx context.Context, sess *registry.Session, cause error) error {
	if ctx.Err() != nil && sess.Closing() {
		return errs.Newf(errs.CodeSessionClosing, "session %s closed during execution", sess.ID)
	}

	inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := e.rt.Inspect(inspectCtx, sess.ContainerID)
	if err == nil && !info.Running {
		return errs.Newf(errs.CodeSessionCrashed, "session %s container exited (code %d)", sess.ID, info.ExitCode)
	}
	return errs.Newf(errs.CodeEvaluatorUnreachable, "evaluator transport failed: %v", cause)
}

func isTimeLimitError(msg string) bool {
	return msg != "" && strings.Contains(strings.ToLower(msg), "time limit")
}

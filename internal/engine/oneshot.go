package engine

import (
	"context"
	"time"

	"execgate/internal/errs"
	"execgate/internal/registry"
	"execgate/internal/runtime"
)

// OneShot execs a fresh interpreter per call; no state survives between
// calls. The container idles on its park command between executions.
type OneShot struct {
	rt runtime.Runtime
	// interpreterArgv is the prefix the code string is appended to,
	// e.g. ["python3", "-c"].
	interpreterArgv []string
	// killArgv reaps an interpreter abandoned by a budget cut-off.
	killArgv []string
}

func NewOneShot(rt runtime.Runtime, interpreterArgv, killArgv []string) *OneShot {
	return &OneShot{rt: rt, interpreterArgv: interpreterArgv, killArgv: killArgv}
}

func (e *OneShot) Execute(ctx context.Context, sess *registry.Session, code string, limits Limits) (*Result, error) {
	argv := append(append([]string{}, e.interpreterArgv...), code)

	start := time.Now()
	res, err := e.rt.Exec(ctx, sess.ContainerID, runtime.ExecSpec{
		Argv:       argv,
		TimeBudget: time.Duration(limits.MaxDurationSecs * float64(time.Second)),
		ByteBudget: limits.MaxOutputBytes,
		KillArgv:   e.killArgv,
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, errs.Newf(errs.CodeTimeout, "execution exceeded %.1fs", limits.MaxDurationSecs).
			WithDetails(map[string]any{"max_duration_seconds": limits.MaxDurationSecs})
	}

	// exec_run-style combined stream: stdout first, stderr appended.
	output := lossyUTF8(res.Stdout)
	if len(res.Stderr) > 0 {
		output += lossyUTF8(res.Stderr)
	}
	output, cut := truncateOutput(output, limits.MaxOutputBytes)

	out := &Result{
		Output:      output,
		ExitCode:    res.ExitCode,
		Success:     res.ExitCode == 0,
		Truncated:   res.Truncated || cut,
		ElapsedSecs: elapsed,
	}
	if res.ExitCode != 0 {
		out.Err = errs.Newf(errs.CodeExecutionError, "interpreter exited with code %d", res.ExitCode)
	}
	return out, nil
}

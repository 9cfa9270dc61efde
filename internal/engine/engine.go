// Package engine runs code strings inside live sessions. Two variants
// exist: a one-shot engine that execs a fresh interpreter per call, and a
// persistent engine that talks to a long-running evaluator over the
// session's mapped host port. The caller holds the session's execute slot
// for the duration of a call.
package engine

import (
	"context"
	"strings"
	"unicode/utf8"

	"execgate/internal/errs"
	"execgate/internal/registry"
)

// Limits bounds one execution.
type Limits struct {
	MaxDurationSecs float64
	MaxOutputBytes  int
}

// Result is the outcome of one execution. Err carries a user-code failure
// (the code itself raised or exited nonzero); gateway failures surface as
// Go errors from Execute instead.
type Result struct {
	Output      string
	Result      string
	ExitCode    int
	Success     bool
	Truncated   bool
	ElapsedSecs float64
	Err         *errs.Error
}

type Engine interface {
	Execute(ctx context.Context, sess *registry.Session, code string, limits Limits) (*Result, error)
}

// lossyUTF8 replaces invalid byte sequences so captured output is always
// valid UTF-8.
func lossyUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// truncateOutput cuts s at max bytes without splitting a rune.
func truncateOutput(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := s[:max]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut, true
}

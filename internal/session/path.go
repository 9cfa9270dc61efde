package session

import (
	"path"
	"strings"

	"execgate/internal/errs"
	"execgate/internal/runtime"
)

// resolvePath confines a caller-supplied path under the workspace mount.
// Relative inputs are joined under it; absolute inputs must already live
// under it. The check is lexical: ".." components are resolved before the
// prefix test, so "/sandbox/../etc" is rejected.
func resolvePath(input string) (string, error) {
	cleaned := strings.TrimSpace(input)
	if cleaned == "" {
		return "", errs.New(errs.CodeInvalidPath, "path must be a non-empty string")
	}

	candidate := cleaned
	if !strings.HasPrefix(candidate, "/") {
		candidate = runtime.WorkspacePath + "/" + candidate
	}
	normalized := path.Clean(candidate)

	if normalized == runtime.WorkspacePath || strings.HasPrefix(normalized, runtime.WorkspacePath+"/") {
		return normalized, nil
	}
	return "", errs.Newf(errs.CodeInvalidPath, "path must resolve under %s", runtime.WorkspacePath)
}

// toUserPath maps a confined absolute path back to the relative form
// clients use.
func toUserPath(absolute string) string {
	if absolute == runtime.WorkspacePath {
		return "."
	}
	if strings.HasPrefix(absolute, runtime.WorkspacePath+"/") {
		return absolute[len(runtime.WorkspacePath)+1:]
	}
	return absolute
}

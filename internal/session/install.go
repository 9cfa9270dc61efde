package session

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"execgate/internal/config"
	"execgate/internal/errs"
	"execgate/internal/runtime"
)

// packageNamePattern accepts plain names and pinned versions
// ("numpy", "numpy==1.26.0", "data.table").
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._=<>+-]*$`)

const defaultCRANMirror = "https://cloud.r-project.org"

// InstallResult carries the installer's combined output and exit code.
type InstallResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// InstallPackage installs a package inside the session. Requires
// allow_package_install: without it one-shot session containers run
// without network, and the call is refused up front in either variant.
func (m *Manager) InstallPackage(ctx context.Context, id, pkg, source string) (*InstallResult, error) {
	if pkg == "" || !packageNamePattern.MatchString(pkg) {
		return nil, errs.New(errs.CodeInvalidArgument, "package_name must be a valid package specifier")
	}
	if !m.cfg.AllowPackageInstall {
		return nil, errs.New(errs.CodeInvalidArgument,
			"package installation is disabled (allow_package_install is off)")
	}

	sess, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}

	var argv []string
	switch m.cfg.Language {
	case config.LanguageR:
		repo := source
		if repo == "" {
			repo = defaultCRANMirror
		}
		argv = []string{"Rscript", "-e",
			fmt.Sprintf("install.packages(%q, repos = %q)", pkg, repo)}
	default:
		argv = []string{"python3", "-m", "pip", "install", "--no-cache-dir"}
		if source != "" {
			argv = append(argv, "--index-url", source)
		}
		argv = append(argv, pkg)
	}

	res, err := m.rt.Exec(ctx, sess.ContainerID, runtime.ExecSpec{
		Argv:       argv,
		TimeBudget: time.Duration(m.cfg.Limits.InstallTimeoutSeconds) * time.Second,
		ByteBudget: m.cfg.Limits.MaxOutputBytes,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, errs.Newf(errs.CodeTimeout, "package installation exceeded %ds", m.cfg.Limits.InstallTimeoutSeconds)
	}

	m.reg.Touch(id)
	output := string(res.Stdout)
	if len(res.Stderr) > 0 {
		output += string(res.Stderr)
	}
	return &InstallResult{Output: output, ExitCode: res.ExitCode}, nil
}

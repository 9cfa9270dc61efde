package session

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"execgate/internal/errs"
	"execgate/internal/runtime"
)

// fileTransferBudget bounds the runtime round-trips behind file operations.
const fileTransferBudget = 30 * time.Second

// transferTimeout maps an expired transfer budget to the taxonomy. Unlike
// executes, transfer timeouts are transient transport failures and retry.
func transferTimeout(transferCtx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || transferCtx.Err() == context.DeadlineExceeded {
		return errs.New(errs.CodeTimeout, "file transfer timed out").WithRetryable(true)
	}
	return err
}

// FileEntry is one directory listing row. Path is the relative form
// clients use; confinement applies to the full normalized path.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Path  string `json:"path"`
}

// FileContent is the result of a read. Binary files are base64-encoded.
type FileContent struct {
	Content string `json:"content"`
	Base64  bool   `json:"base64,omitempty"`
}

// ListFiles lists the workspace directory at p ("." for the root).
func (m *Manager) ListFiles(ctx context.Context, id, p string) ([]FileEntry, error) {
	if p == "" {
		p = "."
	}
	resolved, err := resolvePath(p)
	if err != nil {
		return nil, err
	}
	sess, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}

	res, err := m.rt.Exec(ctx, sess.ContainerID, runtime.ExecSpec{
		Argv:       []string{"ls", "-F", resolved},
		TimeBudget: fileTransferBudget,
		ByteBudget: m.cfg.Limits.MaxOutputBytes,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, errs.New(errs.CodeTimeout, "file transfer timed out").WithRetryable(true)
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(string(res.Stderr))
		if msg == "" {
			msg = "cannot list " + toUserPath(resolved)
		}
		return nil, errs.New(errs.CodeInvalidArgument, msg)
	}

	parent := toUserPath(resolved)
	entries := []FileEntry{}
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		isDir := strings.HasSuffix(line, "/")
		name := strings.TrimRight(line, "/*@|=")
		if name == "" {
			continue
		}
		entryPath := name
		if parent != "." && parent != "" {
			entryPath = parent + "/" + name
		}
		entries = append(entries, FileEntry{Name: name, IsDir: isDir, Path: entryPath})
	}

	m.reg.Touch(id)
	return entries, nil
}

// ReadFile extracts one file through the runtime's archive primitive.
func (m *Manager) ReadFile(ctx context.Context, id, p string) (*FileContent, error) {
	resolved, err := resolvePath(p)
	if err != nil {
		return nil, err
	}
	sess, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}

	transferCtx, cancel := context.WithTimeout(ctx, fileTransferBudget)
	defer cancel()
	rc, err := m.rt.GetArchive(transferCtx, sess.ContainerID, resolved)
	if err != nil {
		return nil, transferTimeout(transferCtx, err)
	}
	defer rc.Close()

	// Only the first, outermost member is the requested path; for a
	// directory the daemon streams every descendant after it, none of
	// which is the file the caller named.
	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err == io.EOF {
		return nil, errs.Newf(errs.CodeInvalidArgument, "no such file: %s", toUserPath(resolved))
	}
	if err != nil {
		return nil, transferTimeout(transferCtx, errs.Newf(errs.CodeInternal, "read archive: %v", err))
	}
	if hdr.Typeflag == tar.TypeDir {
		return nil, errs.Newf(errs.CodeInvalidArgument, "path is a directory: %s", toUserPath(resolved))
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil, errs.Newf(errs.CodeInvalidArgument, "not a regular file: %s", toUserPath(resolved))
	}
	if hdr.Size > int64(m.cfg.Limits.MaxFileBytes) {
		return nil, errs.New(errs.CodeFileTooLarge, "file exceeds max read size").
			WithDetails(map[string]any{"max_file_bytes": m.cfg.Limits.MaxFileBytes})
	}
	data, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
	if err != nil {
		return nil, transferTimeout(transferCtx, errs.Newf(errs.CodeInternal, "extract file: %v", err))
	}
	m.reg.Touch(id)
	if utf8.Valid(data) {
		return &FileContent{Content: string(data)}, nil
	}
	return &FileContent{Content: base64.StdEncoding.EncodeToString(data), Base64: true}, nil
}

// WriteFile writes content through the runtime's archive primitive,
// creating parent directories as needed. Archive semantics make the
// overwrite atomic.
func (m *Manager) WriteFile(ctx context.Context, id, p, content string) error {
	resolved, err := resolvePath(p)
	if err != nil {
		return err
	}
	if len(content) > m.cfg.Limits.MaxFileBytes {
		return errs.New(errs.CodeFileTooLarge, "content exceeds max write size").
			WithDetails(map[string]any{"max_file_bytes": m.cfg.Limits.MaxFileBytes})
	}
	sess, err := m.reg.Get(id)
	if err != nil {
		return err
	}

	dir, base := path.Split(resolved)
	dir = path.Clean(dir)
	if base == "" || resolved == runtime.WorkspacePath {
		return errs.New(errs.CodeInvalidPath, "path must name a file")
	}

	if dir != runtime.WorkspacePath {
		res, err := m.rt.Exec(ctx, sess.ContainerID, runtime.ExecSpec{
			Argv:       []string{"mkdir", "-p", dir},
			TimeBudget: fileTransferBudget,
		})
		if err != nil {
			return err
		}
		if res.TimedOut {
			return errs.New(errs.CodeTimeout, "file transfer timed out").WithRetryable(true)
		}
		if res.ExitCode != 0 {
			return errs.Newf(errs.CodeInternal, "create parent dirs: %s", strings.TrimSpace(string(res.Stderr)))
		}
	}

	archive, err := singleFileArchive(base, []byte(content))
	if err != nil {
		return errs.Newf(errs.CodeInternal, "build archive: %v", err)
	}
	transferCtx, cancel := context.WithTimeout(ctx, fileTransferBudget)
	defer cancel()
	if err := m.rt.PutArchive(transferCtx, sess.ContainerID, dir, archive); err != nil {
		return transferTimeout(transferCtx, err)
	}

	m.reg.Touch(id)
	return nil
}

// singleFileArchive wraps data in a one-member tar stream owned by the
// sandbox user.
func singleFileArchive(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
		Uid:     1000,
		Gid:     1000,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

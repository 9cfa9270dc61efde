// Package api exposes the Session Manager's operation set to the MCP
// frontend. The operation table is an explicit name → definition record;
// every handler returns the shared response envelope and never panics or
// throws across the boundary.
package api

import (
	"context"

	"execgate/internal/config"
	"execgate/internal/engine"
	"execgate/internal/errs"
	"execgate/internal/session"
)

// SessionService abstracts the session manager operations handlers need.
type SessionService interface {
	CreateSession(ctx context.Context, timeoutSeconds int) (*session.SessionInfo, error)
	ListSessions(ctx context.Context, includeInactive bool) ([]session.SessionInfo, error)
	CloseSession(ctx context.Context, id string, force bool) error
	Execute(ctx context.Context, id, code string, limits *session.Limits) (*engine.Result, error)
	ListFiles(ctx context.Context, id, path string) ([]session.FileEntry, error)
	ReadFile(ctx context.Context, id, path string) (*session.FileContent, error)
	WriteFile(ctx context.Context, id, path, content string) error
	InstallPackage(ctx context.Context, id, pkg, source string) (*session.InstallResult, error)
}

// Handler runs one operation. Returned fields are merged into the success
// envelope; a handler that sets "success" itself keeps its value.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// OpDef is one entry of the dispatch table.
type OpDef struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

func obj(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// buildOps assembles the operation table. The execute operation name
// follows the variant: the persistent evaluator exposes
// execute_in_session, the one-shot interpreter execute_python_code.
func buildOps(svc SessionService, language string) []OpDef {
	executeName := "execute_python_code"
	executeDesc := "Execute Python code in a session; each call runs a fresh interpreter"
	if language == config.LanguageR {
		executeName = "execute_in_session"
		executeDesc = "Execute R code in a session; variables persist across calls"
	}

	return []OpDef{
		{
			Name:        "create_session",
			Description: "Create a new isolated session container",
			InputSchema: obj(map[string]any{
				"timeout_seconds": map[string]any{"type": "integer", "description": "idle timeout override in seconds"},
			}),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				timeout, err := optInt(args, "timeout_seconds", 0)
				if err != nil {
					return nil, err
				}
				info, err := svc.CreateSession(ctx, timeout)
				if err != nil {
					return nil, err
				}
				fields := map[string]any{
					"id":           info.ID,
					"created_at":   info.CreatedAt,
					"last_used_at": info.LastUsedAt,
				}
				if info.HostPort > 0 {
					fields["host_port"] = info.HostPort
				}
				return fields, nil
			},
		},
		{
			Name:        "list_sessions",
			Description: "List live sessions",
			InputSchema: obj(map[string]any{
				"include_inactive": map[string]any{"type": "boolean"},
			}),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				includeInactive, err := optBool(args, "include_inactive", false)
				if err != nil {
					return nil, err
				}
				sessions, err := svc.ListSessions(ctx, includeInactive)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"sessions": sessions,
					"count":    len(sessions),
				}, nil
			},
		},
		{
			Name:        "close_session",
			Description: "Close a session and remove its container",
			InputSchema: obj(map[string]any{
				"id":    map[string]any{"type": "string"},
				"force": map[string]any{"type": "boolean"},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				id, err := reqString(args, "id")
				if err != nil {
					return nil, err
				}
				force, err := optBool(args, "force", false)
				if err != nil {
					return nil, err
				}
				if err := svc.CloseSession(ctx, id, force); err != nil {
					return nil, err
				}
				return map[string]any{"message": "session " + id + " closed"}, nil
			},
		},
		{
			Name:        executeName,
			Description: executeDesc,
			InputSchema: obj(map[string]any{
				"id":   map[string]any{"type": "string"},
				"code": map[string]any{"type": "string"},
				"limits": obj(map[string]any{
					"max_duration_seconds": map[string]any{"type": "number"},
					"max_output_bytes":     map[string]any{"type": "integer"},
				}),
			}, "id", "code"),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				id, err := reqString(args, "id")
				if err != nil {
					return nil, err
				}
				code, err := reqString(args, "code")
				if err != nil {
					return nil, err
				}
				limits, err := optLimits(args)
				if err != nil {
					return nil, err
				}
				res, err := svc.Execute(ctx, id, code, limits)
				if err != nil {
					return nil, err
				}
				fields := map[string]any{
					"output": res.Output,
					"meta": map[string]any{
						"elapsed_seconds":  res.ElapsedSecs,
						"output_truncated": res.Truncated,
					},
				}
				if res.Result != "" {
					fields["result"] = res.Result
				}
				if language != config.LanguageR {
					fields["exit_code"] = res.ExitCode
				}
				// User-code failures are data, not operation failures:
				// the envelope flips but output and meta stay.
				if res.Err != nil {
					fields["success"] = false
					fields["error"] = errorObject(res.Err)
				}
				return fields, nil
			},
		},
		{
			Name:        "list_session_files",
			Description: "List files in the session workspace",
			InputSchema: obj(map[string]any{
				"id":   map[string]any{"type": "string"},
				"path": map[string]any{"type": "string", "default": "."},
			}, "id"),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				id, err := reqString(args, "id")
				if err != nil {
					return nil, err
				}
				path, err := optString(args, "path", ".")
				if err != nil {
					return nil, err
				}
				files, err := svc.ListFiles(ctx, id, path)
				if err != nil {
					return nil, err
				}
				return map[string]any{"files": files}, nil
			},
		},
		{
			Name:        "read_session_file",
			Description: "Read a file from the session workspace",
			InputSchema: obj(map[string]any{
				"id":   map[string]any{"type": "string"},
				"path": map[string]any{"type": "string"},
			}, "id", "path"),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				id, err := reqString(args, "id")
				if err != nil {
					return nil, err
				}
				path, err := reqString(args, "path")
				if err != nil {
					return nil, err
				}
				content, err := svc.ReadFile(ctx, id, path)
				if err != nil {
					return nil, err
				}
				fields := map[string]any{"content": content.Content}
				if content.Base64 {
					fields["base64"] = true
				}
				return fields, nil
			},
		},
		{
			Name:        "write_session_file",
			Description: "Write a file into the session workspace",
			InputSchema: obj(map[string]any{
				"id":      map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}, "id", "path", "content"),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				id, err := reqString(args, "id")
				if err != nil {
					return nil, err
				}
				path, err := reqString(args, "path")
				if err != nil {
					return nil, err
				}
				content, ok := args["content"].(string)
				if !ok {
					return nil, errs.New(errs.CodeInvalidArgument, "content must be a string")
				}
				if err := svc.WriteFile(ctx, id, path, content); err != nil {
					return nil, err
				}
				return map[string]any{"message": "wrote " + path}, nil
			},
		},
		{
			Name:        "install_package",
			Description: "Install a package inside the session",
			InputSchema: obj(map[string]any{
				"id":           map[string]any{"type": "string"},
				"package_name": map[string]any{"type": "string"},
				"source":       map[string]any{"type": "string"},
			}, "id", "package_name"),
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				id, err := reqString(args, "id")
				if err != nil {
					return nil, err
				}
				pkg, err := reqString(args, "package_name")
				if err != nil {
					return nil, err
				}
				source, err := optString(args, "source", "")
				if err != nil {
					return nil, err
				}
				res, err := svc.InstallPackage(ctx, id, pkg, source)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"output":    res.Output,
					"exit_code": res.ExitCode,
				}, nil
			},
		},
	}
}

// Argument extraction. JSON numbers arrive as float64.

func reqString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", errs.Newf(errs.CodeInvalidArgument, "%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errs.Newf(errs.CodeInvalidArgument, "%s must be a non-empty string", key)
	}
	return s, nil
}

func optString(args map[string]any, key, def string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.Newf(errs.CodeInvalidArgument, "%s must be a string", key)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

func optBool(args map[string]any, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errs.Newf(errs.CodeInvalidArgument, "%s must be a boolean", key)
	}
	return b, nil
}

func optInt(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, errs.Newf(errs.CodeInvalidArgument, "%s must be an integer", key)
	}
}

func optLimits(args map[string]any) (*session.Limits, error) {
	v, ok := args["limits"]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errs.New(errs.CodeInvalidArgument, "limits must be an object")
	}
	out := &session.Limits{}
	if d, ok := m["max_duration_seconds"]; ok {
		f, ok := d.(float64)
		if !ok {
			return nil, errs.New(errs.CodeInvalidArgument, "max_duration_seconds must be a number")
		}
		out.MaxDurationSeconds = f
	}
	if b, ok := m["max_output_bytes"]; ok {
		f, ok := b.(float64)
		if !ok {
			return nil, errs.New(errs.CodeInvalidArgument, "max_output_bytes must be an integer")
		}
		out.MaxOutputBytes = int(f)
	}
	return out, nil
}

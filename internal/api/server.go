package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"execgate/internal/errs"
)

const serverName = "execgate"

type Server struct {
	svc    SessionService
	logger *slog.Logger
	ops    []OpDef
	byName map[string]OpDef
}

func NewServer(svc SessionService, language string, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
		ops:    buildOps(svc, language),
		byName: make(map[string]OpDef),
	}
	for _, op := range s.ops {
		s.byName[op.Name] = op
	}
	return s
}

// Ops returns the operation table in registration order.
func (s *Server) Ops() []OpDef {
	return s.ops
}

// Dispatch runs one operation and always returns a response envelope;
// nothing throws across this boundary.
func (s *Server) Dispatch(ctx context.Context, name string, args map[string]any) (envelope map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.New().String()[:8]
			s.logger.Error("operation panicked", "op", name, "correlation_id", correlationID, "panic", r)
			envelope = failureEnvelope(errs.New(errs.CodeInternal, "internal error (ref "+correlationID+")"))
		}
	}()

	op, ok := s.byName[name]
	if !ok {
		return failureEnvelope(errs.Newf(errs.CodeInvalidArgument, "unknown operation: %s", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	fields, err := op.Handler(ctx, args)
	if err != nil {
		e := errs.As(err)
		if e == nil {
			correlationID := uuid.New().String()[:8]
			s.logger.Error("operation failed", "op", name, "correlation_id", correlationID, "error", err)
			e = errs.New(errs.CodeInternal, "internal error (ref "+correlationID+")")
		} else if e.Code == errs.CodeInternal {
			s.logger.Error("operation failed", "op", name, "error", err)
		}
		return failureEnvelope(e)
	}

	envelope = map[string]any{"success": true}
	for k, v := range fields {
		envelope[k] = v
	}
	return envelope
}

func failureEnvelope(e *errs.Error) map[string]any {
	return map[string]any{
		"success": false,
		"error":   errorObject(e),
	}
}

func errorObject(e *errs.Error) map[string]any {
	obj := map[string]any{
		"code":      string(e.Code),
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	if len(e.Details) > 0 {
		obj["details"] = e.Details
	}
	return obj
}

// Run serves the operation table over MCP stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context, version string) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, nil)

	for _, op := range s.ops {
		op := op
		srv.AddTool(&mcp.Tool{
			Name:        op.Name,
			Description: op.Description,
			InputSchema: op.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					args = nil
				}
			}
			envelope := s.Dispatch(ctx, op.Name, args)
			data, err := json.Marshal(envelope)
			if err != nil {
				data = []byte(`{"success":false,"error":{"code":"internal","message":"encode response","retryable":false}}`)
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
			}, nil
		})
	}

	s.logger.Info("mcp server ready", "ops", len(s.ops))
	return srv.Run(ctx, &mcp.StdioTransport{})
}

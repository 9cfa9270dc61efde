package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"execgate/internal/engine"
	"execgate/internal/session"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) CreateSession(ctx context.Context, timeoutSeconds int) (*session.SessionInfo, error) {
	args := m.Called(ctx, timeoutSeconds)
	if info := args.Get(0); info != nil {
		return info.(*session.SessionInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) ListSessions(ctx context.Context, includeInactive bool) ([]session.SessionInfo, error) {
	args := m.Called(ctx, includeInactive)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]session.SessionInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) CloseSession(ctx context.Context, id string, force bool) error {
	args := m.Called(ctx, id, force)
	return args.Error(0)
}

func (m *MockSessionService) Execute(ctx context.Context, id, code string, limits *session.Limits) (*engine.Result, error) {
	args := m.Called(ctx, id, code, limits)
	if res := args.Get(0); res != nil {
		return res.(*engine.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) ListFiles(ctx context.Context, id, path string) ([]session.FileEntry, error) {
	args := m.Called(ctx, id, path)
	if files := args.Get(0); files != nil {
		return files.([]session.FileEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) ReadFile(ctx context.Context, id, path string) (*session.FileContent, error) {
	args := m.Called(ctx, id, path)
	if content := args.Get(0); content != nil {
		return content.(*session.FileContent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) WriteFile(ctx context.Context, id, path, content string) error {
	args := m.Called(ctx, id, path, content)
	return args.Error(0)
}

func (m *MockSessionService) InstallPackage(ctx context.Context, id, pkg, source string) (*session.InstallResult, error) {
	args := m.Called(ctx, id, pkg, source)
	if res := args.Get(0); res != nil {
		return res.(*session.InstallResult), args.Error(1)
	}
	return nil, args.Error(1)
}

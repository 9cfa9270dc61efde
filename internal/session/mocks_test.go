package session

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"execgate/internal/engine"
	"execgate/internal/registry"
	"execgate/internal/runtime"
)

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockRuntime) Start(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntime) StopRemove(ctx context.Context, containerID string) error {
	args := m.Called(ctx, containerID)
	return args.Error(0)
}

func (m *MockRuntime) Inspect(ctx context.Context, containerID string) (*runtime.Info, error) {
	args := m.Called(ctx, containerID)
	if info := args.Get(0); info != nil {
		return info.(*runtime.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) Exec(ctx context.Context, containerID string, spec runtime.ExecSpec) (*runtime.ExecResult, error) {
	args := m.Called(ctx, containerID, spec)
	if res := args.Get(0); res != nil {
		return res.(*runtime.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) PutArchive(ctx context.Context, containerID, dirPath string, archive io.Reader) error {
	args := m.Called(ctx, containerID, dirPath, archive)
	return args.Error(0)
}

func (m *MockRuntime) GetArchive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, containerID, path)
	if r := args.Get(0); r != nil {
		return r.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) ListManaged(ctx context.Context) ([]runtime.Managed, error) {
	args := m.Called(ctx)
	if managed := args.Get(0); managed != nil {
		return managed.([]runtime.Managed), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRuntime) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Execute(ctx context.Context, sess *registry.Session, code string, limits engine.Limits) (*engine.Result, error) {
	args := m.Called(ctx, sess, code, limits)
	if res := args.Get(0); res != nil {
		return res.(*engine.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

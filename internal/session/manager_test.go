package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"execgate/internal/config"
	"execgate/internal/errs"
	"execgate/internal/registry"
	"execgate/internal/runtime"
)

func testConfig() *config.Config {
	return &config.Config{
		Language:           config.LanguagePython,
		IdleTimeoutSeconds: 300,
		MaxSessions:        10,
		Image:              "python:3.11-slim",
		Limits: config.Limits{
			DefaultExecTimeoutSeconds: 30,
			MaxExecTimeoutSeconds:     300,
			MaxOutputBytes:            1024 * 1024,
			MaxFileBytes:              1024,
			MaxCodeChars:              10_000,
			InstallTimeoutSeconds:     60,
		},
		Resources: config.Resources{
			MemoryLimitMB: 512,
			CPUQuota:      0.5,
			PidsLimit:     256,
			TmpfsSizes: map[string]string{
				"/tmp":     "100m",
				"/sandbox": "500m",
			},
		},
		DB: config.DB{Host: "db.internal", Port: 5432, User: "app", Name: "appdb"},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *MockRuntime, *MockEngine, *registry.Registry) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	rt := &MockRuntime{}
	eng := &MockEngine{}
	reg := registry.New(cfg.MaxSessions)
	mgr := NewManager(cfg, rt, reg, eng, nil, testLogger())
	return mgr, rt, eng, reg
}

// insertSession places a live record directly, bypassing container
// creation.
func insertSession(reg *registry.Registry, s *registry.Session) {
	reg.Reserve()
	reg.Insert(s)
}

func TestCreateSessionOneShot(t *testing.T) {
	mgr, rt, _, reg := newTestManager(t, nil)

	rt.On("Create", mock.Anything, mock.MatchedBy(func(spec runtime.CreateSpec) bool {
		return spec.Image == "python:3.11-slim" &&
			len(spec.Cmd) == 2 && spec.Cmd[0] == "sleep" &&
			!spec.PublishEvaluatorPort &&
			!spec.EnableNetwork &&
			spec.Tmpfs["/tmp"] == 100*1024*1024 &&
			spec.Tmpfs["/sandbox"] == 500*1024*1024 &&
			spec.MemoryBytes == 512*1024*1024
	})).Return("c1", nil)
	rt.On("Start", mock.Anything, "c1").Return(nil)

	info, err := mgr.CreateSession(context.Background(), 0)
	require.NoError(t, err)

	assert.NotEmpty(t, info.ID)
	assert.Equal(t, 0, info.HostPort)
	assert.False(t, info.LastUsedAt.Before(info.CreatedAt))
	assert.Equal(t, 1, reg.Len())
	rt.AssertExpectations(t)
}

func TestCreateSessionInjectsDBEnv(t *testing.T) {
	mgr, rt, _, _ := newTestManager(t, nil)

	rt.On("Create", mock.Anything, mock.MatchedBy(func(spec runtime.CreateSpec) bool {
		found := 0
		for _, e := range spec.Env {
			switch e {
			case "DB_HOST=db.internal", "DB_PORT=5432", "DB_USER=app", "DB_NAME=appdb":
				found++
			}
		}
		return found == 4
	})).Return("c1", nil)
	rt.On("Start", mock.Anything, "c1").Return(nil)

	_, err := mgr.CreateSession(context.Background(), 0)
	require.NoError(t, err)
	rt.AssertExpectations(t)
}

func TestCreateSessionPersistentCapturesHostPort(t *testing.T) {
	cfg := testConfig()
	cfg.Language = config.LanguageR
	cfg.Image = "execgate-r-evaluator:latest"
	mgr, rt, _, _ := newTestManager(t, cfg)

	rt.On("Create", mock.Anything, mock.MatchedBy(func(spec runtime.CreateSpec) bool {
		return spec.PublishEvaluatorPort && spec.Cmd == nil
	})).Return("c1", nil)
	rt.On("Start", mock.Anything, "c1").Return(nil)
	rt.On("Inspect", mock.Anything, "c1").Return(&runtime.Info{Running: true, EvaluatorHostPort: 49321}, nil)

	info, err := mgr.CreateSession(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 49321, info.HostPort)
}

func TestCreateSessionStartFailureRemovesContainer(t *testing.T) {
	mgr, rt, _, reg := newTestManager(t, nil)

	rt.On("Create", mock.Anything, mock.Anything).Return("c1", nil)
	rt.On("Start", mock.Anything, "c1").Return(errs.New(errs.CodeRuntimeUnavailable, "start failed"))
	rt.On("StopRemove", mock.Anything, "c1").Return(nil)

	_, err := mgr.CreateSession(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeRuntimeUnavailable))
	assert.Equal(t, 0, reg.Len())
	rt.AssertCalled(t, "StopRemove", mock.Anything, "c1")

	// The reserved slot was released.
	assert.NoError(t, reg.Reserve())
}

func TestCreateSessionCapacityExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	mgr, rt, _, reg := newTestManager(t, cfg)

	insertSession(reg, &registry.Session{ID: "s1", ContainerID: "c1"})

	_, err := mgr.CreateSession(context.Background(), 0)
	assert.True(t, errs.Is(err, errs.CodeCapacityExhausted))
	rt.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCreateSessionNegativeTimeout(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	_, err := mgr.CreateSession(context.Background(), -1)
	assert.True(t, errs.Is(err, errs.CodeInvalidArgument))
}

func TestConcurrentCreatesRespectCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	mgr, rt, _, reg := newTestManager(t, cfg)

	rt.On("Create", mock.Anything, mock.Anything).Return("c", nil)
	rt.On("Start", mock.Anything, "c").Return(nil)

	const attempts = 6
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = mgr.CreateSession(context.Background(), 0)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else {
			assert.True(t, errs.Is(err, errs.CodeCapacityExhausted))
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 2, reg.Len())
}

func TestCloseSessionForced(t *testing.T) {
	mgr, rt, _, reg := newTestManager(t, nil)
	insertSession(reg, &registry.Session{ID: "s1", ContainerID: "c1"})

	rt.On("StopRemove", mock.Anything, "c1").Return(nil)

	require.NoError(t, mgr.CloseSession(context.Background(), "s1", true))
	assert.Equal(t, 0, reg.Len())

	// Idempotence: the second close reports session_not_found, never a
	// runtime error.
	err := mgr.CloseSession(context.Background(), "s1", true)
	assert.True(t, errs.Is(err, errs.CodeSessionNotFound))
}

func TestCloseSessionActiveRefused(t *testing.T) {
	mgr, rt, _, reg := newTestManager(t, nil)
	insertSession(reg, &registry.Session{ID: "s1", ContainerID: "c1"})

	err := mgr.CloseSession(context.Background(), "s1", false)
	assert.True(t, errs.Is(err, errs.CodeSessionActive))
	assert.True(t, errs.As(err).Retryable)
	assert.Equal(t, 1, reg.Len())
	rt.AssertNotCalled(t, "StopRemove", mock.Anything, mock.Anything)
}

func TestCloseSessionIdleWithoutForce(t *testing.T) {
	mgr, rt, _, reg := newTestManager(t, nil)
	old := time.Now().Add(-time.Hour)
	insertSession(reg, &registry.Session{ID: "s1", ContainerID: "c1", CreatedAt: old})

	rt.On("StopRemove", mock.Anything, "c1").Return(nil)

	require.NoError(t, mgr.CloseSession(context.Background(), "s1", false))
	assert.Equal(t, 0, reg.Len())
}

func TestCloseSessionRuntimeFailureKeepsRecord(t *testing.T) {
	mgr, rt, _, reg := newTestManager(t, nil)
	insertSession(reg, &registry.Session{ID: "s1", ContainerID: "c1"})

	rt.On("StopRemove", mock.Anything, "c1").Return(errs.New(errs.CodeRuntimeUnavailable, "daemon down")).Once()

	err := mgr.CloseSession(context.Background(), "s1", true)
	assert.True(t, errs.Is(err, errs.CodeRuntimeUnavailable))
	// The record stays so the reaper retries the teardown.
	assert.Equal(t, 1, reg.Len())

	rt.On("StopRemove", mock.Anything, "c1").Return(nil).Once()
	require.NoError(t, mgr.ReapSession(context.Background(), "s1"))
	assert.Equal(t, 0, reg.Len())
}

func TestListSessionsFiltersIdle(t *testing.T) {
	mgr, _, _, reg := newTestManager(t, nil)

	insertSession(reg, &registry.Session{ID: "fresh", ContainerID: "c1"})
	insertSession(reg, &registry.Session{ID: "stale", ContainerID: "c2", CreatedAt: time.Now().Add(-time.Hour)})

	active, err := mgr.ListSessions(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)

	all, err := mgr.ListSessions(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIdleSessionsHonorsPerSessionOverride(t *testing.T) {
	mgr, _, _, reg := newTestManager(t, nil)

	// 10s old; default timeout 300s, override 5s.
	insertSession(reg, &registry.Session{ID: "short", ContainerID: "c1", CreatedAt: time.Now().Add(-10 * time.Second), IdleTimeout: 5 * time.Second})
	insertSession(reg, &registry.Session{ID: "default", ContainerID: "c2", CreatedAt: time.Now().Add(-10 * time.Second)})

	idle := mgr.IdleSessions(time.Now())
	assert.Equal(t, []string{"short"}, idle)
}

func TestStartupSweepRemovesOrphans(t *testing.T) {
	mgr, rt, _, reg := newTestManager(t, nil)
	insertSession(reg, &registry.Session{ID: "live", ContainerID: "c-live"})

	rt.On("ListManaged", mock.Anything).Return([]runtime.Managed{
		{ContainerID: "c-live", SessionID: "live"},
		{ContainerID: "c-orphan", SessionID: "dead"},
	}, nil)
	rt.On("StopRemove", mock.Anything, "c-orphan").Return(nil)

	mgr.StartupSweep(context.Background())

	rt.AssertCalled(t, "StopRemove", mock.Anything, "c-orphan")
	rt.AssertNotCalled(t, "StopRemove", mock.Anything, "c-live")
}

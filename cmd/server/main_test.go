package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TheTomik1/chat-app/internal/blob"
	"github.com/TheTomik1/chat-app/internal/server"
	"github.com/TheTomik1/chat-app/internal/store"
)

// TestLoadConfigFlagsOverrideEnvironment verifies flag precedence.
func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("SERVER_PORT", ":1111")

	cmd := newRootCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--env", "development", "--port", ":2222"}))

	var opts options
	opts.env, _ = cmd.Flags().GetString("env")
	opts.port, _ = cmd.Flags().GetString("port")

	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ":2222", cfg.Port)
}

// TestRootCommandRejectsArguments verifies stray arguments fail fast.
func TestRootCommandRejectsArguments(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"unexpected"})
	assert.Error(t, cmd.Execute())
}

// closeRecorder is a memory backend that records Close.
type closeRecorder struct {
	*store.Memory
	closed bool
}

func (c *closeRecorder) Close(ctx context.Context) error {
	c.closed = true
	return c.Memory.Close(ctx)
}

// TestRunClosesStorageWhenStartupFails verifies the store is released when
// a later dependency can not be reached.
func TestRunClosesStorageWhenStartupFails(t *testing.T) {
	backend := &closeRecorder{Memory: store.NewMemory()}
	original := openStorage
	openStorage = func(context.Context, *server.Config, *zap.Logger) (*backends, error) {
		return &backends{
			threads: store.NewThreads(backend, nil, zap.NewNop()),
			users:   store.NewMemoryUsers(),
			files:   blob.NewMemory(),
		}, nil
	}
	t.Cleanup(func() { openStorage = original })

	cfg := server.NewConfig()
	cfg.Redis.Addr = "127.0.0.1:1"

	err := run(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, backend.closed)
}

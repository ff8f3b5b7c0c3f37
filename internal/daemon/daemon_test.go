package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dopejs/keepsync/internal/auth"
	"github.com/dopejs/keepsync/internal/clock"
	"github.com/dopejs/keepsync/internal/config"
	"github.com/dopejs/keepsync/internal/engine"
	"github.com/dopejs/keepsync/internal/remote"
	"github.com/dopejs/keepsync/internal/store"
)

func newTestDaemon(t *testing.T, configYAML string) (*Daemon, *engine.Engine, *config.Config) {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		Home:   home,
		Remote: config.RemoteConfig{Backend: "memory"},
		Web:    config.WebConfig{Enabled: true, Addr: "127.0.0.1:0"},
		Sync: config.SyncConfig{
			WatchedKeys:        config.DefaultWatchedKeys,
			SyncDelay:          config.DefaultSyncDelay,
			MinSyncInterval:    config.DefaultMinSyncInterval,
			CloudCheckInterval: config.DefaultCloudCheckInterval,
			MaxRetries:         config.DefaultMaxRetries,
			LoginAttempts:      1,
			NetworkTimeout:     time.Second,
		},
	}
	if configYAML != "" {
		cfg.File = filepath.Join(home, "keepsync.yaml")
		require.NoError(t, os.WriteFile(cfg.File, []byte(configYAML), 0o600))
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)).Sugar()
	eng, err := engine.New(engine.Options{
		Backend: store.NewMemory(),
		Remote:  remote.NewMemory(),
		Sync:    cfg.Sync,
		Clock:   clock.NewMock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	d := New(Options{
		Config:  cfg,
		Engine:  eng,
		Session: auth.Session{UserID: "user-1"},
		Version: "test",
		Logger:  logger,
	})
	return d, eng, cfg
}

func start(t *testing.T, d *Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}
	return cancel, done
}

func TestDaemonLifecycle(t *testing.T) {
	d, eng, cfg := newTestDaemon(t, "")
	cancel, done := start(t, d)

	pid, err := ReadPid(PidPath(cfg.Home))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp, err := http.Get("http://" + d.Addr() + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st engine.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "user-1", st.UserID)
	assert.True(t, st.Enabled)
	assert.Equal(t, engine.StateSynced, st.State)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, eng.Status().Enabled)
	_, err = os.Stat(PidPath(cfg.Home))
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonReloadsRuntimeSettings(t *testing.T) {
	d, eng, cfg := newTestDaemon(t, "sync:\n  sync_delay: 5s\n")
	cancel, done := start(t, d)
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, os.WriteFile(cfg.File, []byte("sync:\n  sync_delay: 2s\n  cloud_check_interval: 30s\n"), 0o600))
	require.Eventually(t, func() bool {
		c := eng.Config()
		return c.SyncDelay == 2*time.Second && c.CloudCheckInterval == 30*time.Second
	}, 5*time.Second, 50*time.Millisecond)

	// an invalid file keeps the current settings
	require.NoError(t, os.WriteFile(cfg.File, []byte("sync:\n  cloud_check_interval: 1s\n"), 0o600))
	time.Sleep(time.Second)
	assert.Equal(t, 30*time.Second, eng.Config().CloudCheckInterval)
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	d, _, cfg := newTestDaemon(t, "")
	require.NoError(t, WritePid(PidPath(cfg.Home), os.Getppid()))

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestDaemonWithoutAPI(t *testing.T) {
	d, eng, cfg := newTestDaemon(t, "")
	cfg.Web.Enabled = false
	cancel, done := start(t, d)
	assert.Empty(t, d.Addr())
	assert.Equal(t, "user-1", eng.User())
	cancel()
	require.NoError(t, <-done)
}

func TestDaemonForwardsEventsToWebhooks(t *testing.T) {
	got := make(chan string, 16)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Event string `json:"event"`
		}
		if json.NewDecoder(r.Body).Decode(&p) == nil {
			got <- p.Event
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d, _, _ := newTestDaemon(t, "")
	d.notify.SetWebhooks([]config.WebhookConfig{{URL: hook.URL, Events: []string{"sync_completed"}, Enabled: true}})
	cancel, done := start(t, d)
	defer func() {
		cancel()
		<-done
	}()

	select {
	case ev := <-got:
		assert.Equal(t, "sync_completed", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called for the login sync")
	}
}

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", PidFile)
	_, err := ReadPid(path)
	require.Error(t, err)

	require.NoError(t, WritePid(path, 4242))
	pid, err := ReadPid(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = ReadPid(path)
	assert.Error(t, err)

	RemovePid(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

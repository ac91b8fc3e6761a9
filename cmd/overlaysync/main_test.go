package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/sessions"
	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/shm"
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
	"github.com/fredcamaral/overlaysync/internal/test/builders"
)

// cliEnv is an isolated config file and shared-region directory
type cliEnv struct {
	configPath string
	shmDir     string
	dbPath     string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := cliEnv{
		configPath: filepath.Join(dir, "config.toml"),
		shmDir:     filepath.Join(dir, "shm"),
		dbPath:     filepath.Join(dir, "sessions.db"),
	}
	require.NoError(t, os.MkdirAll(env.shmDir, 0750))

	content := "[sessions]\ndatabase = " + `"` + filepath.ToSlash(env.dbPath) + `"` + "\n"
	require.NoError(t, os.WriteFile(env.configPath, []byte(content), 0600))
	return env
}

// execute runs the CLI with the env's config and shared-region directory
func (e cliEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(append([]string{"--config", e.configPath, "--shm-dir", e.shmDir}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "inspect", "publish-event", "watch"})

	for _, flag := range []string{"config", "verbose", "shm-dir", "log-level", "log-json"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestCollectFlags(t *testing.T) {
	t.Run("only changed flags are forwarded", func(t *testing.T) {
		cmd := newServeCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--hub-port", "9000", "--no-sessions", "--token", "abc"}))

		flags := collectFlags(cmd)
		assert.Equal(t, 9000, flags["hub-port"])
		assert.Equal(t, true, flags["no-sessions"])
		assert.Equal(t, "abc", flags["token"])
		assert.NotContains(t, flags, "api-port")
		assert.NotContains(t, flags, "no-api")
	})

	t.Run("unknown flags are skipped", func(t *testing.T) {
		cmd := &cobra.Command{Use: "bare"}
		assert.Empty(t, collectFlags(cmd))
	})
}

func TestNewLogger(t *testing.T) {
	t.Run("json handler honours level", func(t *testing.T) {
		buf := new(bytes.Buffer)
		logger, closer, err := newLogger(entities.LoggingConfig{Level: "warn", JSONFormat: true}, buf)
		require.NoError(t, err)
		defer func() { _ = closer.Close() }()

		logger.Info("hidden")
		logger.Warn("shown", slog.String("k", "v"))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "shown", entry["msg"])
		assert.Equal(t, "v", entry["k"])
	})

	t.Run("verbose promotes info to debug", func(t *testing.T) {
		buf := new(bytes.Buffer)
		logger, _, err := newLogger(entities.LoggingConfig{Level: "info", Verbose: true}, buf)
		require.NoError(t, err)

		logger.Debug("detail")
		assert.Contains(t, buf.String(), "detail")
	})

	t.Run("writes to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "overlaysync.log")
		logger, closer, err := newLogger(entities.LoggingConfig{File: path}, new(bytes.Buffer))
		require.NoError(t, err)

		logger.Info("to file")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})

	t.Run("unwritable file fails", func(t *testing.T) {
		_, _, err := newLogger(entities.LoggingConfig{File: filepath.Join(t.TempDir(), "missing", "x.log")}, new(bytes.Buffer))
		assert.Error(t, err)
	})
}

func TestBuildEvent(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	t.Run("known type", func(t *testing.T) {
		event, err := buildEvent("toggle_compact", "", now)
		require.NoError(t, err)
		assert.Equal(t, entities.EventToggleCompact, event.Type)
		assert.Equal(t, now.UnixMilli(), event.TimestampMs)
		assert.Empty(t, event.Payload)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := buildEvent("self_destruct", "", now)
		assert.ErrorIs(t, err, entities.ErrUnknownEventType)
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := buildEvent("bookmark_request", "{not json", now)
		assert.ErrorIs(t, err, errInvalidPayload)
	})
}

func TestPublishAndInspectRing(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.execute(t, "publish-event", "toggle_overlay")
	require.NoError(t, err)
	assert.Contains(t, out, "Published toggle_overlay")

	_, err = env.execute(t, "publish-event", "bookmark_request", "--payload", `{"system":"Sol"}`)
	require.NoError(t, err)

	out, err = env.execute(t, "inspect", "ring", "--format", "json")
	require.NoError(t, err)

	var stats ports.RingStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, uint64(2), stats.WriteIndex)
	assert.Equal(t, uint64(2), stats.Pending)
	assert.Equal(t, uint32(64), stats.SlotCount)

	out, err = env.execute(t, "inspect", "ring")
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING")
}

func TestInspectSnapshot(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.execute(t, "inspect", "snapshot")
	assert.ErrorIs(t, err, errNoSnapshot)

	channel := shm.NewSnapshotChannel(env.shmDir, "overlaysync-state", 64*1024, nil)
	defer func() { _ = channel.Close() }()
	require.True(t, channel.Ensure())

	payload := builders.NewSnapshotBuilder().
		WithHeartbeat(true, time.Now().UnixMilli()).
		WithRoute("Sol", "Lave", "Diso").
		WithIdentity("CMDR Jameson").
		JSON()
	require.NoError(t, channel.Write(payload, 1, time.Now().UnixMilli()))

	t.Run("table", func(t *testing.T) {
		out, err := env.execute(t, "inspect", "snapshot")
		require.NoError(t, err)
		assert.Contains(t, out, "CMDR Jameson")
		assert.Contains(t, out, "3 hops")
		assert.Contains(t, out, "Sol")
	})

	t.Run("json", func(t *testing.T) {
		out, err := env.execute(t, "inspect", "snapshot", "--format", "json")
		require.NoError(t, err)

		var view SnapshotView
		require.NoError(t, json.Unmarshal([]byte(out), &view))
		assert.Equal(t, uint32(1), view.SchemaVersion)
		assert.Len(t, view.Snapshot.Route, 3)
		assert.True(t, view.Snapshot.Online)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := env.execute(t, "inspect", "snapshot", "--format", "yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "schema_version: 1")
		assert.Contains(t, out, "commander: CMDR Jameson")
		assert.NotContains(t, out, "{")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := env.execute(t, "inspect", "snapshot", "--format", "xml")
		assert.Error(t, err)
	})
}

func TestInspectSessions(t *testing.T) {
	env := newCLIEnv(t)

	store, err := sessions.Open(env.dbPath, nil)
	require.NoError(t, err)
	ctx := context.Background()
	id, err := store.StartSession(ctx, time.Now(), "Sol")
	require.NoError(t, err)
	require.NoError(t, store.AddBookmark(ctx, ports.Bookmark{System: "Sol", Note: "start"}))
	require.NoError(t, store.Close())

	out, err := env.execute(t, "inspect", "sessions", "--format", "json")
	require.NoError(t, err)

	var list []sessions.Session
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, 1, list[0].Bookmarks)

	out, err = env.execute(t, "inspect", "sessions", id)
	require.NoError(t, err)
	assert.Contains(t, out, "start")

	out, err = env.execute(t, "inspect", "sessions", "--loose", "--format", "yaml")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)
}

func TestWatchOnce(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.execute(t, "watch", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "visible=false auto_hidden=true reason=stale")

	channel := shm.NewSnapshotChannel(env.shmDir, "overlaysync-state", 64*1024, nil)
	defer func() { _ = channel.Close() }()
	require.True(t, channel.Ensure())

	now := time.Now().UnixMilli()
	payload := builders.NewSnapshotBuilder().WithHeartbeat(true, now).JSON()
	require.NoError(t, channel.Write(payload, 1, now))

	out, err = env.execute(t, "watch", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "visible=true auto_hidden=false reason=none")
}

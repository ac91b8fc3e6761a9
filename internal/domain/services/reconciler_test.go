package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func baselineRoute() []entities.RouteNode {
	return []entities.RouteNode{
		{System: "Sol", DistanceLy: 0},
		{System: "Alpha Centauri", DistanceLy: 4.38, Jumps: 1},
		{System: "Barnard's Star", DistanceLy: 5.96, Jumps: 1, Notes: "scoop here"},
	}
}

func baselinePlayer() *entities.PlayerMarker {
	return &entities.PlayerMarker{System: "Sol", Body: "Earth", X: 0, Y: 0, Z: 0, Docked: true}
}

func newQuietReconciler(clock ports.Clock) *StateReconciler {
	return NewStateReconciler(nil, nil, clock, nil, time.Second, nil)
}

func seedBaseline(t *testing.T, r *StateReconciler) {
	t.Helper()
	ctx := context.Background()
	_, err := r.Ingest(ctx, ports.Update{
		Producer: entities.ProducerExternalClient,
		Snapshot: entities.Snapshot{
			SchemaVersion:    entities.SnapshotSchemaVersion,
			Route:            baselineRoute(),
			ActiveRouteIndex: entities.IntPtr(1),
			Identity:         &entities.Identity{Commander: "Jameson", Authenticated: true},
		},
	})
	require.NoError(t, err)
	_, err = r.Ingest(ctx, ports.Update{
		Producer: entities.ProducerLogTailer,
		Snapshot: entities.Snapshot{SchemaVersion: entities.SnapshotSchemaVersion, Player: baselinePlayer()},
	})
	require.NoError(t, err)
}

func TestNewStateReconciler(t *testing.T) {
	r := NewStateReconciler(nil, nil, nil, nil, 0, nil)
	assert.NotNil(t, r)
	assert.Equal(t, time.Second, r.heartbeat)
	assert.NotNil(t, r.clock)
	assert.NotEmpty(t, r.Table())

	_, ok := r.Latest()
	assert.False(t, ok)
	_, ok = r.LatestPayload()
	assert.False(t, ok)
}

func TestStateReconciler_AuthorityPreservation(t *testing.T) {
	ctx := context.Background()
	r := newQuietReconciler(newFakeClock(testEpoch))
	seedBaseline(t, r)

	t.Run("log tailer cannot change the route", func(t *testing.T) {
		next, err := r.Ingest(ctx, ports.Update{
			Producer: entities.ProducerLogTailer,
			Snapshot: entities.Snapshot{
				SchemaVersion: entities.SnapshotSchemaVersion,
				Route:         []entities.RouteNode{{System: "Maia"}, {System: "Merope"}},
				Player:        &entities.PlayerMarker{System: "Alpha Centauri"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, baselineRoute(), next.Route)
		require.NotNil(t, next.ActiveRouteIndex)
		assert.Equal(t, 1, *next.ActiveRouteIndex)
		assert.Equal(t, "Alpha Centauri", next.Player.System)
	})

	t.Run("external client cannot change the player", func(t *testing.T) {
		prior, ok := r.Latest()
		require.True(t, ok)

		next, err := r.Ingest(ctx, ports.Update{
			Producer: entities.ProducerExternalClient,
			Snapshot: entities.Snapshot{
				SchemaVersion: entities.SnapshotSchemaVersion,
				Route:         []entities.RouteNode{{System: "Sol"}, {System: "Sirius", DistanceLy: 8.6}},
				Player:        &entities.PlayerMarker{System: "Colonia"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, prior.Player, next.Player)
		assert.Equal(t, "Sirius", next.Route[1].System)
	})

	t.Run("renderer controls are not touched by producers", func(t *testing.T) {
		_, err := r.UpdateControls(ctx, func(c *entities.OverlayControls) { c.Compact = true })
		require.NoError(t, err)

		next, err := r.Ingest(ctx, ports.Update{
			Producer: entities.ProducerExternalClient,
			Snapshot: entities.Snapshot{
				SchemaVersion: entities.SnapshotSchemaVersion,
				Controls:      &entities.OverlayControls{Visible: false},
			},
		})
		require.NoError(t, err)
		require.NotNil(t, next.Controls)
		assert.True(t, next.Controls.Compact)
		assert.True(t, next.Controls.Visible)
	})
}

func TestStateReconciler_RouteClear(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		route      []entities.RouteNode
		player     *entities.PlayerMarker
		wantPlayer string
	}{
		{name: "empty route with incoming player", route: []entities.RouteNode{}, player: &entities.PlayerMarker{System: "Achenar"}, wantPlayer: "Achenar"},
		{name: "single node with incoming player", route: []entities.RouteNode{{System: "Sol"}}, player: &entities.PlayerMarker{System: "Lave"}, wantPlayer: "Lave"},
		{name: "single node without player keeps prior", route: []entities.RouteNode{{System: "Sol"}}, wantPlayer: "Sol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newQuietReconciler(newFakeClock(testEpoch))
			seedBaseline(t, r)

			next, err := r.Ingest(ctx, ports.Update{
				Producer: entities.ProducerExternalClient,
				Snapshot: entities.Snapshot{SchemaVersion: entities.SnapshotSchemaVersion, Route: tt.route, Player: tt.player},
			})
			require.NoError(t, err)
			assert.Nil(t, next.Route)
			assert.Nil(t, next.ActiveRouteIndex)
			require.NotNil(t, next.Player)
			assert.Equal(t, tt.wantPlayer, next.Player.System)
		})
	}

	t.Run("omitted route is preserved", func(t *testing.T) {
		r := newQuietReconciler(newFakeClock(testEpoch))
		seedBaseline(t, r)

		next, err := r.Ingest(ctx, ports.Update{
			Producer: entities.ProducerExternalClient,
			Snapshot: entities.Snapshot{
				SchemaVersion: entities.SnapshotSchemaVersion,
				Identity:      &entities.Identity{Commander: "Jameson"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, baselineRoute(), next.Route)
	})
}

func TestStateReconciler_RejectsInvalidUpdates(t *testing.T) {
	ctx := context.Background()
	metrics := newRecordingMetrics()
	r := NewStateReconciler(nil, nil, newFakeClock(testEpoch), metrics, time.Second, nil)
	seedBaseline(t, r)
	before, _ := r.Latest()

	tests := []struct {
		name    string
		update  ports.Update
		wantErr error
	}{
		{
			name:    "missing schema version",
			update:  ports.Update{Producer: entities.ProducerLogTailer, Snapshot: entities.Snapshot{Player: &entities.PlayerMarker{System: "Sol"}}},
			wantErr: ErrInvalidUpdate,
		},
		{
			name: "route node without a system",
			update: ports.Update{Producer: entities.ProducerExternalClient, Snapshot: entities.Snapshot{
				SchemaVersion: 1,
				Route:         []entities.RouteNode{{System: "Sol"}, {System: ""}},
			}},
			wantErr: ErrInvalidUpdate,
		},
		{
			name: "markup-only system name",
			update: ports.Update{Producer: entities.ProducerLogTailer, Snapshot: entities.Snapshot{
				SchemaVersion: 1,
				Player:        &entities.PlayerMarker{System: "<script></script>"},
			}},
			wantErr: ErrInvalidUpdate,
		},
		{
			name:    "reconciler tag cannot be claimed",
			update:  ports.Update{Producer: entities.ProducerReconciler, Snapshot: entities.Snapshot{SchemaVersion: 1}},
			wantErr: ErrInvalidUpdate,
		},
		{
			name:    "unknown producer",
			update:  ports.Update{Producer: "plugin", Snapshot: entities.Snapshot{SchemaVersion: 1}},
			wantErr: ErrInvalidUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Ingest(ctx, tt.update)
			require.ErrorIs(t, err, tt.wantErr)

			after, ok := r.Latest()
			require.True(t, ok)
			assert.Equal(t, before, after, "canonical state is untouched")
		})
	}

	assert.Equal(t, 2, metrics.count("rejected:log_tailer:invalid"))
	assert.Equal(t, 1, metrics.count("rejected:reconciler:producer"))
	assert.Equal(t, 1, metrics.count("rejected:external_client:invalid"))
}

func TestStateReconciler_IngestJSON(t *testing.T) {
	ctx := context.Background()
	r := newQuietReconciler(newFakeClock(testEpoch))

	_, err := r.IngestJSON(ctx, entities.ProducerExternalClient, []byte(`{"schema_version":1,"route":[`))
	require.ErrorIs(t, err, ErrMalformedPayload)

	next, err := r.IngestJSON(ctx, entities.ProducerExternalClient,
		[]byte(`{"schema_version":1,"route":[{"system":"Sol"},{"system":"Wolf 359","distance_ly":7.9}],"online":false,"heartbeat_ms":1}`))
	require.NoError(t, err)
	assert.Len(t, next.Route, 2)
	assert.True(t, next.Online, "online is owned by the reconciler")
	assert.Equal(t, testEpoch.UnixMilli(), next.HeartbeatMs)
}

func TestStateReconciler_SanitizesText(t *testing.T) {
	ctx := context.Background()
	r := newQuietReconciler(newFakeClock(testEpoch))

	next, err := r.Ingest(ctx, ports.Update{
		Producer: entities.ProducerExternalClient,
		Snapshot: entities.Snapshot{
			SchemaVersion: 1,
			Route: []entities.RouteNode{
				{System: "<b>Sol</b>", Notes: "fuel < 10% & <i>scoop</i>"},
				{System: "Cafe\u0301"},
			},
			Identity: &entities.Identity{Commander: "  Jameson<img src=x onerror=alert(1)>  "},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sol", next.Route[0].System)
	assert.Equal(t, "fuel < 10% & scoop", next.Route[0].Notes)
	assert.Equal(t, "Caf\u00e9", next.Route[1].System)
	assert.Equal(t, "Jameson", next.Identity.Commander)
}

func TestStateReconciler_PublishesToSinks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	writer := &MockSnapshotWriter{}
	broadcaster := &MockBroadcaster{}
	writer.On("Ensure").Return(true)
	writer.On("Write", mock.Anything, uint32(entities.SnapshotSchemaVersion), testEpoch.UnixMilli()).Return(nil)
	broadcaster.On("BroadcastState", mock.Anything).Return(nil)

	r := NewStateReconciler(writer, broadcaster, clock, nil, time.Second, nil)
	_, err := r.Ingest(ctx, ports.Update{
		Producer: entities.ProducerLogTailer,
		Snapshot: entities.Snapshot{SchemaVersion: 1, Player: baselinePlayer()},
	})
	require.NoError(t, err)

	writer.AssertNumberOfCalls(t, "Write", 1)
	broadcaster.AssertNumberOfCalls(t, "BroadcastState", 1)

	payload, ok := r.LatestPayload()
	require.True(t, ok)
	broadcaster.AssertCalled(t, "BroadcastState", payload)

	written := writer.writtenSnapshots()
	require.Len(t, written, 1)
	assert.True(t, written[0].Online)
	assert.Equal(t, "Sol", written[0].Player.System)
}

func TestStateReconciler_SinkFailuresDoNotFailIngest(t *testing.T) {
	ctx := context.Background()
	metrics := newRecordingMetrics()
	writer := &MockSnapshotWriter{}
	broadcaster := &MockBroadcaster{}
	writer.On("Ensure").Return(true)
	writer.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("payload too large"))
	broadcaster.On("BroadcastState", mock.Anything).Return(errors.New("no listener"))

	r := NewStateReconciler(writer, broadcaster, newFakeClock(testEpoch), metrics, time.Second, nil)
	next, err := r.Ingest(ctx, ports.Update{
		Producer: entities.ProducerLogTailer,
		Snapshot: entities.Snapshot{SchemaVersion: 1, Player: baselinePlayer()},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sol", next.Player.System)
	assert.Equal(t, 1, metrics.count("sink:snapshot_channel"))
	assert.Equal(t, 1, metrics.count("sink:hub"))

	unavailable := &MockSnapshotWriter{}
	unavailable.On("Ensure").Return(false)
	r = NewStateReconciler(unavailable, nil, newFakeClock(testEpoch), metrics, time.Second, nil)
	_, err = r.Ingest(ctx, ports.Update{
		Producer: entities.ProducerLogTailer,
		Snapshot: entities.Snapshot{SchemaVersion: 1, Player: baselinePlayer()},
	})
	require.NoError(t, err)
	unavailable.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 2, metrics.count("sink:snapshot_channel"))
}

func TestStateReconciler_HeartbeatWithoutContent(t *testing.T) {
	clock := newFakeClock(testEpoch)
	writer := &MockSnapshotWriter{}
	writer.On("Ensure").Return(true)
	writer.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	r := NewStateReconciler(writer, nil, clock, nil, time.Second, nil)
	r.Heartbeat()

	snap, ok := r.Latest()
	require.True(t, ok)
	assert.True(t, snap.Online)
	assert.Equal(t, testEpoch.UnixMilli(), snap.HeartbeatMs)
	require.NotNil(t, snap.Controls)
	assert.Equal(t, entities.DefaultControls(), *snap.Controls)

	clock.Advance(time.Second)
	r.Heartbeat()
	snap, _ = r.Latest()
	assert.Equal(t, testEpoch.Add(time.Second).UnixMilli(), snap.HeartbeatMs)
	assert.Equal(t, int64(0), snap.ProducedAtMs, "heartbeats do not count as content")
	writer.AssertNumberOfCalls(t, "Write", 2)
}

func TestStateReconciler_Run(t *testing.T) {
	clock := newFakeClock(testEpoch)
	writer := &MockSnapshotWriter{}
	writer.On("Ensure").Return(true)
	writer.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	r := NewStateReconciler(writer, nil, clock, nil, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.tickerCount() == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Second)
	clock.Tick()

	require.Eventually(t, func() bool {
		snap, ok := r.Latest()
		return ok && snap.HeartbeatMs == testEpoch.Add(time.Second).UnixMilli()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStateReconciler_ShutdownPublishesOfflineOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(testEpoch)
	writer := &MockSnapshotWriter{}
	broadcaster := &MockBroadcaster{}
	writer.On("Ensure").Return(true)
	writer.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	broadcaster.On("BroadcastState", mock.Anything).Return(nil)

	r := NewStateReconciler(writer, broadcaster, clock, nil, time.Second, nil)
	seedBaseline(t, r)

	clock.Advance(2 * time.Second)
	r.Shutdown()
	r.Shutdown()

	written := writer.writtenSnapshots()
	require.Len(t, written, 3)
	final := written[2]
	assert.False(t, final.Online)
	assert.Equal(t, testEpoch.Add(2*time.Second).UnixMilli(), final.HeartbeatMs)
	assert.Equal(t, baselineRoute(), final.Route, "final snapshot keeps content")

	_, err := r.Ingest(ctx, ports.Update{
		Producer: entities.ProducerLogTailer,
		Snapshot: entities.Snapshot{SchemaVersion: 1, Player: baselinePlayer()},
	})
	require.ErrorIs(t, err, ErrReconcilerStopped)

	r.Heartbeat()
	writer.AssertNumberOfCalls(t, "Write", 3)
	broadcaster.AssertNumberOfCalls(t, "BroadcastState", 3)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.False(t, latest.Online)
}

func TestStateReconciler_UpdateControlsAndFollowMode(t *testing.T) {
	ctx := context.Background()
	r := newQuietReconciler(newFakeClock(testEpoch))
	assert.True(t, r.FollowMode(), "follow mode defaults on")

	next, err := r.UpdateControls(ctx, func(c *entities.OverlayControls) { c.FollowMode = false })
	require.NoError(t, err)
	assert.False(t, next.Controls.FollowMode)
	assert.True(t, next.Controls.Visible)
	assert.False(t, r.FollowMode())
	assert.Equal(t, testEpoch.UnixMilli(), next.ProducedAtMs)
}

func TestStateReconciler_TailerCallbacks(t *testing.T) {
	r := newQuietReconciler(newFakeClock(testEpoch))
	callbacks := r.TailerCallbacks()

	callbacks.Publish(entities.Snapshot{
		Player: &entities.PlayerMarker{System: "Shinrarta Dezhra"},
		Combat: &entities.CombatTelemetry{InCombat: true, Kills: 3},
	}, 128)

	snap, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, "Shinrarta Dezhra", snap.Player.System)
	assert.Equal(t, 3, snap.Combat.Kills)

	callbacks.StatusChanged(entities.ProducerStatus{State: entities.TailerStateTailing, File: "Journal.01.log"})
	snap, _ = r.Latest()
	require.NotNil(t, snap.TailerStatus)
	assert.Equal(t, entities.TailerStateTailing, snap.TailerStatus.State)
	assert.Equal(t, testEpoch.UnixMilli(), snap.TailerStatus.ChangedMs)
	assert.Equal(t, "Shinrarta Dezhra", snap.Player.System, "status-only update keeps the marker")

	// rejected updates are logged, not panicked on
	callbacks.Publish(entities.Snapshot{Player: &entities.PlayerMarker{}}, 10)
	snap, _ = r.Latest()
	assert.Equal(t, "Shinrarta Dezhra", snap.Player.System)

	assert.True(t, callbacks.FollowMode())
}

// lockingBroadcaster serializes every broadcast behind one write lock, the
// way a hub connection serializes frames
type lockingBroadcaster struct {
	writeMu *sync.Mutex
	entered chan struct{}
}

func (b *lockingBroadcaster) BroadcastState(state []byte) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return nil
}

func (b *lockingBroadcaster) BroadcastEvents(records []entities.EventRecord, dropped uint64, nextSince uint64) error {
	return nil
}

func (b *lockingBroadcaster) ConnectionCount() int { return 0 }

func TestStateReconciler_ReadersNotBlockedByStalledBroadcast(t *testing.T) {
	writeMu := &sync.Mutex{}
	broadcaster := &lockingBroadcaster{writeMu: writeMu, entered: make(chan struct{}, 8)}
	r := NewStateReconciler(nil, broadcaster, newFakeClock(testEpoch), nil, time.Second, nil)

	// A joining client holds its write lock while it reads the latest state.
	writeMu.Lock()
	released := false
	defer func() {
		if !released {
			writeMu.Unlock()
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		r.Heartbeat()
	}()
	select {
	case <-broadcaster.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never reached the broadcaster")
	}

	controlsDone := make(chan struct{})
	go func() {
		defer close(controlsDone)
		_, _ = r.UpdateControls(context.Background(), func(c *entities.OverlayControls) { c.Compact = true })
	}()

	compact := make(chan bool, 1)
	go func() {
		for {
			payload, ok := r.LatestPayload()
			if ok {
				snap, err := entities.ParseSnapshot(payload)
				if err == nil && snap.Controls != nil && snap.Controls.Compact {
					compact <- true
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-compact:
	case <-time.After(2 * time.Second):
		t.Fatal("LatestPayload blocked behind a stalled broadcast")
	}

	writeMu.Unlock()
	released = true

	for name, done := range map[string]chan struct{}{"heartbeat": heartbeatDone, "controls": controlsDone} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s publish did not finish", name)
		}
	}

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.True(t, latest.Controls.Compact)
}

func TestStateReconciler_ConcurrentPublishesEndOffline(t *testing.T) {
	writer := &MockSnapshotWriter{}
	writer.On("Ensure").Return(true)
	writer.On("Write", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	r := NewStateReconciler(writer, nil, nil, nil, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if (i+j)%2 == 0 {
					r.Heartbeat()
					continue
				}
				_, _ = r.UpdateControls(context.Background(), func(c *entities.OverlayControls) { c.Compact = !c.Compact })
			}
		}(i)
	}
	wg.Wait()
	r.Shutdown()

	written := writer.writtenSnapshots()
	require.NotEmpty(t, written)
	assert.False(t, written[len(written)-1].Online)
}

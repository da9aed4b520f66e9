package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-client/internal/helpers"
	"github.com/jnovack/capture-client/pkg/admin"
	"github.com/jnovack/capture-client/pkg/capture"
	"github.com/jnovack/capture-client/pkg/remote"
	"github.com/jnovack/capture-client/pkg/store"
)

const waitFor = 2 * time.Second

type env struct {
	svc *helpers.FakeService
	st  *store.Store
	s   *Session
}

func newEnv(t *testing.T, key string) *env {
	t.Helper()
	svc := helpers.NewFakeService(t)
	rc, err := remote.New(svc.URL(), key, nil)
	require.NoError(t, err)
	st := store.OpenMemory(t)
	s, err := New(Options{
		WSURL:            svc.WSURL(),
		APIKey:           key,
		Store:            st,
		Remote:           rc,
		RetryBase:        time.Hour,
		AutoplayInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return &env{svc: svc, st: st, s: s}
}

func started(t *testing.T) *env {
	t.Helper()
	e := newEnv(t, helpers.ValidKey)
	require.NoError(t, e.s.Start(context.Background()))
	require.Eventually(t, func() bool { return e.svc.Connections() == 1 }, waitFor, 5*time.Millisecond)
	return e
}

func counter(s *Session, get func(*admin.Metrics) uint64) uint64 {
	m := s.Metrics()
	m.Lock()
	defer m.Unlock()
	return get(m)
}

func (e *env) entry(t *testing.T, id string) (EntryView, bool) {
	t.Helper()
	for _, ev := range e.s.Snapshot().Entries {
		if ev.ID == id {
			return ev, true
		}
	}
	return EntryView{}, false
}

func (e *env) pushData(t *testing.T, id, app string) {
	e.svc.Push(t, map[string]any{"action": "serialData", "id": id, "data": map[string]any{"currentApp": app, "reading": 42}})
}

func (e *env) pushShot(t *testing.T, id string, n int) {
	e.svc.Push(t, map[string]any{"action": "screenshotData", "id": id, "data": fmt.Sprintf("data:image/png;base64,SHOT%d", n)})
}

func TestStartRejectsInvalidKey(t *testing.T) {
	e := newEnv(t, "NotTheRightKey0123456789abc")
	err := e.s.Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidKey)
	assert.Equal(t, 0, e.svc.UpgradeCount())
	assert.Equal(t, "invalid", e.s.Snapshot().KeyStatus)
}

func TestStartRejectsMalformedKeyWithoutNetwork(t *testing.T) {
	e := newEnv(t, "short")
	require.ErrorIs(t, e.s.Start(context.Background()), ErrInvalidKey)
	assert.Equal(t, 0, e.svc.UpgradeCount())
}

func TestStartLoadsHistoryAndBootstraps(t *testing.T) {
	svc := helpers.NewFakeService(t)
	rc, err := remote.New(svc.URL(), helpers.ValidKey, nil)
	require.NoError(t, err)
	st := store.OpenMemory(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		ent := capture.Entry{ID: fmt.Sprintf("old-%02d", i), AppID: "synth", Payload: []byte(`{}`), Timestamp: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, st.Put(context.Background(), capture.NewRecord(ent)))
	}
	s, err := New(Options{WSURL: svc.WSURL(), APIKey: helpers.ValidKey, Store: st, Remote: rc, RetryBase: time.Hour})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Snapshot().Connected }, waitFor, 5*time.Millisecond)
	v := s.Snapshot()
	require.Len(t, v.Entries, 10)
	assert.Equal(t, "old-11", v.Entries[0].ID)
	assert.Equal(t, "valid", v.KeyStatus)

	require.Eventually(t, func() bool { return len(svc.Actions()) >= 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"getCurrentApp", "getCurrentTheme"}, svc.Actions()[:2])
	require.Eventually(t, func() bool { return len(s.Snapshot().Themes) == 2 }, waitFor, 5*time.Millisecond)
	assert.Contains(t, s.Snapshot().Themes, "dark")
}

func TestStartKeepsUnfinishedUploadsLocal(t *testing.T) {
	svc := helpers.NewFakeService(t)
	rc, err := remote.New(svc.URL(), helpers.ValidKey, nil)
	require.NoError(t, err)
	st := store.OpenMemory(t)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ent := capture.Entry{ID: "a", AppID: "synth", Payload: []byte(`{}`), Timestamp: ts}
	ent.AppendScreenshot("data:image/png;base64,LEFT", ts)
	require.NoError(t, st.Put(context.Background(), capture.NewRecord(ent)))

	s, err := New(Options{WSURL: svc.WSURL(), APIKey: helpers.ValidKey, Store: st, Remote: rc, RetryBase: time.Hour})
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	require.NoError(t, s.Start(context.Background()))

	rec, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, capture.LocalOnly, rec.Data.Screenshots[0].Phase)
	assert.Equal(t, []string{"local-only"}, s.Snapshot().Entries[0].Phases)
	assert.Empty(t, svc.UploadCalls())
}

func TestSixScreenshotsCommitAndPlay(t *testing.T) {
	e := started(t)
	e.svc.Push(t, map[string]any{"action": "currentApp", "data": map[string]any{"appId": "synth"}})
	e.pushData(t, "a", "synth")
	for i := 0; i < 6; i++ {
		e.pushShot(t, "a", i)
	}

	require.Eventually(t, func() bool {
		ev, ok := e.entry(t, "a")
		if !ok || ev.Screenshots != 6 {
			return false
		}
		for _, p := range ev.Phases {
			if p != "committed" {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)

	ev, _ := e.entry(t, "a")
	assert.Equal(t, "6/6", ev.Progress())
	assert.True(t, ev.Playing)
	assert.Equal(t, 0, ev.Cursor)
	assert.True(t, ev.CanReplay)
	assert.True(t, ev.CanDelete)
	assert.Len(t, e.svc.UploadCalls(), 6)

	rec, err := e.st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "/screenshots/a/0.png", rec.Data.Screenshots[0].Data)

	// a seventh screenshot pushes the oldest out
	e.pushShot(t, "a", 6)
	require.Eventually(t, func() bool {
		rec, err := e.st.Get(context.Background(), "a")
		return err == nil && len(rec.Data.Screenshots) == 6 && rec.Data.Screenshots[5].Phase == capture.Committed
	}, waitFor, 5*time.Millisecond)
	rec, err = e.st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "/screenshots/a/1.png", rec.Data.Screenshots[0].Data)
	assert.Equal(t, "/screenshots/a/5.png", rec.Data.Screenshots[5].Data)
	assert.Equal(t, uint64(7), counter(e.s, func(m *admin.Metrics) uint64 { return m.UploadsOK }))
}

func TestFailedUploadStaysLocal(t *testing.T) {
	e := started(t)
	e.svc.Lock()
	e.svc.FailUploads = true
	e.svc.Unlock()

	e.pushData(t, "a", "synth")
	e.pushShot(t, "a", 0)
	require.Eventually(t, func() bool {
		ev, ok := e.entry(t, "a")
		return ok && len(ev.Phases) == 1 && ev.Phases[0] == "local-only"
	}, waitFor, 5*time.Millisecond)
	ev, _ := e.entry(t, "a")
	assert.Equal(t, "data:image/png;base64,SHOT0", ev.Image)
	assert.False(t, ev.CanReplay)
}

func TestRepeatedDataIsSuppressed(t *testing.T) {
	e := started(t)
	e.pushData(t, "a", "synth")
	time.Sleep(50 * time.Millisecond)
	e.pushData(t, "a", "synth")

	require.Eventually(t, func() bool {
		return counter(e.s, func(m *admin.Metrics) uint64 { return m.Duplicates }) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, e.s.Snapshot().Entries, 1)
}

func TestSnapshotFiltersByCurrentApp(t *testing.T) {
	e := started(t)
	e.pushData(t, "a", "synth")
	e.pushData(t, "b", "drums")
	require.Eventually(t, func() bool { return len(e.s.Snapshot().Entries) == 2 }, waitFor, 5*time.Millisecond)

	e.svc.Push(t, map[string]any{"action": "appChanged", "data": map[string]any{"appId": "drums"}})
	require.Eventually(t, func() bool {
		v := e.s.Snapshot()
		return v.CurrentApp == "drums" && len(v.Entries) == 1 && v.Entries[0].ID == "b"
	}, waitFor, 5*time.Millisecond)

	e.svc.Push(t, map[string]any{"action": "appChanged", "data": map[string]any{"appId": nil}})
	require.Eventually(t, func() bool {
		v := e.s.Snapshot()
		return v.NoAppOpen() && len(v.Entries) == 0
	}, waitFor, 5*time.Millisecond)
}

func TestRequestSerialData(t *testing.T) {
	e := started(t)
	id, err := e.s.RequestSerialData()
	require.NoError(t, err)
	assert.True(t, e.s.Snapshot().Loading)

	require.Eventually(t, func() bool {
		for _, m := range e.svc.Messages() {
			if m["action"] == "getSerialData" && m["requestId"] == id {
				return m["apiKey"] == helpers.ValidKey
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	e.pushData(t, "a", "synth")
	require.Eventually(t, func() bool { return !e.s.Snapshot().Loading }, waitFor, 5*time.Millisecond)
}

func TestRequestWhileDisconnected(t *testing.T) {
	e := newEnv(t, helpers.ValidKey)
	_, err := e.s.RequestSerialData()
	require.Error(t, err)
	assert.False(t, e.s.Snapshot().Loading)
}

func TestResendSendsStoredPayload(t *testing.T) {
	e := started(t)
	e.pushData(t, "a", "synth")
	require.Eventually(t, func() bool { _, ok := e.entry(t, "a"); return ok }, waitFor, 5*time.Millisecond)

	require.NoError(t, e.s.Resend(context.Background(), "a"))
	require.Eventually(t, func() bool {
		for _, m := range e.svc.Messages() {
			if m["action"] == "setSerialData" {
				data, _ := m["data"].(map[string]any)
				return data["currentApp"] == "synth" && data["reading"] == float64(42)
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, e.s.Resend(context.Background(), "missing"), ErrNoEntry)
}

func TestDeleteClearsLocallyEvenIfRemoteFails(t *testing.T) {
	e := started(t)
	e.svc.Lock()
	e.svc.FailDeletes = true
	e.svc.Unlock()
	e.pushData(t, "a", "synth")
	require.Eventually(t, func() bool { _, ok := e.entry(t, "a"); return ok }, waitFor, 5*time.Millisecond)

	require.NoError(t, e.s.Delete(context.Background(), "a"))
	_, ok := e.entry(t, "a")
	assert.False(t, ok)
	_, err := e.st.Get(context.Background(), "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"a"}, e.svc.DeleteCalls())
	assert.Equal(t, uint64(1), counter(e.s, func(m *admin.Metrics) uint64 { return m.Deletes }))
	assert.Equal(t, uint64(1), counter(e.s, func(m *admin.Metrics) uint64 { return m.DeleteErrors }))
}

func TestClear(t *testing.T) {
	e := started(t)
	e.pushData(t, "a", "synth")
	e.pushData(t, "b", "synth")
	require.Eventually(t, func() bool { return len(e.s.Snapshot().Entries) == 2 }, waitFor, 5*time.Millisecond)

	n, err := e.s.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, e.s.Snapshot().Entries)
}

func TestShutdownStopsChannel(t *testing.T) {
	e := started(t)
	e.s.Shutdown()
	v := e.s.Snapshot()
	assert.Equal(t, "stopped", v.Status)
	assert.False(t, v.Connected)
}

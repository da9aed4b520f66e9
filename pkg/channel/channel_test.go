package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/capture-client/internal/helpers"
)

type allowGate bool

func (g allowGate) Allowed() bool { return bool(g) }

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

// fakeTimers records scheduled callbacks so tests fire them by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) delays() []time.Duration {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]time.Duration, 0, len(ft.timers))
	for _, t := range ft.timers {
		out = append(out, t.d)
	}
	return out
}

func (ft *fakeTimers) fireLast(t *testing.T) {
	t.Helper()
	ft.mu.Lock()
	require.NotEmpty(t, ft.timers)
	last := ft.timers[len(ft.timers)-1]
	ft.mu.Unlock()
	last.f()
}

type counters struct {
	mu                   sync.Mutex
	connects, reconnects int
}

func (c *counters) IncConnects()   { c.mu.Lock(); c.connects++; c.mu.Unlock() }
func (c *counters) IncReconnects() { c.mu.Lock(); c.reconnects++; c.mu.Unlock() }

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) handle(b []byte) {
	i.mu.Lock()
	i.msgs = append(i.msgs, string(b))
	i.mu.Unlock()
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func newManager(t *testing.T, svc *helpers.FakeService, ft *fakeTimers, opts Options) *Manager {
	t.Helper()
	opts.URL = svc.WSURL()
	opts.APIKey = helpers.ValidKey
	if opts.Gate == nil {
		opts.Gate = allowGate(true)
	}
	opts.AfterFunc = ft.AfterFunc
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestConnectRequiresGate(t *testing.T) {
	svc := helpers.NewFakeService(t)
	m := newManager(t, svc, &fakeTimers{}, Options{Gate: allowGate(false)})

	require.ErrorIs(t, m.Connect(context.Background()), ErrNotAuthorized)
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, 0, svc.UpgradeCount())
}

func TestOpenSendsBootstrapAndDeliversMessages(t *testing.T) {
	svc := helpers.NewFakeService(t)
	box := &inbox{}
	var opened int
	var mu sync.Mutex
	cnt := &counters{}
	m := newManager(t, svc, &fakeTimers{}, Options{
		Handler: box.handle,
		OnOpen:  func() { mu.Lock(); opened++; mu.Unlock() },
		Metrics: cnt,
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, Open, m.State())
	assert.True(t, m.Status().Connected())

	require.Eventually(t, func() bool { return len(svc.Actions()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{ActionGetCurrentApp, ActionGetCurrentTheme}, svc.Actions())
	svc.Lock()
	assert.Equal(t, helpers.ValidKey, svc.Received[0]["apiKey"])
	svc.Unlock()

	mu.Lock()
	assert.Equal(t, 1, opened)
	mu.Unlock()
	assert.Equal(t, 1, cnt.connects)

	svc.Push(t, map[string]any{"action": "currentApp", "data": map[string]string{"appId": "x"}})
	require.Eventually(t, func() bool { return box.len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSend(t *testing.T) {
	svc := helpers.NewFakeService(t)
	m := newManager(t, svc, &fakeTimers{}, Options{})

	require.ErrorIs(t, m.Send(Request{Action: ActionGetSerialData}), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	payload := json.RawMessage(`{"temperature":21}`)
	require.NoError(t, m.Send(Request{Action: ActionSetSerialData, Data: payload}))
	require.Eventually(t, func() bool { return len(svc.Actions()) == 3 }, 2*time.Second, 10*time.Millisecond)

	svc.Lock()
	last := svc.Received[2]
	svc.Unlock()
	assert.Equal(t, ActionSetSerialData, last["action"])
	assert.Equal(t, map[string]any{"temperature": float64(21)}, last["data"])
}

func TestDialFailuresBackOffThenExhaust(t *testing.T) {
	svc := helpers.NewFakeService(t)
	svc.RejectUpgrade = true
	ft := &fakeTimers{}
	m := newManager(t, svc, ft, Options{})

	var states []State
	var smu sync.Mutex
	m.Subscribe(func(s Status) { smu.Lock(); states = append(states, s.State); smu.Unlock() })

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, Retrying, m.State())

	for range 5 {
		ft.fireLast(t)
	}

	assert.Equal(t, []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}, ft.delays())
	assert.Equal(t, Exhausted, m.State())
	assert.Equal(t, 6, svc.UpgradeCount())

	smu.Lock()
	assert.Equal(t, Exhausted, states[len(states)-1])
	smu.Unlock()

	// a manual connect is the only way out and starts over
	svc.Lock()
	svc.RejectUpgrade = false
	svc.Unlock()
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Open, m.State())
	assert.Equal(t, 0, m.Status().Retries)
}

func TestServerCloseSchedulesReconnect(t *testing.T) {
	svc := helpers.NewFakeService(t)
	ft := &fakeTimers{}
	cnt := &counters{}
	m := newManager(t, svc, ft, Options{Metrics: cnt})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return svc.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	svc.DropConnections()
	require.Eventually(t, func() bool { return m.State() == Retrying }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second}, ft.delays())

	ft.fireLast(t)
	assert.Equal(t, Open, m.State())
	assert.Equal(t, 0, m.Status().Retries, "an open resets the counter")
	assert.Equal(t, 2, cnt.connects)
	assert.Equal(t, 1, cnt.reconnects)
}

func TestCloseIsIntentional(t *testing.T) {
	svc := helpers.NewFakeService(t)
	ft := &fakeTimers{}
	m := newManager(t, svc, ft, Options{})

	require.NoError(t, m.Connect(context.Background()))
	m.Close()

	assert.Equal(t, Stopped, m.State())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ft.delays(), "no retry after an intentional close")
	require.ErrorIs(t, m.Send(Request{Action: ActionGetSerialData}), ErrNotConnected)
}

func TestReconnectSupersedesPendingRetry(t *testing.T) {
	svc := helpers.NewFakeService(t)
	svc.RejectUpgrade = true
	ft := &fakeTimers{}
	m := newManager(t, svc, ft, Options{})

	require.NoError(t, m.Connect(context.Background()))
	require.Len(t, ft.delays(), 1)
	stale := ft.timers[0]

	svc.Lock()
	svc.RejectUpgrade = false
	svc.Unlock()
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, Open, m.State())
	assert.True(t, stale.stopped)

	upgrades := svc.UpgradeCount()
	stale.f() // firing a superseded timer is a no-op
	assert.Equal(t, upgrades, svc.UpgradeCount())
	assert.Equal(t, Open, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "unknown", State(42).String())
}

// Package channel maintains the realtime websocket link to the device-control
// service. It reconnects with exponential backoff after unintended closes and
// gives up after a bounded number of attempts; only a manual Connect
// recovers from that.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseDelay    = time.Second
	DefaultMaxRetries   = 5
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 90 * time.Second

	writeWait = 10 * time.Second
)

var (
	ErrNotAuthorized = errors.New("channel: api key not validated")
	ErrNotConnected  = errors.New("channel: not connected")
)

// State of the manager.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Retrying
	Exhausted
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Retrying:
		return "retrying"
	case Exhausted:
		return "exhausted"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is published to subscribers on every transition.
type Status struct {
	State     State
	Retries   int
	NextDelay time.Duration
	Err       string
}

// Connected reports whether the channel is open.
func (s Status) Connected() bool { return s.State == Open }

// Gate tells whether remote interaction is allowed.
type Gate interface {
	Allowed() bool
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Metrics receives connection counters. Optional.
type Metrics interface {
	IncConnects()
	IncReconnects()
}

// Options configure a Manager. URL and Gate are required.
type Options struct {
	URL          string
	APIKey       string
	Gate         Gate
	Handler      func([]byte)
	OnOpen       func()
	Dialer       Dialer
	BaseDelay    time.Duration
	MaxRetries   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	AfterFunc    AfterFunc
	Metrics      Metrics
}

// Manager owns at most one live websocket.
type Manager struct {
	opts Options

	mu         sync.Mutex
	notifyMu   sync.Mutex
	state      State
	gen        uint64
	conn       *websocket.Conn
	retries    int
	nextDelay  time.Duration
	lastErr    string
	timer      Timer
	parent     context.Context
	cancelDial context.CancelFunc
	subs       []func(Status)

	writeMu sync.Mutex
}

// New builds a Manager in the Idle state.
func New(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("channel: url is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("channel: gate is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Handler == nil {
		opts.Handler = func([]byte) {}
	}
	return &Manager{opts: opts, parent: context.Background()}, nil
}

// Subscribe registers fn for status changes. fn must not call Connect or Close.
func (m *Manager) Subscribe(fn func(Status)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Connect opens a fresh channel, replacing any live one, and resets the
// retry counter. The first dial runs synchronously; a failed dial schedules
// a retry like any other close.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.opts.Gate.Allowed() {
		return ErrNotAuthorized
	}
	m.mu.Lock()
	m.parent = ctx
	m.retries = 0
	m.lastErr = ""
	gen := m.supersedeLocked()
	m.state = Connecting
	m.unlockAndPublish()

	m.dial(gen)
	return nil
}

// Close shuts the channel down intentionally. No retry follows.
func (m *Manager) Close() {
	m.mu.Lock()
	m.supersedeLocked()
	m.state = Stopped
	m.unlockAndPublish()
}

// Send writes req on the open channel.
func (m *Manager) Send(req Request) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != Open {
		return ErrNotConnected
	}
	return m.write(conn, req)
}

func (m *Manager) write(conn *websocket.Conn, req Request) error {
	req.APIKey = m.opts.APIKey
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("channel: send %s: %w", req.Action, err)
	}
	return nil
}

// supersedeLocked invalidates the current generation: pending timers, dials
// and read loops belonging to it become no-ops.
func (m *Manager) supersedeLocked() uint64 {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		conn := m.conn
		m.conn = nil
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	m.nextDelay = 0
	return m.gen
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.parent)
	m.cancelDial = cancel
	m.mu.Unlock()

	conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("component", "channel").Str("url", m.opts.URL).Msg("dial failed")
		m.closed(gen, nil, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.cancelDial = nil
	m.retries = 0
	m.nextDelay = 0
	m.lastErr = ""
	m.state = Open
	m.unlockAndPublish()

	connID := uuid.NewString()
	log.Info().Str("component", "channel").Str("conn_id", connID).Str("url", m.opts.URL).Msg("channel open")
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncConnects()
	}

	for _, action := range []string{ActionGetCurrentApp, ActionGetCurrentTheme} {
		if err := m.write(conn, Request{Action: action}); err != nil {
			log.Warn().Err(err).Str("component", "channel").Msg("bootstrap request failed")
		}
	}
	if m.opts.OnOpen != nil {
		m.opts.OnOpen()
	}

	go m.readLoop(gen, conn, connID)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn, connID string) {
	timeout := m.opts.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	done := make(chan struct{})
	defer close(done)
	go m.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("component", "channel").Str("conn_id", connID).Msg("read loop ended")
			m.closed(gen, conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		m.opts.Handler(data)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// closed handles an unintended close (or failed dial) of generation gen.
func (m *Manager) closed(gen uint64, conn *websocket.Conn, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == Stopped || (conn != nil && conn != m.conn) {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if cause != nil {
		m.lastErr = cause.Error()
	}

	if m.retries >= m.opts.MaxRetries {
		m.state = Exhausted
		m.nextDelay = 0
		retries := m.retries
		m.unlockAndPublish()
		log.Error().Str("component", "channel").Int("retries", retries).Msg("reconnect attempts exhausted")
		return
	}

	delay := m.opts.BaseDelay << m.retries
	m.retries++
	m.nextDelay = delay
	m.state = Retrying
	m.timer = m.opts.AfterFunc(delay, func() { m.redial(gen) })
	attempt := m.retries
	m.unlockAndPublish()

	log.Warn().Str("component", "channel").Int("attempt", attempt).Dur("delay", delay).Msg("channel closed, reconnect scheduled")
	if m.opts.Metrics != nil {
		m.opts.Metrics.IncReconnects()
	}
}

func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Retrying {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = Connecting
	m.unlockAndPublish()
	m.dial(gen)
}

func (m *Manager) statusLocked() Status {
	return Status{State: m.state, Retries: m.retries, NextDelay: m.nextDelay, Err: m.lastErr}
}

// unlockAndPublish releases mu and delivers the status captured under it.
// notifyMu is taken before mu is released so subscribers see transitions in
// order.
func (m *Manager) unlockAndPublish() {
	st := m.statusLocked()
	subs := append(([]func(Status))(nil), m.subs...)
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

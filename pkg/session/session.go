// Package session wires the synchronization core together and exposes the
// user actions: request, resend, delete and clear.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-client/pkg/admin"
	"github.com/jnovack/capture-client/pkg/auth"
	"github.com/jnovack/capture-client/pkg/autoplay"
	"github.com/jnovack/capture-client/pkg/cache"
	"github.com/jnovack/capture-client/pkg/capture"
	"github.com/jnovack/capture-client/pkg/channel"
	"github.com/jnovack/capture-client/pkg/dedup"
	"github.com/jnovack/capture-client/pkg/remote"
	"github.com/jnovack/capture-client/pkg/router"
	"github.com/jnovack/capture-client/pkg/store"
	"github.com/jnovack/capture-client/pkg/upload"
)

var (
	ErrInvalidKey = errors.New("session: api key is invalid")
	ErrNoEntry    = errors.New("session: no such entry")
)

// Remote is the REST collaborator.
type Remote interface {
	ValidateAPIKey(ctx context.Context, key string) (bool, error)
	Themes(ctx context.Context) (remote.Catalog, error)
	SaveScreenshot(ctx context.Context, id string, index int, data string) (string, error)
	DeleteScreenshots(ctx context.Context, id string) error
}

// Options configure a Session. WSURL, Store and Remote are required.
type Options struct {
	WSURL   string
	APIKey  string
	Store   *store.Store
	Remote  Remote
	Metrics *admin.Metrics

	Dialer     channel.Dialer
	AfterFunc  channel.AfterFunc
	RetryBase  time.Duration
	MaxRetries int

	DedupWindow      time.Duration
	AutoplayInterval time.Duration
	UploadTimeout    time.Duration
	Window           int
	Now              func() time.Time
}

// Session owns every component for one api key.
type Session struct {
	opts Options

	metrics  *admin.Metrics
	gate     *auth.Gate
	cache    *cache.Cache
	dedup    *dedup.Window
	router   *router.Router
	uploads  *upload.Coordinator
	autoplay *autoplay.Scheduler
	channel  *channel.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status channel.Status
	themes remote.Catalog
}

// New builds a Session. Nothing touches the network until Start.
func New(opts Options) (*Session, error) {
	if opts.Store == nil || opts.Remote == nil {
		return nil, fmt.Errorf("session: store and remote are required")
	}
	if opts.Window <= 0 {
		opts.Window = cache.DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{opts: opts, metrics: opts.Metrics}
	if s.metrics == nil {
		s.metrics = admin.NewMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.gate = auth.NewGate(opts.Remote)
	s.cache = cache.New(opts.Window)
	s.dedup = dedup.New(opts.DedupWindow).WithClock(opts.Now)
	s.autoplay = autoplay.New(opts.AutoplayInterval)
	s.cache.Subscribe(s.autoplay.Apply)

	var err error
	s.uploads, err = upload.New(upload.Config{
		Uploader: opts.Remote,
		Store:    opts.Store,
		Cache:    s.cache,
		Metrics:  s.metrics,
		Timeout:  opts.UploadTimeout,
	})
	if err != nil {
		return nil, err
	}

	s.router, err = router.New(router.Config{
		Store:   opts.Store,
		Cache:   s.cache,
		Dedup:   s.dedup,
		Uploads: s.uploads,
		Metrics: s.metrics,
		Window:  opts.Window,
		Now:     opts.Now,
	})
	if err != nil {
		return nil, err
	}

	s.channel, err = channel.New(channel.Options{
		URL:        opts.WSURL,
		APIKey:     opts.APIKey,
		Gate:       s.gate,
		Handler:    s.router.Handle,
		OnOpen:     s.onOpen,
		Dialer:     opts.Dialer,
		BaseDelay:  opts.RetryBase,
		MaxRetries: opts.MaxRetries,
		AfterFunc:  opts.AfterFunc,
		Metrics:    s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.channel.Subscribe(s.onStatus)
	return s, nil
}

// Start validates the api key, loads the newest records and opens the channel.
func (s *Session) Start(ctx context.Context) error {
	if res := s.gate.Check(ctx, s.opts.APIKey); res != auth.Valid {
		return fmt.Errorf("%w (%s)", ErrInvalidKey, res)
	}
	// uploads from an earlier run can never settle
	settled, err := s.opts.Store.SettleProvisional(ctx)
	if err != nil {
		return fmt.Errorf("session: settle uploads: %w", err)
	}
	if len(settled) > 0 {
		log.Info().Str("component", "session").Strs("entries", settled).Msg("unfinished uploads kept local")
	}
	if err := s.loadWindow(ctx); err != nil {
		return err
	}
	return s.channel.Connect(s.ctx)
}

// Reconnect is the manual retrigger after the channel gave up.
func (s *Session) Reconnect() error {
	return s.channel.Connect(s.ctx)
}

func (s *Session) loadWindow(ctx context.Context) error {
	recs, err := s.opts.Store.List(ctx, s.opts.Window)
	if err != nil {
		return fmt.Errorf("session: load history: %w", err)
	}
	entries := make([]capture.Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, r.Data)
	}
	s.cache.Replace(entries)
	log.Info().Str("component", "session").Int("entries", len(entries)).Msg("history loaded")
	return nil
}

func (s *Session) onOpen() {
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		cat, err := s.opts.Remote.Themes(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("theme catalog unavailable")
			return
		}
		s.mu.Lock()
		s.themes = cat
		s.mu.Unlock()
		log.Debug().Str("component", "session").Int("themes", len(cat)).Msg("theme catalog loaded")
	}()
}

func (s *Session) onStatus(st channel.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if st.State == channel.Retrying || st.State == channel.Exhausted {
		// a request in flight will never be answered on this channel
		s.router.SetLoading(false)
	}
}

// RequestSerialData asks the device for a fresh reading. It returns the
// request id.
func (s *Session) RequestSerialData() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("session: request id: %w", err)
	}
	s.router.SetLoading(true)
	if err := s.channel.Send(channel.Request{Action: channel.ActionGetSerialData, RequestID: id.String()}); err != nil {
		s.router.SetLoading(false)
		return "", err
	}
	return id.String(), nil
}

// Resend sends the payload of entry id back to the device.
func (s *Session) Resend(ctx context.Context, id string) error {
	e, ok := s.cache.Get(id)
	if !ok {
		rec, err := s.opts.Store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoEntry, id)
		}
		if err != nil {
			return err
		}
		e = rec.Data
	}
	return s.channel.Send(channel.Request{Action: channel.ActionSetSerialData, Data: e.Payload})
}

// Delete removes entry id locally, then asks the service to drop its
// screenshots. A remote failure is logged; the local state stays cleared.
func (s *Session) Delete(ctx context.Context, id string) error {
	lock := s.opts.Store.Lock(id)
	lock.Lock()
	err := s.opts.Store.Delete(ctx, id)
	if err == nil {
		s.cache.Remove(id)
	}
	lock.Unlock()
	if err != nil {
		return err
	}
	s.metrics.IncDeletes()

	if rerr := s.opts.Remote.DeleteScreenshots(ctx, id); rerr != nil {
		s.metrics.IncDeleteErrors()
		log.Warn().Err(rerr).Str("component", "session").Str("entry_id", id).Msg("remote screenshot delete failed")
	}
	log.Info().Str("component", "session").Str("entry_id", id).Msg("entry deleted")
	return nil
}

// Clear removes every record and empties the window.
func (s *Session) Clear(ctx context.Context) (int64, error) {
	n, err := s.opts.Store.ClearWith(ctx, s.cache.Clear)
	if err != nil {
		return 0, fmt.Errorf("session: clear: %w", err)
	}
	log.Info().Str("component", "session").Int64("records", n).Msg("history cleared")
	return n, nil
}

// Snapshot returns the current view. Once the device reported an app, only
// its entries are listed.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	st := s.status
	themes := s.themes
	s.mu.Unlock()
	rs := s.router.State()

	v := View{
		Status:     st.State.String(),
		Connected:  st.Connected(),
		Retries:    st.Retries,
		NextRetry:  st.NextDelay,
		KeyStatus:  s.gate.Reported().String(),
		Loading:    rs.Loading,
		CurrentApp: rs.CurrentApp,
		AppKnown:   rs.AppKnown,
		Theme:      rs.Theme,
		ThemeKnown: rs.ThemeKnown,
		Themes:     themes,
		Uploading:  s.uploads.Inflight(),
		Entries:    []EntryView{},
	}

	var entries []capture.Entry
	switch {
	case !rs.AppKnown:
		entries = s.cache.List()
	case rs.CurrentApp == "":
	default:
		entries = s.cache.ForApp(rs.CurrentApp)
	}
	for _, e := range entries {
		v.Entries = append(v.Entries, s.entryView(e))
	}
	return v
}

func (s *Session) entryView(e capture.Entry) EntryView {
	ev := EntryView{
		ID:          e.ID,
		AppID:       e.AppID,
		Timestamp:   e.Timestamp,
		Payload:     e.Payload,
		Screenshots: len(e.Screenshots),
		Phases:      make([]string, 0, len(e.Screenshots)),
		Cursor:      len(e.Screenshots) - 1,
		CanReplay:   e.CanReplay(),
		CanDelete:   e.CanDelete(),
	}
	for _, sh := range e.Screenshots {
		ev.Phases = append(ev.Phases, sh.Phase.String())
	}
	if p, ok := s.autoplay.State(e.ID); ok {
		ev.Cursor = p.Cursor
		ev.Playing = p.Playing
	}
	if ev.Cursor >= 0 && ev.Cursor < len(e.Screenshots) {
		ev.Image = e.Screenshots[ev.Cursor].Data
	}
	return ev
}

// Metrics exposes the counters fed by every component.
func (s *Session) Metrics() *admin.Metrics { return s.metrics }

// Shutdown closes the channel, settles uploads and stops every timer.
func (s *Session) Shutdown() {
	s.channel.Close()
	s.cancel()
	s.uploads.Close()
	s.autoplay.Stop()
	s.dedup.Reset()
	log.Info().Str("component", "session").Msg("session stopped")
}

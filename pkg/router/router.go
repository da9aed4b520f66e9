// Package router applies server pushes to the persisted store and the
// in-memory capture window.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-client/pkg/cache"
	"github.com/jnovack/capture-client/pkg/capture"
	"github.com/jnovack/capture-client/pkg/store"
)

// Router interprets channel messages. Handle is meant to be called from a
// single goroutine (the channel's read loop) so messages apply in order.
type Router struct {
	cfg Config

	mu    sync.Mutex
	state State
}

// New returns a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil || cfg.Cache == nil || cfg.Dedup == nil {
		return nil, fmt.Errorf("router: store, cache and dedup are required")
	}
	if cfg.Window <= 0 {
		cfg.Window = cache.DefaultMaxEntries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{cfg: cfg}, nil
}

// State returns a copy of the device state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetLoading flags an outstanding serial data request.
func (r *Router) SetLoading(v bool) {
	r.mu.Lock()
	r.state.Loading = v
	r.mu.Unlock()
}

// Handle routes raw and logs the outcome. It never fails.
func (r *Router) Handle(raw []byte) {
	err := r.Route(raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		log.Debug().Err(err).Str("component", "router").Msg("message suppressed")
	default:
		log.Warn().Err(err).Str("component", "router").Msg("message skipped")
	}
}

// Route applies one message. The loading flag is cleared whatever the outcome.
func (r *Router) Route(raw []byte) error {
	defer r.SetLoading(false)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.parseError()
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := env.Kind()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.IncMessage(kind.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	var err error
	switch kind {
	case KindCurrentTheme:
		err = r.theme(env)
	case KindCurrentApp, KindAppChanged:
		err = r.app(ctx, env)
	case KindScreenshot:
		err = r.screenshot(ctx, env)
	case KindData:
		err = r.data(ctx, env)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}

	if r.cfg.Metrics != nil && err != nil {
		switch {
		case errors.Is(err, ErrDuplicate):
			r.cfg.Metrics.IncDuplicate()
		case errors.Is(err, ErrMalformed):
			r.cfg.Metrics.IncParseError()
		default:
			r.cfg.Metrics.IncDropped()
		}
	}
	return err
}

func (r *Router) parseError() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.IncParseError()
	}
}

// theme accepts {"theme": id}, {"themeId": id} or a bare string.
func (r *Router) theme(env Envelope) error {
	var theme string
	if err := json.Unmarshal(env.Data, &theme); err != nil {
		var obj struct {
			Theme   *string `json:"theme"`
			ThemeID *string `json:"themeId"`
		}
		if err := json.Unmarshal(env.Data, &obj); err != nil {
			return fmt.Errorf("%w: currentTheme: %v", ErrMalformed, err)
		}
		switch {
		case obj.Theme != nil:
			theme = *obj.Theme
		case obj.ThemeID != nil:
			theme = *obj.ThemeID
		}
	}

	r.mu.Lock()
	r.state.Theme = theme
	r.state.ThemeKnown = true
	r.mu.Unlock()
	log.Debug().Str("component", "router").Str("theme", theme).Msg("theme updated")
	return nil
}

func (r *Router) app(ctx context.Context, env Envelope) error {
	var body struct {
		AppID *string `json:"appId"`
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, env.Action)
	}
	if err := json.Unmarshal(env.Data, &body); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Action, err)
	}

	app := ""
	if body.AppID != nil {
		app = *body.AppID
	}
	r.mu.Lock()
	r.state.CurrentApp = app
	r.state.AppKnown = true
	r.mu.Unlock()

	if body.AppID == nil {
		r.cfg.Cache.Clear()
		log.Info().Str("component", "router").Msg("no app open, window cleared")
		return nil
	}

	recs, err := r.cfg.Store.ListByApp(ctx, app, r.cfg.Window)
	if err != nil {
		return fmt.Errorf("router: load window for %s: %w", app, err)
	}
	entries := make([]capture.Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, rec.Data)
	}
	r.cfg.Cache.Replace(entries)
	log.Info().Str("component", "router").Str("app_id", app).Int("entries", len(entries)).Msg("window reloaded")
	return nil
}

func (r *Router) data(ctx context.Context, env Envelope) error {
	id := env.ID
	if id == "" {
		return fmt.Errorf("%w: data", ErrMissingID)
	}
	if env.Seq != nil {
		if r.cfg.Dedup.SuppressSeq(id, *env.Seq) {
			return fmt.Errorf("%w: %s seq %d", ErrDuplicate, id, *env.Seq)
		}
	} else if r.cfg.Dedup.ShouldSuppress(id) {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	lock := r.cfg.Store.Lock(id)
	lock.Lock()
	defer lock.Unlock()

	entry := capture.Entry{ID: id, Payload: env.Data, Timestamp: r.cfg.Now()}
	rec, err := r.cfg.Store.Get(ctx, id)
	exists := err == nil
	switch {
	case exists:
		entry.Screenshots = rec.Data.Screenshots
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("router: read %s: %w", id, err)
	}
	if entry.Screenshots == nil {
		entry.Screenshots = []capture.Screenshot{}
	}
	// an entry only changes app when its payload names one
	switch app, ok := capture.AppIDFromPayload(env.Data); {
	case ok:
		entry.AppID = app
	case exists:
		entry.AppID = rec.Data.AppID
	default:
		entry.AppID = r.State().CurrentApp
	}

	if err := r.cfg.Store.Put(ctx, capture.NewRecord(entry)); err != nil {
		return fmt.Errorf("router: persist %s: %w", id, err)
	}
	if env.Seq == nil {
		r.cfg.Dedup.MarkSeen(id)
	}
	evicted := r.cfg.Cache.Upsert(entry)
	log.Info().Str("component", "router").Str("entry_id", id).Str("app_id", entry.AppID).
		Int("screenshots", len(entry.Screenshots)).Strs("evicted", evicted).Msg("entry stored")
	return nil
}

func (r *Router) screenshot(ctx context.Context, env Envelope) error {
	id := env.ID
	if id == "" {
		return fmt.Errorf("%w: screenshotData", ErrMissingID)
	}
	var data string
	if err := json.Unmarshal(env.Data, &data); err != nil || data == "" {
		return fmt.Errorf("%w: screenshotData for %s carries no image", ErrMalformed, id)
	}

	lock := r.cfg.Store.Lock(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.cfg.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if err != nil {
		return fmt.Errorf("router: read %s: %w", id, err)
	}
	entry := rec.Data

	localOnly := r.cfg.Uploads == nil
	if r.cfg.Uploads != nil {
		if inflight, busy := r.cfg.Uploads.Pending(id, entry.NextIndex()); busy {
			if inflight == data {
				return fmt.Errorf("%w: screenshot %s#%d", ErrDuplicate, id, entry.NextIndex())
			}
			localOnly = true
		}
	}

	shot, idx := entry.AppendScreenshot(data, r.cfg.Now())
	if localOnly {
		entry.Screenshots[idx].Degrade()
		shot = entry.Screenshots[idx]
	}
	if err := r.cfg.Store.Put(ctx, capture.NewRecord(entry)); err != nil {
		return fmt.Errorf("router: persist %s: %w", id, err)
	}
	if !localOnly && !r.cfg.Uploads.Reconcile(id, idx, shot) {
		// nothing will settle it, so it must not stay provisional
		entry.Screenshots[idx].Degrade()
		shot = entry.Screenshots[idx]
		if err := r.cfg.Store.Put(ctx, capture.NewRecord(entry)); err != nil {
			return fmt.Errorf("router: persist %s: %w", id, err)
		}
		log.Warn().Str("component", "router").Str("entry_id", id).Int("index", idx).Msg("upload refused, keeping inline data")
	}
	r.cfg.Cache.Update(entry)
	log.Debug().Str("component", "router").Str("entry_id", id).Int("index", idx).
		Str("phase", shot.Phase.String()).Msg("screenshot appended")
	return nil
}

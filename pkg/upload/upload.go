// Package upload reconciles provisional screenshots with their durable
// remote copies. At most one upload runs per (entry id, index) pair.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/capture-client/pkg/cache"
	"github.com/jnovack/capture-client/pkg/capture"
	"github.com/jnovack/capture-client/pkg/store"
)

// DefaultTimeout bounds a single upload.
const DefaultTimeout = 30 * time.Second

// Uploader stores inline image data remotely and returns its path.
type Uploader interface {
	SaveScreenshot(ctx context.Context, id string, index int, data string) (string, error)
}

// Metrics receives upload accounting.
type Metrics interface {
	InflightAdd(id string)
	InflightRemove(id string)
	IncUploadOK()
	IncUploadFailed()
	ObserveDuration(outcome string, seconds float64)
}

// Config wires a Coordinator. Uploader and Store are required.
type Config struct {
	Uploader Uploader
	Store    *store.Store
	Cache    *cache.Cache
	Metrics  Metrics
	Timeout  time.Duration
}

type key struct {
	id    string
	index int
}

func (k key) String() string { return fmt.Sprintf("%s#%d", k.id, k.index) }

// Coordinator runs uploads in the background.
type Coordinator struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[key]string
	closed  bool
	wg      sync.WaitGroup
}

// New returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Uploader == nil || cfg.Store == nil {
		return nil, errors.New("upload: uploader and store are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{cfg: cfg, ctx: ctx, cancel: cancel, pending: make(map[key]string)}, nil
}

// Pending returns the image data in flight for the pair.
func (c *Coordinator) Pending(entryID string, index int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.pending[key{entryID, index}]
	return d, ok
}

// Inflight returns how many uploads are running.
func (c *Coordinator) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reconcile starts the upload of shot, stored at index of entryID. It
// returns false when the pair is already busy, the screenshot is not
// provisional or the coordinator is closed.
func (c *Coordinator) Reconcile(entryID string, index int, shot capture.Screenshot) bool {
	if shot.Phase != capture.Provisional {
		return false
	}
	k := key{entryID, index}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, busy := c.pending[k]; busy {
		c.mu.Unlock()
		return false
	}
	c.pending[k] = shot.Data
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(k, shot)
	return true
}

func (c *Coordinator) run(k key, shot capture.Screenshot) {
	defer c.wg.Done()
	defer c.release(k)
	defer func() {
		if err := recover(); err != nil {
			log.Error().Interface("panic", err).Str("component", "upload").Str("upload", k.String()).Msg("upload panicked")
		}
	}()

	if m := c.cfg.Metrics; m != nil {
		m.InflightAdd(k.String())
		defer m.InflightRemove(k.String())
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	start := time.Now()
	ref, err := c.cfg.Uploader.SaveScreenshot(ctx, k.id, k.index, shot.Data)
	cancel()
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	if m := c.cfg.Metrics; m != nil {
		m.ObserveDuration(outcome, elapsed.Seconds())
		if err != nil {
			m.IncUploadFailed()
		} else {
			m.IncUploadOK()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "upload").Str("entry_id", k.id).Int("index", k.index).
			Dur("latency", elapsed).Msg("upload failed, keeping inline data")
	}
	c.settle(k, shot.Timestamp, ref, err)
}

// settle applies the upload result under the entry's lock. The pending pair
// is released before the lock so the next push for the pair sees it free.
func (c *Coordinator) settle(k key, ts time.Time, ref string, uploadErr error) {
	lock := c.cfg.Store.Lock(k.id)
	lock.Lock()
	defer lock.Unlock()
	defer c.release(k)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := c.cfg.Store.Get(ctx, k.id)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("component", "upload").Str("entry_id", k.id).Msg("entry deleted during upload, result discarded")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("component", "upload").Str("entry_id", k.id).Msg("read entry")
		return
	}
	i, ok := rec.Data.ScreenshotAt(ts)
	if !ok {
		log.Debug().Str("component", "upload").Str("entry_id", k.id).Msg("screenshot trimmed during upload, result discarded")
		return
	}

	shot := &rec.Data.Screenshots[i]
	if uploadErr == nil {
		shot.Commit(ref)
	} else {
		shot.Degrade()
	}
	if err := c.cfg.Store.Put(ctx, rec); err != nil {
		log.Error().Err(err).Str("component", "upload").Str("entry_id", k.id).Msg("persist reconciled entry")
		return
	}
	if c.cfg.Cache != nil {
		c.cfg.Cache.Update(rec.Data)
	}
	log.Debug().Str("component", "upload").Str("entry_id", k.id).Int("index", i).Str("phase", shot.Phase.String()).Msg("screenshot reconciled")
}

func (c *Coordinator) release(k key) {
	c.mu.Lock()
	delete(c.pending, k)
	c.mu.Unlock()
}

// Wait blocks until every running upload has settled.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close cancels running uploads, waits for them to settle and refuses new
// ones. Cancelled uploads settle as failures.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	clear(c.pending)
	c.mu.Unlock()
}

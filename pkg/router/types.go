package router

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jnovack/capture-client/pkg/cache"
	"github.com/jnovack/capture-client/pkg/capture"
	"github.com/jnovack/capture-client/pkg/dedup"
	"github.com/jnovack/capture-client/pkg/store"
)

var (
	ErrMalformed     = errors.New("router: malformed message")
	ErrMissingID     = errors.New("router: message has no entry id")
	ErrUnknownEntry  = errors.New("router: no record for entry")
	ErrDuplicate     = errors.New("router: duplicate delivery")
	ErrUnknownAction = errors.New("router: unknown action")
)

// Kind classifies inbound messages.
type Kind int

const (
	KindData Kind = iota
	KindCurrentApp
	KindAppChanged
	KindCurrentTheme
	KindScreenshot
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindCurrentApp:
		return "currentApp"
	case KindAppChanged:
		return "appChanged"
	case KindCurrentTheme:
		return "currentTheme"
	case KindScreenshot:
		return "screenshotData"
	default:
		return "unknown"
	}
}

// Envelope is the server to client message.
type Envelope struct {
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data"`
	ID     string          `json:"id,omitempty"`
	Seq    *uint64         `json:"seq,omitempty"`
}

// Kind derives the message class from the action. Untagged messages and the
// legacy serialData action are serial data.
func (e Envelope) Kind() Kind {
	switch e.Action {
	case "", "serialData":
		return KindData
	case "currentApp":
		return KindCurrentApp
	case "appChanged":
		return KindAppChanged
	case "currentTheme":
		return KindCurrentTheme
	case "screenshotData":
		return KindScreenshot
	default:
		return KindUnknown
	}
}

// State is what the router knows about the device.
type State struct {
	CurrentApp string `json:"currentApp"`
	AppKnown   bool   `json:"appKnown"`
	Theme      string `json:"theme"`
	ThemeKnown bool   `json:"themeKnown"`
	Loading    bool   `json:"loading"`
}

// Uploader reconciles provisional screenshots.
type Uploader interface {
	// Pending returns the data in flight for the pair, if any.
	Pending(entryID string, index int) (string, bool)
	Reconcile(entryID string, index int, shot capture.Screenshot) bool
}

// Metrics is the subset of counters the router feeds.
type Metrics interface {
	IncMessage(kind string)
	IncDuplicate()
	IncDropped()
	IncParseError()
}

// Config wires a Router. Store, Cache and Dedup are required.
type Config struct {
	Store   *store.Store
	Cache   *cache.Cache
	Dedup   *dedup.Window
	Uploads Uploader
	Metrics Metrics
	// Window caps how many records an app change loads. Zero means
	// cache.DefaultMaxEntries.
	Window int
	// Timeout bounds store access per message. Zero means 5s.
	Timeout time.Duration
	Now     func() time.Time
}

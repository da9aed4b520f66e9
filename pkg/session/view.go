package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jnovack/capture-client/pkg/capture"
	"github.com/jnovack/capture-client/pkg/remote"
)

// View is a read-only snapshot for presentation layers.
type View struct {
	Status     string         `json:"status"`
	Connected  bool           `json:"connected"`
	Retries    int            `json:"retries"`
	NextRetry  time.Duration  `json:"nextRetry,omitempty"`
	KeyStatus  string         `json:"keyStatus"`
	Loading    bool           `json:"loading"`
	CurrentApp string         `json:"currentApp"`
	AppKnown   bool           `json:"appKnown"`
	Theme      string         `json:"theme"`
	ThemeKnown bool           `json:"themeKnown"`
	Themes     remote.Catalog `json:"themes,omitempty"`
	Uploading  int            `json:"uploading"`
	Entries    []EntryView    `json:"entries"`
}

// NoAppOpen reports the device has told us no application is running.
func (v View) NoAppOpen() bool { return v.AppKnown && v.CurrentApp == "" }

// EntryView is one capture as shown to the user.
type EntryView struct {
	ID          string          `json:"id"`
	AppID       string          `json:"appId"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Screenshots int             `json:"screenshots"`
	Phases      []string        `json:"phases"`
	Cursor      int             `json:"cursor"`
	Playing     bool            `json:"playing"`
	Image       string          `json:"image,omitempty"` // screenshot under the cursor
	CanReplay   bool            `json:"canReplay"`
	CanDelete   bool            `json:"canDelete"`
}

// Progress renders the screenshot count against the quota, e.g. "4/6".
func (e EntryView) Progress() string {
	return fmt.Sprintf("%d/%d", e.Screenshots, capture.MaxScreenshots)
}

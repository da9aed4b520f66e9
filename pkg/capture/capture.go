// Package capture holds the capture entry model shared by the store, cache,
// router and upload packages.
package capture

import (
	"encoding/json"
	"time"
)

// MaxScreenshots is the per-entry screenshot quota. An entry holding exactly
// this many screenshots is complete.
const MaxScreenshots = 6

// Phase is the reconciliation state of a screenshot.
type Phase int

const (
	// Provisional screenshots carry inline image data while an upload is in flight.
	Provisional Phase = iota
	// Committed screenshots reference the durable remote copy.
	Committed
	// LocalOnly screenshots keep their inline data after a failed upload.
	LocalOnly
)

func (p Phase) String() string {
	switch p {
	case Provisional:
		return "provisional"
	case Committed:
		return "committed"
	case LocalOnly:
		return "local-only"
	default:
		return "unknown"
	}
}

// Screenshot is one image of a capture. Data is either inline image data or,
// once committed, the remote path returned by the upload endpoint.
type Screenshot struct {
	Timestamp time.Time
	Data      string
	Phase     Phase
}

// Uploading reports whether an upload is still pending for the screenshot.
func (s Screenshot) Uploading() bool { return s.Phase == Provisional }

// Commit replaces the inline data with the remote reference.
func (s *Screenshot) Commit(ref string) {
	s.Data = ref
	s.Phase = Committed
}

// Degrade marks the screenshot as usable locally only.
func (s *Screenshot) Degrade() {
	s.Phase = LocalOnly
}

type screenshotJSON struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
	Uploading bool      `json:"uploading"`
	Phase     string    `json:"phase,omitempty"`
}

// MarshalJSON writes the persisted screenshot shape {timestamp, data, uploading}
// plus the explicit phase.
func (s Screenshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(screenshotJSON{
		Timestamp: s.Timestamp,
		Data:      s.Data,
		Uploading: s.Uploading(),
		Phase:     s.Phase.String(),
	})
}

// UnmarshalJSON accepts records written with or without the phase field.
func (s *Screenshot) UnmarshalJSON(b []byte) error {
	var raw screenshotJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Timestamp = raw.Timestamp
	s.Data = raw.Data
	switch raw.Phase {
	case "provisional":
		s.Phase = Provisional
	case "committed":
		s.Phase = Committed
	case "local-only":
		s.Phase = LocalOnly
	default:
		// older records only know the uploading flag
		switch {
		case raw.Uploading:
			s.Phase = Provisional
		case IsRemoteRef(raw.Data):
			s.Phase = Committed
		default:
			s.Phase = LocalOnly
		}
	}
	return nil
}

// IsRemoteRef reports whether data looks like a reference returned by the
// upload endpoint rather than inline image data.
func IsRemoteRef(data string) bool {
	if len(data) == 0 {
		return false
	}
	if data[0] == '/' {
		return true
	}
	for _, p := range []string{"http://", "https://"} {
		if len(data) >= len(p) && data[:len(p)] == p {
			return true
		}
	}
	return false
}

// Entry is one capture session: server payload plus accumulated screenshots.
type Entry struct {
	ID          string          `json:"id"`
	AppID       string          `json:"appId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Screenshots []Screenshot    `json:"screenshots"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Clone returns a copy that shares no slices with e.
func (e Entry) Clone() Entry {
	out := e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	out.Screenshots = append([]Screenshot(nil), e.Screenshots...)
	if out.Screenshots == nil {
		out.Screenshots = []Screenshot{}
	}
	return out
}

// Complete reports whether the entry holds its full screenshot quota.
func (e Entry) Complete() bool { return len(e.Screenshots) == MaxScreenshots }

// CanReplay is the send-back eligibility predicate used by the view.
func (e Entry) CanReplay() bool { return e.Complete() }

// CanDelete is the delete eligibility predicate used by the view.
func (e Entry) CanDelete() bool { return e.Complete() }

// AppendScreenshot adds a provisional screenshot and trims the list to the
// quota, oldest first. The new screenshot's timestamp is forced to be later
// than the previous one so it can serve as a stable identity. It returns the
// appended screenshot and its index.
func (e *Entry) AppendScreenshot(data string, at time.Time) (Screenshot, int) {
	if n := len(e.Screenshots); n > 0 {
		if last := e.Screenshots[n-1].Timestamp; !at.After(last) {
			at = last.Add(time.Nanosecond)
		}
	}
	shot := Screenshot{Timestamp: at, Data: data, Phase: Provisional}
	e.Screenshots = append(e.Screenshots, shot)
	if over := len(e.Screenshots) - MaxScreenshots; over > 0 {
		e.Screenshots = append([]Screenshot(nil), e.Screenshots[over:]...)
	}
	return shot, len(e.Screenshots) - 1
}

// DegradeProvisional marks every provisional screenshot local-only and
// returns how many changed.
func (e *Entry) DegradeProvisional() int {
	n := 0
	for i := range e.Screenshots {
		if e.Screenshots[i].Uploading() {
			e.Screenshots[i].Degrade()
			n++
		}
	}
	return n
}

// NextIndex is the index a screenshot appended now would occupy.
func (e Entry) NextIndex() int {
	return min(len(e.Screenshots)+1, MaxScreenshots) - 1
}

// ScreenshotAt finds a screenshot by its insertion timestamp.
func (e Entry) ScreenshotAt(ts time.Time) (int, bool) {
	for i, s := range e.Screenshots {
		if s.Timestamp.Equal(ts) {
			return i, true
		}
	}
	return -1, false
}

// Record is the persisted form of an entry.
type Record struct {
	Data      Entry     `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRecord wraps an entry for persistence.
func NewRecord(e Entry) Record {
	return Record{Data: e, Timestamp: e.Timestamp}
}

// Valid reports whether the record carries an entry id.
func (r Record) Valid() bool { return r.Data.ID != "" }

// AppIDFromPayload extracts the payload's currentApp field, if any.
func AppIDFromPayload(payload json.RawMessage) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var probe struct {
		CurrentApp *string `json:"currentApp"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.CurrentApp == nil {
		return "", false
	}
	return *probe.CurrentApp, true
}

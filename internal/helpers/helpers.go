// Package helpers provides test fixtures shared across packages: a fake
// device-control service speaking the REST and realtime channel contracts.
package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// ValidKey is accepted by the fake service's validation endpoint.
const ValidKey = "TestKey0123456789abcdefABCDEF"

// UploadCall records one POST /save-screenshot.
type UploadCall struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	Data   string `json:"data"`
	APIKey string `json:"apiKey"`
}

// FakeService is an httptest server implementing the endpoints the client
// consumes. Behaviour switches are guarded by the embedded mutex.
type FakeService struct {
	sync.Mutex

	Server *httptest.Server

	ValidKeys     map[string]bool
	Themes        map[string]map[string]any
	FailValidate  bool
	FailUploads   bool
	FailDeletes   bool
	RejectUpgrade bool
	UploadDelay   time.Duration

	Uploads  []UploadCall
	Deletes  []string
	Received []map[string]any
	Upgrades int

	conns    []*websocket.Conn
	writeMu  sync.Mutex
	upgrader websocket.Upgrader
}

// NewFakeService starts a fake service that is closed on test cleanup.
func NewFakeService(t *testing.T) *FakeService {
	t.Helper()
	f := &FakeService{
		ValidKeys: map[string]bool{ValidKey: true},
		Themes: map[string]map[string]any{
			"dark":  {"background": "#000000", "accent": "#0066cc"},
			"light": {"background": "#ffffff", "accent": "#28a745"},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/validate-api-key", f.handleValidate).Methods("GET")
	r.HandleFunc("/themes", f.handleThemes).Methods("GET")
	r.HandleFunc("/save-screenshot", f.handleSave).Methods("POST")
	r.HandleFunc("/delete-screenshots/{id}", f.handleDelete).Methods("DELETE")
	r.HandleFunc("/ws", f.handleWS)

	f.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		f.DropConnections()
		f.Server.Close()
	})
	return f
}

// URL is the REST base URL.
func (f *FakeService) URL() string { return f.Server.URL }

// WSURL is the realtime channel URL.
func (f *FakeService) WSURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + "/ws"
}

func (f *FakeService) handleValidate(w http.ResponseWriter, r *http.Request) {
	f.Lock()
	fail := f.FailValidate
	valid := f.ValidKeys[r.URL.Query().Get("apiKey")]
	f.Unlock()
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]bool{"valid": valid})
}

func (f *FakeService) handleThemes(w http.ResponseWriter, _ *http.Request) {
	f.Lock()
	themes := f.Themes
	f.Unlock()
	writeJSON(w, themes)
}

func (f *FakeService) handleSave(w http.ResponseWriter, r *http.Request) {
	var call UploadCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.Lock()
	f.Uploads = append(f.Uploads, call)
	fail := f.FailUploads
	delay := f.UploadDelay
	f.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"path": "/screenshots/" + call.ID + "/" + itoa(call.Index) + ".png"})
}

func (f *FakeService) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f.Lock()
	f.Deletes = append(f.Deletes, id)
	fail := f.FailDeletes
	f.Unlock()
	if fail {
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeService) handleWS(w http.ResponseWriter, r *http.Request) {
	f.Lock()
	reject := f.RejectUpgrade
	f.Upgrades++
	f.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.Lock()
	f.conns = append(f.conns, conn)
	f.Unlock()

	go func() {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				f.Lock()
				f.Received = append(f.Received, msg)
				f.Unlock()
			}
		}
	}()
}

// Push sends msg to every connected client.
func (f *FakeService) Push(t *testing.T, msg any) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	f.PushRaw(t, b)
}

// PushRaw sends raw bytes to every connected client.
func (f *FakeService) PushRaw(t *testing.T, b []byte) {
	t.Helper()
	f.Lock()
	conns := append([]*websocket.Conn(nil), f.conns...)
	f.Unlock()
	require.NotEmpty(t, conns, "no client connected")

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
}

// DropConnections closes every server-side connection.
func (f *FakeService) DropConnections() {
	f.Lock()
	conns := f.conns
	f.conns = nil
	f.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Connections returns how many live connections the service holds.
func (f *FakeService) Connections() int {
	f.Lock()
	defer f.Unlock()
	return len(f.conns)
}

// Actions returns the action field of every message received so far.
func (f *FakeService) Actions() []string {
	f.Lock()
	defer f.Unlock()
	out := make([]string, 0, len(f.Received))
	for _, m := range f.Received {
		a, _ := m["action"].(string)
		out = append(out, a)
	}
	return out
}

// UploadCalls returns a copy of recorded uploads.
func (f *FakeService) UploadCalls() []UploadCall {
	f.Lock()
	defer f.Unlock()
	return append([]UploadCall(nil), f.Uploads...)
}

// DeleteCalls returns a copy of recorded deletes.
func (f *FakeService) DeleteCalls() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.Deletes...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

// UpgradeCount returns how many channel handshakes were attempted.
func (f *FakeService) UpgradeCount() int {
	f.Lock()
	defer f.Unlock()
	return f.Upgrades
}

// Messages returns a copy of every message received on the channel.
func (f *FakeService) Messages() []map[string]any {
	f.Lock()
	defer f.Unlock()
	return append([]map[string]any(nil), f.Received...)
}

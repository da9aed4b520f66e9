// Package admin implements small HTTP admin endpoints used by the client binary.
// It includes counters, an in-flight upload gauge and a simple histogram of upload durations.
package admin

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// HistogramBuckets defines the latency buckets (seconds) used when observing upload durations.
var HistogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is a minimal metrics container consumed by the /metrics handler.
type Metrics struct {
	sync.Mutex

	Messages      map[string]uint64 `json:"messages"` // by message kind
	Duplicates    uint64            `json:"duplicates"`
	Dropped       uint64            `json:"dropped"`
	ParseErrors   uint64            `json:"parse_errors"`
	Connects      uint64            `json:"connects"`
	Reconnects    uint64            `json:"reconnects"`
	UploadsOK     uint64            `json:"uploads_ok"`
	UploadsFailed uint64            `json:"uploads_failed"`
	Deletes       uint64            `json:"deletes"`
	DeleteErrors  uint64            `json:"delete_errors"`

	// In-flight gauge + map of "entry#index" -> start time for /statusz
	Inflight     int                  `json:"inflight"`
	InflightList map[string]time.Time `json:"inflight_list"`

	// Histograms: map outcome -> counts per bucket
	HistCounts map[string][]uint64 `json:"hist_counts"`
	HistSum    map[string]float64  `json:"hist_sum"`
	HistTotal  map[string]uint64   `json:"hist_total"`
}

// NewMetrics constructs a Metrics instance with initialized maps.
func NewMetrics() *Metrics {
	return &Metrics{
		Messages:     make(map[string]uint64),
		InflightList: make(map[string]time.Time),
		HistCounts:   make(map[string][]uint64),
		HistSum:      make(map[string]float64),
		HistTotal:    make(map[string]uint64),
	}
}

// InflightAdd records an in-flight upload.
func (m *Metrics) InflightAdd(id string) {
	m.Lock()
	defer m.Unlock()
	m.Inflight++
	m.InflightList[id] = time.Now()
}

// InflightRemove removes an in-flight upload.
func (m *Metrics) InflightRemove(id string) {
	m.Lock()
	defer m.Unlock()
	if m.Inflight > 0 {
		m.Inflight--
	}
	delete(m.InflightList, id)
}

// IncMessage counts one inbound message of kind.
func (m *Metrics) IncMessage(kind string) {
	m.Lock()
	m.Messages[kind]++
	m.Unlock()
}

// Increment helpers
func (m *Metrics) IncDuplicate()    { m.Lock(); m.Duplicates++; m.Unlock() }
func (m *Metrics) IncDropped()      { m.Lock(); m.Dropped++; m.Unlock() }
func (m *Metrics) IncParseError()   { m.Lock(); m.ParseErrors++; m.Unlock() }
func (m *Metrics) IncConnects()     { m.Lock(); m.Connects++; m.Unlock() }
func (m *Metrics) IncReconnects()   { m.Lock(); m.Reconnects++; m.Unlock() }
func (m *Metrics) IncUploadOK()     { m.Lock(); m.UploadsOK++; m.Unlock() }
func (m *Metrics) IncUploadFailed() { m.Lock(); m.UploadsFailed++; m.Unlock() }
func (m *Metrics) IncDeletes()      { m.Lock(); m.Deletes++; m.Unlock() }
func (m *Metrics) IncDeleteErrors() { m.Lock(); m.DeleteErrors++; m.Unlock() }

// ObserveDuration records an upload duration (in seconds) under a named outcome.
func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.HistCounts[outcome]; !ok {
		m.HistCounts[outcome] = make([]uint64, len(HistogramBuckets))
	}
	m.HistSum[outcome] += seconds
	m.HistTotal[outcome]++
	for i, b := range HistogramBuckets {
		if seconds <= b {
			m.HistCounts[outcome][i]++
			return
		}
	}
	// beyond the last bucket only +Inf (HistTotal) counts it
}

// Admin handlers

// HandleHealth is a simple healthz handler.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleVarz writes v as JSON. Used for the effective config and the session snapshot.
func HandleVarz(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HandleStatusz renders a small HTML page showing in-flight uploads.
func HandleStatusz(w http.ResponseWriter, m *Metrics) {
	m.Lock()
	defer m.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Status</h1>"))
	_, _ = w.Write([]byte("<p>Uploads in flight: " + strconv.Itoa(m.Inflight) + "</p>"))
	_, _ = w.Write([]byte("<table border='1'><tr><th>Screenshot</th><th>Start</th><th>Age(s)</th></tr>"))
	now := time.Now()
	for _, k := range sortedKeys(m.InflightList) {
		t := m.InflightList[k]
		age := now.Sub(t).Seconds()
		_, _ = w.Write([]byte("<tr><td>" + html.EscapeString(k) + "</td><td>" + t.Format(time.RFC3339) + "</td><td>" + strconv.FormatFloat(age, 'f', 3, 64) + "</td></tr>"))
	}
	_, _ = w.Write([]byte("</table></body></html>"))
}

// HandleMetrics writes Prometheus-compatible output including histograms and counters.
func HandleMetrics(w http.ResponseWriter, m *Metrics) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.Lock()
	defer m.Unlock()

	write := func(name, help string, v uint64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", name)
		_, _ = fmt.Fprintf(w, "%s %d\n\n", name, v)
	}

	_, _ = fmt.Fprintf(w, "# HELP capture_messages_total Channel messages by kind\n")
	_, _ = fmt.Fprintf(w, "# TYPE capture_messages_total counter\n")
	for _, kind := range sortedKeys(m.Messages) {
		_, _ = fmt.Fprintf(w, "capture_messages_total{kind=%q} %d\n", kind, m.Messages[kind])
	}
	_, _ = fmt.Fprintln(w)

	write("capture_duplicates_total", "Messages suppressed as duplicates", m.Duplicates)
	write("capture_dropped_total", "Messages dropped (unknown entry, missing id, unknown action)", m.Dropped)
	write("capture_parse_errors_total", "Malformed messages", m.ParseErrors)
	write("capture_connects_total", "Channel opens", m.Connects)
	write("capture_reconnects_total", "Reconnects scheduled", m.Reconnects)
	write("capture_uploads_ok_total", "Screenshots committed remotely", m.UploadsOK)
	write("capture_uploads_failed_total", "Screenshots kept local after a failed upload", m.UploadsFailed)
	write("capture_deletes_total", "Entries deleted by the user", m.Deletes)
	write("capture_delete_errors_total", "Remote screenshot deletions that failed", m.DeleteErrors)

	_, _ = fmt.Fprintf(w, "# HELP capture_inflight_uploads In-flight uploads\n")
	_, _ = fmt.Fprintf(w, "# TYPE capture_inflight_uploads gauge\n")
	_, _ = fmt.Fprintf(w, "capture_inflight_uploads %d\n\n", m.Inflight)

	_, _ = fmt.Fprintf(w, "# HELP capture_upload_duration_seconds Upload duration by outcome\n")
	_, _ = fmt.Fprintf(w, "# TYPE capture_upload_duration_seconds histogram\n")
	for _, outcome := range sortedKeys(m.HistCounts) {
		counts := m.HistCounts[outcome]
		cum := uint64(0)
		for i, b := range HistogramBuckets {
			if i < len(counts) {
				cum += counts[i]
			}
			_, _ = fmt.Fprintf(w, "capture_upload_duration_seconds_bucket{outcome=\"%s\",le=\"%g\"} %d\n", outcome, b, cum)
		}
		total := m.HistTotal[outcome]
		_, _ = fmt.Fprintf(w, "capture_upload_duration_seconds_bucket{outcome=\"%s\",le=\"+Inf\"} %d\n", outcome, total)
		_, _ = fmt.Fprintf(w, "capture_upload_duration_seconds_sum{outcome=\"%s\"} %g\n", outcome, m.HistSum[outcome])
		_, _ = fmt.Fprintf(w, "capture_upload_duration_seconds_count{outcome=\"%s\"} %d\n\n", outcome, total)
	}
}

// Router mounts every admin endpoint. varz is the effective configuration;
// snapshot, when non-nil, backs /snapshot.
func Router(m *Metrics, varz any, snapshot func() any) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", HandleHealth).Methods("GET")
	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) { HandleMetrics(w, m) }).Methods("GET")
	r.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) { HandleStatusz(w, m) }).Methods("GET")
	r.HandleFunc("/varz", func(w http.ResponseWriter, _ *http.Request) { HandleVarz(w, varz) }).Methods("GET")
	if snapshot != nil {
		r.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) { HandleVarz(w, snapshot()) }).Methods("GET")
	}
	return r
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

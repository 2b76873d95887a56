package web

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/history"
	"github.com/cjeanneret/SnapID/internal/permission"
	"github.com/cjeanneret/SnapID/internal/pipeline"
	"github.com/cjeanneret/SnapID/internal/upload"
)

const (
	maxBodyBytes        = 1 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Pipeline is the part of the orchestrator the handlers drive.
type Pipeline interface {
	Start() error
	Capture() (string, error)
	Snapshot() pipeline.Snapshot
}

// PromptResolver answers camera permission prompts from the UI.
type PromptResolver interface {
	Pending() (permission.Prompt, bool)
	Resolve(granted bool) error
}

// HistoryReader lists past runs.
type HistoryReader interface {
	Recent(limit int) ([]history.Record, error)
}

// Settings is the read-only view of the configuration served on /config.
// Secrets are never included.
type Settings struct {
	EndpointURL       string `json:"endpoint_url"`
	CameraType        string `json:"camera_type"`
	Facing            string `json:"facing"`
	PermissionMode    string `json:"permission_mode"`
	CaptureIntervalMs int    `json:"capture_interval_ms"`
	UploadTimeoutMs   int    `json:"upload_timeout_ms"`
	HistoryEnabled    bool   `json:"history_enabled"`
}

// Handlers holds dependencies for HTTP handlers. Pipeline, Prompts and
// History may be nil; their endpoints then answer 503.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Pipeline    Pipeline
	Prompts     PromptResolver
	History     HistoryReader
	Settings    Settings
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, p Pipeline, settings Settings, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Pipeline:    p,
		Settings:    settings,
		staticFS:    staticFS,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// triggerStatus maps a trigger error to an HTTP status.
func triggerStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleConfig returns the effective settings as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStart handles POST /start: check or request the camera permission
// and bind the camera.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if h.Pipeline == nil {
		http.Error(w, "pipeline not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Pipeline.Start(); err != nil {
		http.Error(w, err.Error(), triggerStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": h.Pipeline.Snapshot().State.String()})
}

// HandleCapture handles POST /capture to trigger one capture-and-upload
// run. The result is pushed to status clients when the run ends.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if h.Pipeline == nil {
		http.Error(w, "pipeline not configured", http.StatusServiceUnavailable)
		return
	}
	runID, err := h.Pipeline.Capture()
	if err != nil {
		debug.Verbose("Web: capture rejected: %v", err)
		http.Error(w, err.Error(), triggerStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "run_id": runID})
}

// outcomeView is the JSON form of an upload.Outcome.
type outcomeView struct {
	Kind     upload.Kind `json:"kind"`
	Text     string      `json:"text"`
	Label    string      `json:"label,omitempty"`
	Distance *float64    `json:"distance,omitempty"`
	HTTPCode int         `json:"http_code,omitempty"`
}

func viewOutcome(o upload.Outcome) *outcomeView {
	if o == nil {
		return nil
	}
	v := &outcomeView{Kind: o.Kind(), Text: o.String()}
	switch o := o.(type) {
	case upload.Recognized:
		v.Label = o.Label
		d := o.Distance
		v.Distance = &d
	case upload.ServerError:
		v.HTTPCode = o.HTTPCode
	case upload.MalformedResponse:
		v.HTTPCode = o.HTTPCode
	}
	return v
}

type stateView struct {
	pipeline.Snapshot
	Busy        bool         `json:"busy"`
	LastOutcome *outcomeView `json:"last_outcome,omitempty"`
}

// HandleState handles GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	if h.Pipeline == nil {
		http.Error(w, "pipeline not configured", http.StatusServiceUnavailable)
		return
	}
	s := h.Pipeline.Snapshot()
	writeJSON(w, http.StatusOK, stateView{Snapshot: s, Busy: s.State.Busy(), LastOutcome: viewOutcome(s.LastOutcome)})
}

// HandlePendingPrompt handles GET /permission: the prompt waiting for an
// answer, or 204 when there is none.
func (h *Handlers) HandlePendingPrompt(w http.ResponseWriter, r *http.Request) {
	if h.Prompts == nil {
		http.Error(w, "permission prompts disabled", http.StatusServiceUnavailable)
		return
	}
	p, ok := h.Prompts.Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleResolvePrompt handles POST /permission with {"granted": bool}.
func (h *Handlers) HandleResolvePrompt(w http.ResponseWriter, r *http.Request) {
	if h.Prompts == nil {
		http.Error(w, "permission prompts disabled", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Granted *bool `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Granted == nil {
		http.Error(w, `body must be {"granted": true|false}`, http.StatusBadRequest)
		return
	}
	if err := h.Prompts.Resolve(*req.Granted); err != nil {
		if errors.Is(err, permission.ErrNoPendingPrompt) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	debug.Live("Web: permission prompt answered (granted=%v)", *req.Granted)
	writeJSON(w, http.StatusOK, map[string]bool{"granted": *req.Granted})
}

// HandleHistory handles GET /history?limit=N, newest first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		http.Error(w, "history disabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxHistoryLimit {
			http.Error(w, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.History.Recent(limit)
	if err != nil {
		debug.Error(err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

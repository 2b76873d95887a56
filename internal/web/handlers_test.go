package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/cjeanneret/SnapID/internal/history"
	"github.com/cjeanneret/SnapID/internal/permission"
	"github.com/cjeanneret/SnapID/internal/pipeline"
	"github.com/cjeanneret/SnapID/internal/upload"
)

// ---------- Fakes ----------

type fakePipeline struct {
	mu         sync.Mutex
	startErr   error
	captureErr error
	starts     int
	captures   int
	snap       pipeline.Snapshot
}

func (f *fakePipeline) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr == nil {
		f.snap.State = pipeline.Ready
	}
	return f.startErr
}

func (f *fakePipeline) Capture() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	f.captures++
	return "run-1", nil
}

func (f *fakePipeline) Snapshot() pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakePrompts struct {
	pending  *permission.Prompt
	resolved []bool
}

func (f *fakePrompts) Pending() (permission.Prompt, bool) {
	if f.pending == nil {
		return permission.Prompt{}, false
	}
	return *f.pending, true
}

func (f *fakePrompts) Resolve(granted bool) error {
	if f.pending == nil {
		return permission.ErrNoPendingPrompt
	}
	f.resolved = append(f.resolved, granted)
	f.pending = nil
	return nil
}

type fakeHistory struct {
	recs      []history.Record
	err       error
	lastLimit int
}

func (f *fakeHistory) Recent(limit int) ([]history.Record, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

// ---------- Handler helpers ----------

func newTestHandlers(p Pipeline) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		p,
		Settings{
			EndpointURL:     "http://127.0.0.1:8000/predict/",
			CameraType:      "mock",
			Facing:          "back",
			PermissionMode:  "grant",
			UploadTimeoutMs: 30000,
		},
		staticFS,
	)
}

func do(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// ---------- HandleCapture ----------

func TestHandleCapture_Accepted(t *testing.T) {
	p := &fakePipeline{}
	h := newTestHandlers(p)

	w := do(h.HandleCapture, http.MethodPost, "/capture", "")

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" || resp["run_id"] != "run-1" {
		t.Errorf("response = %v", resp)
	}
	if p.captures != 1 {
		t.Errorf("captures = %d, want 1", p.captures)
	}
}

func TestHandleCapture_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", pipeline.ErrBusy, http.StatusConflict},
		{"closed", pipeline.ErrClosed, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&fakePipeline{captureErr: tt.err})
			w := do(h.HandleCapture, http.MethodPost, "/capture", "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandleCapture_NilPipeline(t *testing.T) {
	h := newTestHandlers(nil)
	for _, fn := range []http.HandlerFunc{h.HandleCapture, h.HandleStart, h.HandleState} {
		if w := do(fn, http.MethodPost, "/", ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	}
}

// ---------- HandleStart ----------

func TestHandleStart(t *testing.T) {
	p := &fakePipeline{}
	h := newTestHandlers(p)

	w := do(h.HandleStart, http.MethodPost, "/start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if !strings.Contains(w.Body.String(), `"ready"`) {
		t.Errorf("body = %s, want state ready", w.Body.String())
	}

	p.startErr = pipeline.ErrBusy
	if w := do(h.HandleStart, http.MethodPost, "/start", ""); w.Code != http.StatusConflict {
		t.Errorf("busy start status = %d, want %d", w.Code, http.StatusConflict)
	}
}

// ---------- HandleState ----------

func TestHandleState(t *testing.T) {
	p := &fakePipeline{snap: pipeline.Snapshot{
		State:       pipeline.Uploading,
		Session:     "bound",
		RunID:       "abc",
		LastMessage: "Recognized: mug (distance 0.2)",
		LastOutcome: upload.Recognized{Label: "mug", Distance: 0.2},
	}}
	h := newTestHandlers(p)

	w := do(h.HandleState, http.MethodGet, "/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got struct {
		State       string `json:"state"`
		Session     string `json:"session"`
		RunID       string `json:"run_id"`
		Busy        bool   `json:"busy"`
		LastOutcome struct {
			Kind  string `json:"kind"`
			Label string `json:"label"`
		} `json:"last_outcome"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "uploading" || got.Session != "bound" || got.RunID != "abc" || !got.Busy {
		t.Errorf("state = %+v", got)
	}
	if got.LastOutcome.Kind != "recognized" || got.LastOutcome.Label != "mug" {
		t.Errorf("last_outcome = %+v", got.LastOutcome)
	}
}

func TestViewOutcome(t *testing.T) {
	if viewOutcome(nil) != nil {
		t.Error("nil outcome should give nil view")
	}
	v := viewOutcome(upload.ServerError{HTTPCode: 502, Body: "bad gateway"})
	if v.Kind != upload.KindServerError || v.HTTPCode != 502 || v.Text != "Server error 502: bad gateway" {
		t.Errorf("view = %+v", v)
	}
}

// ---------- Permission prompts ----------

func TestHandlePendingPrompt(t *testing.T) {
	h := newTestHandlers(&fakePipeline{})
	prompts := &fakePrompts{}
	h.Prompts = prompts

	if w := do(h.HandlePendingPrompt, http.MethodGet, "/permission", ""); w.Code != http.StatusNoContent {
		t.Errorf("no prompt: status = %d, want %d", w.Code, http.StatusNoContent)
	}

	prompts.pending = &permission.Prompt{ID: "p1", Capability: permission.Camera}
	w := do(h.HandlePendingPrompt, http.MethodGet, "/permission", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var p permission.Prompt
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "p1" || p.Capability != permission.Camera {
		t.Errorf("prompt = %+v", p)
	}
}

func TestHandleResolvePrompt(t *testing.T) {
	tests := []struct {
		name    string
		pending bool
		body    string
		want    int
	}{
		{"grant", true, `{"granted":true}`, http.StatusOK},
		{"deny", true, `{"granted":false}`, http.StatusOK},
		{"nothing pending", false, `{"granted":true}`, http.StatusNotFound},
		{"missing field", true, `{}`, http.StatusBadRequest},
		{"invalid json", true, `not json`, http.StatusBadRequest},
		{"oversized", true, `{"granted":true,"x":"` + strings.Repeat("x", 2<<10) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(&fakePipeline{})
			prompts := &fakePrompts{}
			if tt.pending {
				prompts.pending = &permission.Prompt{ID: "p1"}
			}
			h.Prompts = prompts

			w := do(h.HandleResolvePrompt, http.MethodPost, "/permission", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandlePrompt_Disabled(t *testing.T) {
	h := newTestHandlers(&fakePipeline{})
	if w := do(h.HandlePendingPrompt, http.MethodGet, "/permission", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w := do(h.HandleResolvePrompt, http.MethodPost, "/permission", `{"granted":true}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("POST status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandleHistory ----------

func TestHandleHistory(t *testing.T) {
	hist := &fakeHistory{recs: []history.Record{{RunID: "b"}, {RunID: "a"}}}
	h := newTestHandlers(&fakePipeline{})
	h.History = hist

	w := do(h.HandleHistory, http.MethodGet, "/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if hist.lastLimit != defaultHistoryLimit {
		t.Errorf("limit = %d, want %d", hist.lastLimit, defaultHistoryLimit)
	}
	var recs []history.Record
	if err := json.NewDecoder(w.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 || recs[0].RunID != "b" {
		t.Errorf("records = %+v", recs)
	}

	w = do(h.HandleHistory, http.MethodGet, "/history?limit=1", "")
	if w.Code != http.StatusOK || hist.lastLimit != 1 {
		t.Errorf("limit=1: status %d, limit %d", w.Code, hist.lastLimit)
	}
}

func TestHandleHistory_BadRequests(t *testing.T) {
	h := newTestHandlers(&fakePipeline{})
	h.History = &fakeHistory{}
	for _, q := range []string{"0", "-1", "abc", "501"} {
		if w := do(h.HandleHistory, http.MethodGet, "/history?limit="+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHandleHistory_EmptyIsArray(t *testing.T) {
	h := newTestHandlers(&fakePipeline{})
	h.History = &fakeHistory{}
	w := do(h.HandleHistory, http.MethodGet, "/history", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
}

func TestHandleHistory_Unavailable(t *testing.T) {
	h := newTestHandlers(&fakePipeline{})
	if w := do(h.HandleHistory, http.MethodGet, "/history", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("disabled: status = %d", w.Code)
	}
	h.History = &fakeHistory{err: errors.New("disk")}
	if w := do(h.HandleHistory, http.MethodGet, "/history", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("error: status = %d", w.Code)
	}
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(&fakePipeline{})
	w := do(h.HandleConfig, http.MethodGet, "/config", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var s Settings
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.EndpointURL != "http://127.0.0.1:8000/predict/" {
		t.Errorf("EndpointURL = %q", s.EndpointURL)
	}
	if s.UploadTimeoutMs != 30000 {
		t.Errorf("UploadTimeoutMs = %d, want 30000", s.UploadTimeoutMs)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakePipeline{})
	w := do(h.ServeIndex, http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServeIndex_Missing(t *testing.T) {
	h := NewHandlers(NewStatusBroadcaster(), nil, Settings{}, fstest.MapFS{})
	if w := do(h.ServeIndex, http.MethodGet, "/", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

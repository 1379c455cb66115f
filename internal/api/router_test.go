package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/adapter"
	"github.com/orrn/printfleet/internal/analysis"
	"github.com/orrn/printfleet/internal/api/middleware"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/eventbus"
	"github.com/orrn/printfleet/internal/storage"
)

const sampleGcode = `; generated by PrusaSlicer 2.7.1
; estimated printing time (normal mode) = 1h 2m 3s
; filament used [g] = 12.5
G28
`

// idleAdapter accepts every command and never reaches the authenticated
// state.
type idleAdapter struct {
	id string
	mu sync.Mutex
	n  int
}

func (a *idleAdapter) PrinterID() string                                   { return a.id }
func (a *idleAdapter) Connect(context.Context) error                       { return nil }
func (a *idleAdapter) Disconnect() error                                   { return nil }
func (a *idleAdapter) StartPrint(context.Context, adapter.PrintFile) error { return nil }
func (a *idleAdapter) Resume(context.Context) error                        { return nil }
func (a *idleAdapter) Stop(context.Context) error                          { return nil }
func (a *idleAdapter) SendRaw(context.Context, []byte) error               { return nil }
func (a *idleAdapter) Reconfigure(adapter.Credentials)                     {}
func (a *idleAdapter) ReconnectPending() bool                              { return false }

func (a *idleAdapter) Pause(context.Context) error {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
	return nil
}

func (a *idleAdapter) Upload(_ context.Context, _ string, r io.Reader, _ int64) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (a *idleAdapter) Snapshot() adapter.Snapshot {
	return adapter.Snapshot{PrinterID: a.id, SocketState: adapter.SocketClosed}
}

type testServer struct {
	router *gin.Engine
	store  *db.Store
}

func newTestServer(t *testing.T, auth config.AuthConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus := eventbus.New(64, nil)
	t.Cleanup(func() {
		bus.Close()
		store.Close()
	})
	ctx := context.Background()
	if err := store.UpsertPrinter(ctx, &core.Printer{ID: "p1", Name: "P1", Transport: core.TransportSession, Endpoint: "http://p1", Enabled: true}); err != nil {
		t.Fatalf("upsert printer: %v", err)
	}

	files, err := storage.NewDisk(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	cfg := &config.Config{Printers: config.PrintersConfig{HealthCheckInterval: time.Hour}, Auth: auth}

	jobs := core.NewJobOrchestrator(store, files, analysis.New(nil), bus, nil)
	queue := core.NewQueueOrchestrator(store, bus, cfg.Queue, nil)
	printers := core.NewPrinterManager(store, files, bus, cfg.Printers, func(p *core.Printer) (adapter.Adapter, error) {
		return &idleAdapter{id: p.ID}, nil
	}, nil)
	if err := printers.Start(ctx); err != nil {
		t.Fatalf("start printers: %v", err)
	}
	t.Cleanup(printers.Stop)

	a, err := middleware.NewAuth(auth, nil)
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	return &testServer{
		router: NewRouter(Deps{
			Config:   cfg,
			Auth:     a,
			Jobs:     jobs,
			Queue:    queue,
			Printers: printers,
			Files:    files,
		}),
		store: store,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, name, content, printerID string) *core.PrintJob {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.WriteField("printer_id", printerID); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var j core.PrintJob
	decode(t, w, &j)
	return &j
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func expect(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, w.Code, w.Body.String())
	}
}

func TestHealthAndOpenAuth(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	expect(t, s.do(t, http.MethodGet, "/healthz", nil), http.StatusOK)

	var st middleware.StatusResponse
	w := s.do(t, http.MethodGet, "/api/v1/auth/status", nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &st)
	if st.Enabled || !st.Authenticated {
		t.Fatalf("unexpected auth status %+v", st)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	hash, err := middleware.HashPassword("hunter22")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s := newTestServer(t, config.AuthConfig{PasswordHash: hash})
	expect(t, s.do(t, http.MethodGet, "/api/v1/printers", nil), http.StatusUnauthorized)
	expect(t, s.do(t, http.MethodGet, "/healthz", nil), http.StatusOK)
}

func TestUploadAnalyzesFile(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	j := s.upload(t, "benchy.gcode", sampleGcode, "p1")

	if j.Status != core.JobStatusPending || j.PrinterID != "p1" {
		t.Fatalf("unexpected job %+v", j)
	}
	if j.AnalysisState != core.AnalysisAnalyzed || j.Metadata == nil || j.Metadata.PrintTimeSeconds == nil {
		t.Fatalf("job was not analyzed: %+v", j)
	}
	if got := *j.Metadata.PrintTimeSeconds; got != 3723 {
		t.Fatalf("expected 3723s print time, got %v", got)
	}

	var fetched core.PrintJob
	w := s.do(t, http.MethodGet, "/api/v1/jobs/"+j.ID, nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &fetched)
	if fetched.File.StorageID == "" || fetched.File.Hash == "" {
		t.Fatalf("stored file reference missing: %+v", fetched.File)
	}

	var list struct {
		Count int `json:"count"`
	}
	w = s.do(t, http.MethodGet, "/api/v1/jobs?status=pending,queued&printer_id=p1", nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &list)
	if list.Count != 1 {
		t.Fatalf("expected 1 listed job, got %d", list.Count)
	}
	expect(t, s.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil), http.StatusBadRequest)
}

func TestUploadKeepsJobWhenAnalysisFails(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	j := s.upload(t, "notes.gcode", "G28\nG1 X10\n", "p1")
	if j.AnalysisState != core.AnalysisFailed {
		t.Fatalf("expected failed analysis, got %s", j.AnalysisState)
	}
}

func TestQueueEndpoints(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	a := s.upload(t, "a.gcode", sampleGcode, "p1")
	b := s.upload(t, "b.gcode", sampleGcode, "p1")

	var added struct {
		Position int `json:"position"`
	}
	w := s.do(t, http.MethodPost, "/api/v1/printers/p1/queue", map[string]any{"job_id": a.ID})
	expect(t, w, http.StatusCreated)
	decode(t, w, &added)
	if added.Position != 0 {
		t.Fatalf("expected position 0, got %d", added.Position)
	}
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/queue", map[string]any{"job_id": b.ID}), http.StatusCreated)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/queue", map[string]any{"job_id": a.ID}), http.StatusConflict)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/ghost/queue", map[string]any{"job_id": a.ID}), http.StatusNotFound)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/queue", map[string]any{}), http.StatusBadRequest)

	var reordered struct {
		JobIDs []string `json:"job_ids"`
	}
	w = s.do(t, http.MethodPut, "/api/v1/printers/p1/queue/order", map[string]any{"job_ids": []string{b.ID, a.ID}})
	expect(t, w, http.StatusOK)
	decode(t, w, &reordered)
	if len(reordered.JobIDs) != 2 || reordered.JobIDs[0] != b.ID {
		t.Fatalf("unexpected order %v", reordered.JobIDs)
	}

	var queue struct {
		Ready bool            `json:"ready"`
		Jobs  []core.PrintJob `json:"jobs"`
	}
	w = s.do(t, http.MethodGet, "/api/v1/printers/p1/queue", nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &queue)
	if queue.Ready || len(queue.Jobs) != 2 || queue.Jobs[0].ID != b.ID || *queue.Jobs[1].QueuePosition != 1 {
		t.Fatalf("unexpected queue %+v", queue)
	}

	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/queue/process", nil), http.StatusServiceUnavailable)

	var removed core.PrintJob
	w = s.do(t, http.MethodDelete, "/api/v1/jobs/"+b.ID+"/queue", nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &removed)
	if removed.Status != core.JobStatusPending || removed.QueuePosition != nil {
		t.Fatalf("unexpected removed job %+v", removed)
	}

	var global struct {
		Count int `json:"count"`
	}
	w = s.do(t, http.MethodGet, "/api/v1/queue", nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &global)
	if global.Count != 1 {
		t.Fatalf("expected 1 global queue item, got %d", global.Count)
	}

	var cleared struct {
		Removed int `json:"removed"`
	}
	w = s.do(t, http.MethodDelete, "/api/v1/printers/p1/queue", nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &cleared)
	if cleared.Removed != 1 {
		t.Fatalf("expected 1 cleared job, got %d", cleared.Removed)
	}
	expect(t, s.do(t, http.MethodGet, "/api/v1/submissions", nil), http.StatusOK)
}

func TestMarkCloneAndDelete(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})
	j := s.upload(t, "a.gcode", sampleGcode, "p1")

	expect(t, s.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/mark/completed", nil), http.StatusConflict)
	expect(t, s.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/mark/exploded", nil), http.StatusNotFound)
	expect(t, s.do(t, http.MethodPost, "/api/v1/jobs/missing/mark/failed", map[string]string{"reason": "spaghetti"}), http.StatusNotFound)

	var clone core.PrintJob
	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+j.ID+"/clone", nil)
	expect(t, w, http.StatusCreated)
	decode(t, w, &clone)
	if clone.ID == j.ID || clone.File.StorageID != j.File.StorageID || clone.PrinterID != "p1" {
		t.Fatalf("unexpected clone %+v", clone)
	}

	expect(t, s.do(t, http.MethodDelete, "/api/v1/jobs/"+j.ID, nil), http.StatusNoContent)
	expect(t, s.do(t, http.MethodGet, "/api/v1/jobs/"+j.ID, nil), http.StatusNotFound)

	w = s.do(t, http.MethodPost, "/api/v1/printers/p1/override/clear", nil)
	expect(t, w, http.StatusOK)
}

func TestPrinterEndpoints(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	var list struct {
		Count    int                   `json:"count"`
		Printers []*core.PrinterStatus `json:"printers"`
	}
	w := s.do(t, http.MethodGet, "/api/v1/printers", nil)
	expect(t, w, http.StatusOK)
	decode(t, w, &list)
	if list.Count != 1 || list.Printers[0].Printer.ID != "p1" {
		t.Fatalf("unexpected printers %+v", list)
	}

	expect(t, s.do(t, http.MethodGet, "/api/v1/printers/p1", nil), http.StatusOK)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/pause", nil), http.StatusAccepted)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/ghost/pause", nil), http.StatusNotFound)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/command", map[string]string{"command": "M115"}), http.StatusAccepted)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/command", map[string]string{}), http.StatusBadRequest)

	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/disable", nil), http.StatusOK)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/pause", nil), http.StatusConflict)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/enable", nil), http.StatusOK)
	expect(t, s.do(t, http.MethodPost, "/api/v1/printers/p1/pause", nil), http.StatusAccepted)

	expect(t, s.do(t, http.MethodGet, "/api/v1/settings/server", nil), http.StatusOK)
}

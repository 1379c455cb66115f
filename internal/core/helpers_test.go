package core_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/orrn/printfleet/internal/adapter"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/eventbus"
)

type fixture struct {
	store *db.Store
	bus   *eventbus.Bus
	files *memFiles
	jobs  *core.JobOrchestrator
	queue *core.QueueOrchestrator
}

func newFixture(t *testing.T, qcfg config.QueueConfig) *fixture {
	t.Helper()
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
	for _, id := range []string{"p1", "p2"} {
		p := &core.Printer{ID: id, Name: id, Transport: core.TransportSession, Endpoint: "http://" + id, Enabled: true}
		if err := store.UpsertPrinter(ctx, p); err != nil {
			t.Fatalf("upsert printer: %v", err)
		}
	}

	files := newMemFiles()
	return &fixture{
		store: store,
		bus:   bus,
		files: files,
		jobs:  core.NewJobOrchestrator(store, files, stubAnalyzer{}, bus, nil),
		queue: core.NewQueueOrchestrator(store, bus, qcfg, nil),
	}
}

// newJob creates a PENDING job backed by a stored file.
func (f *fixture) newJob(t *testing.T, printerID, name string) *core.PrintJob {
	t.Helper()
	ctx := context.Background()
	ref, err := f.files.Put(ctx, name, bytes.NewReader([]byte("G28\n")), 4)
	if err != nil {
		t.Fatalf("put file: %v", err)
	}
	j, err := f.jobs.CreateJob(ctx, core.NewJob{PrinterID: printerID, FileName: name, File: ref})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	// keep created_at ordering strict for file lookups
	time.Sleep(2 * time.Millisecond)
	return j
}

func (f *fixture) enqueue(t *testing.T, printerID string, jobs ...*core.PrintJob) {
	t.Helper()
	for _, j := range jobs {
		if _, err := f.queue.AddToQueue(context.Background(), j.ID, printerID, nil); err != nil {
			t.Fatalf("add to queue: %v", err)
		}
	}
}

// makeReady feeds the socket and idle telemetry events that mark a printer
// ready.
func (f *fixture) makeReady(t *testing.T, printerID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.queue.HandleEvent(ctx, eventbus.SocketStateChanged{PrinterID: printerID, To: string(adapter.SocketAuthenticated)}); err != nil {
		t.Fatalf("socket event: %v", err)
	}
	if err := f.queue.HandleEvent(ctx, eventbus.Telemetry{PrinterID: printerID, Idle: true}); err != nil {
		t.Fatalf("telemetry event: %v", err)
	}
}

func (f *fixture) job(t *testing.T, id string) *core.PrintJob {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

// queueOrder returns the printer's queue context as job ids and checks the
// positions are dense.
func (f *fixture) queueOrder(t *testing.T, printerID string) []string {
	t.Helper()
	jobs, err := f.store.ListQueue(context.Background(), printerID)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		if j.QueuePosition == nil || *j.QueuePosition != i {
			t.Fatalf("queue positions not dense at %d: %+v", i, j.QueuePosition)
		}
		ids[i] = j.ID
	}
	return ids
}

func sameOrder(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, sub *eventbus.Subscription, kind eventbus.Kind) eventbus.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.Kind() == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return nil
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type memFiles struct {
	mu    sync.Mutex
	seq   int
	files map[string][]byte
}

func newMemFiles() *memFiles {
	return &memFiles{files: make(map[string][]byte)}
}

func (m *memFiles) Put(_ context.Context, name string, r io.Reader, _ int64) (core.FileRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return core.FileRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("%d-%s", m.seq, name)
	m.files[id] = data
	return core.FileRef{StorageID: id, Size: int64(len(data)), Format: "gcode"}, nil
}

func (m *memFiles) Open(_ context.Context, ref core.FileRef) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[ref.StorageID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memFiles) Delete(_ context.Context, ref core.FileRef) error {
	m.mu.Lock()
	delete(m.files, ref.StorageID)
	m.mu.Unlock()
	return nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, name string, r io.Reader) (*core.JobMetadata, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	if name == "broken.gcode" {
		return nil, errors.New("unreadable header")
	}
	secs, layers := 5400.0, 120
	return &core.JobMetadata{PrintTimeSeconds: &secs, LayerCount: &layers}, nil
}

// fakeAdapter records commands and reports a fixed snapshot.
type fakeAdapter struct {
	id           string
	uploadErr    error
	blockConnect bool

	mu       sync.Mutex
	uploads  []string
	started  []adapter.PrintFile
	paused   int
	connects  int
	cancelled int
	closed    bool
	snapshot  adapter.Snapshot
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{id: id, snapshot: adapter.Snapshot{PrinterID: id, SocketState: adapter.SocketUnopened}}
}

func (a *fakeAdapter) PrinterID() string { return a.id }

// Connect blocks until ctx is done when blockConnect is set.
func (a *fakeAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connects++
	a.closed = false
	block := a.blockConnect
	a.mu.Unlock()
	if !block {
		return nil
	}
	<-ctx.Done()
	a.mu.Lock()
	a.cancelled++
	a.mu.Unlock()
	return ctx.Err()
}

func (a *fakeAdapter) connectState() (connects, cancelled int, closed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects, a.cancelled, a.closed
}

func (a *fakeAdapter) Disconnect() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) StartPrint(_ context.Context, file adapter.PrintFile) error {
	a.mu.Lock()
	a.started = append(a.started, file)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Pause(context.Context) error {
	a.mu.Lock()
	a.paused++
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Resume(context.Context) error          { return nil }
func (a *fakeAdapter) Stop(context.Context) error            { return nil }
func (a *fakeAdapter) SendRaw(context.Context, []byte) error { return nil }

func (a *fakeAdapter) Upload(_ context.Context, name string, r io.Reader, _ int64) error {
	if a.uploadErr != nil {
		return a.uploadErr
	}
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	a.mu.Lock()
	a.uploads = append(a.uploads, name)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Snapshot() adapter.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

func (a *fakeAdapter) setSnapshot(s adapter.Snapshot) {
	a.mu.Lock()
	a.snapshot = s
	a.mu.Unlock()
}

func (a *fakeAdapter) Reconfigure(adapter.Credentials) {}
func (a *fakeAdapter) ReconnectPending() bool          { return false }

func (a *fakeAdapter) counts() (uploads, started, connects int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.uploads), len(a.started), a.connects
}

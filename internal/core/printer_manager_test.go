package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orrn/printfleet/internal/adapter"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/eventbus"
)

type fakeFleet struct {
	mu           sync.Mutex
	adapters     map[string]*fakeAdapter
	failOn       map[string]error
	blockConnect bool
}

func (ff *fakeFleet) factory(p *core.Printer) (adapter.Adapter, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	a := newFakeAdapter(p.ID)
	a.uploadErr = ff.failOn[p.ID]
	a.blockConnect = ff.blockConnect
	ff.adapters[p.ID] = a
	return a, nil
}

func (ff *fakeFleet) get(id string) *fakeAdapter {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.adapters[id]
}

func startManager(t *testing.T, f *fixture, cfg config.PrintersConfig, failOn map[string]error) (*core.PrinterManager, *fakeFleet) {
	t.Helper()
	fleet := &fakeFleet{adapters: make(map[string]*fakeAdapter), failOn: failOn}
	pm := core.NewPrinterManager(f.store, f.files, f.bus, cfg, fleet.factory, nil)
	if err := pm.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(pm.Stop)
	return pm, fleet
}

func TestSubmissionSucceeds(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	_, fleet := startManager(t, f, config.PrintersConfig{HealthCheckInterval: time.Hour}, nil)
	outcomes := f.bus.Subscribe("test", eventbus.KindSubmissionSucceeded, eventbus.KindSubmissionFailed)
	defer outcomes.Close()

	a := f.newJob(t, "p1", "benchy.gcode")
	err := f.bus.Publish(context.Background(), eventbus.SubmissionRequested{
		PrinterID: "p1", JobID: a.ID, FileName: a.FileName, File: a.File, At: time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	evt := waitFor(t, outcomes, eventbus.KindSubmissionSucceeded).(eventbus.SubmissionSucceeded)
	if evt.JobID != a.ID {
		t.Fatalf("outcome for wrong job %s", evt.JobID)
	}
	uploads, started, _ := fleet.get("p1").counts()
	if uploads != 1 || started != 1 {
		t.Fatalf("expected one upload and one start, got %d/%d", uploads, started)
	}
}

func TestSubmissionFailureIsReported(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	startManager(t, f, config.PrintersConfig{HealthCheckInterval: time.Hour}, map[string]error{"p1": errors.New("550 no space")})
	outcomes := f.bus.Subscribe("test", eventbus.KindSubmissionSucceeded, eventbus.KindSubmissionFailed)
	defer outcomes.Close()

	a := f.newJob(t, "p1", "benchy.gcode")
	if err := f.bus.Publish(context.Background(), eventbus.SubmissionRequested{PrinterID: "p1", JobID: a.ID, FileName: a.FileName, File: a.File}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	evt := waitFor(t, outcomes, eventbus.KindSubmissionFailed).(eventbus.SubmissionFailed)
	if evt.JobID != a.ID || evt.Err == "" {
		t.Fatalf("unexpected failure outcome %+v", evt)
	}
}

func TestSubmissionWithoutStoredFileFails(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	startManager(t, f, config.PrintersConfig{HealthCheckInterval: time.Hour}, nil)
	outcomes := f.bus.Subscribe("test", eventbus.KindSubmissionFailed)
	defer outcomes.Close()

	if err := f.bus.Publish(context.Background(), eventbus.SubmissionRequested{PrinterID: "p1", JobID: "j", FileName: "x.gcode"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, outcomes, eventbus.KindSubmissionFailed)
}

func TestQueueToPrinterRoundTrip(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	_, fleet := startManager(t, f, config.PrintersConfig{HealthCheckInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.queue.Start(ctx)

	a, b := f.newJob(t, "p1", "a.gcode"), f.newJob(t, "p1", "b.gcode")
	f.enqueue(t, "p1", a, b)
	f.makeReady(t, "p1")

	if _, err := f.queue.ProcessQueue(ctx, "p1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	eventually(t, "submission to be confirmed", func() bool {
		j, err := f.store.GetJob(context.Background(), a.ID)
		return err == nil && j.Status == core.JobStatusPrinting && j.QueuePosition == nil
	})
	if order := f.queueOrder(t, "p1"); !sameOrder(order, b.ID) {
		t.Fatalf("expected B alone in queue, got %v", order)
	}
	if uploads, _, _ := fleet.get("p1").counts(); uploads != 1 {
		t.Fatalf("expected one upload, got %d", uploads)
	}
}

func TestFleetConfigIsSynced(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	cfg := config.PrintersConfig{
		HealthCheckInterval: time.Hour,
		Fleet: []config.PrinterConfig{
			{ID: "x1", Name: "X1", Transport: "broker", Endpoint: "10.0.0.5", DeviceID: "01S00", Enabled: true},
			{ID: "p2", Name: "P2", Transport: "session", Endpoint: "http://p2", Enabled: false},
		},
	}
	pm, fleet := startManager(t, f, cfg, nil)
	ctx := context.Background()

	p, err := f.store.GetPrinter(ctx, "x1")
	if err != nil {
		t.Fatalf("configured printer missing: %v", err)
	}
	if p.Transport != core.TransportBroker || p.DeviceID != "01S00" {
		t.Fatalf("unexpected printer %+v", p)
	}
	eventually(t, "x1 to connect", func() bool {
		a := fleet.get("x1")
		if a == nil {
			return false
		}
		_, _, connects := a.counts()
		return connects > 0
	})
	if fleet.get("p2") != nil {
		t.Fatalf("disabled printer should not get an adapter")
	}
	if err := pm.Pause(ctx, "p2"); !errors.Is(err, core.ErrPrinterDisabled) {
		t.Fatalf("expected ErrPrinterDisabled, got %v", err)
	}
	if err := pm.Pause(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := pm.SetEnabled(ctx, "p2", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := pm.Pause(ctx, "p2"); err != nil {
		t.Fatalf("pause after enable: %v", err)
	}
	if err := pm.SetEnabled(ctx, "p2", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := pm.Pause(ctx, "p2"); !errors.Is(err, core.ErrPrinterDisabled) {
		t.Fatalf("expected ErrPrinterDisabled after disable, got %v", err)
	}
}

func TestStatusReportsReadiness(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	pm, fleet := startManager(t, f, config.PrintersConfig{HealthCheckInterval: time.Hour}, nil)
	ctx := context.Background()
	f.enqueue(t, "p1", f.newJob(t, "p1", "a.gcode"))

	eventually(t, "adapter for p1", func() bool { return fleet.get("p1") != nil })
	fleet.get("p1").setSnapshot(adapter.Snapshot{
		PrinterID:     "p1",
		SocketState:   adapter.SocketAuthenticated,
		LastTelemetry: &eventbus.Telemetry{PrinterID: "p1", Idle: true},
	})

	st, err := pm.Status(ctx, "p1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Ready || st.QueueLen != 1 || st.Session == nil {
		t.Fatalf("unexpected status %+v", st)
	}

	all, err := pm.ListStatuses(ctx)
	if err != nil {
		t.Fatalf("list statuses: %v", err)
	}
	if len(all) != 2 || all[0].Printer.ID != "p1" {
		t.Fatalf("unexpected statuses %+v", all)
	}
}

func TestHealthCheckSkipsManualDisconnect(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	pm, fleet := startManager(t, f, config.PrintersConfig{HealthCheckInterval: time.Hour}, nil)
	ctx := context.Background()

	eventually(t, "initial connects", func() bool {
		a := fleet.get("p1")
		if a == nil {
			return false
		}
		_, _, n := a.counts()
		return n == 1
	})
	if err := pm.Disconnect(ctx, "p1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	fleet.get("p1").setSnapshot(adapter.Snapshot{PrinterID: "p1", SocketState: adapter.SocketClosed})
	fleet.get("p2").setSnapshot(adapter.Snapshot{PrinterID: "p2", SocketState: adapter.SocketClosed})

	pm.CheckAll()
	eventually(t, "p2 reconnect", func() bool {
		_, _, n := fleet.get("p2").counts()
		return n == 2
	})
	if _, _, n := fleet.get("p1").counts(); n != 1 {
		t.Fatalf("manually disconnected printer was reconnected (%d connects)", n)
	}

	if err := pm.Connect(ctx, "p1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, _, n := fleet.get("p1").counts(); n != 2 {
		t.Fatalf("explicit connect should reach the adapter, got %d connects", n)
	}
}

func TestDisableCancelsInFlightConnect(t *testing.T) {
	f := newFixture(t, config.QueueConfig{})
	fleet := &fakeFleet{adapters: make(map[string]*fakeAdapter), blockConnect: true}
	pm := core.NewPrinterManager(f.store, f.files, f.bus, config.PrintersConfig{HealthCheckInterval: time.Hour}, fleet.factory, nil)
	if err := pm.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(pm.Stop)
	ctx := context.Background()

	eventually(t, "p1 connect in flight", func() bool {
		a := fleet.get("p1")
		if a == nil {
			return false
		}
		connects, _, _ := a.connectState()
		return connects == 1
	})
	first := fleet.get("p1")

	if err := pm.SetEnabled(ctx, "p1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	eventually(t, "in-flight connect cancelled", func() bool {
		_, cancelled, _ := first.connectState()
		return cancelled == 1
	})
	if _, _, closed := first.connectState(); !closed {
		t.Fatalf("disabled adapter was not disconnected")
	}

	if _, cancelled, _ := fleet.get("p2").connectState(); cancelled != 0 {
		t.Fatalf("p2 connect cancelled by disabling p1")
	}

	if err := pm.SetEnabled(ctx, "p1", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	eventually(t, "fresh adapter connects", func() bool {
		a := fleet.get("p1")
		if a == first {
			return false
		}
		connects, _, _ := a.connectState()
		return connects == 1
	})
	if _, cancelled, _ := first.connectState(); cancelled != 1 {
		t.Fatalf("old adapter connect resumed after re-enable")
	}
}

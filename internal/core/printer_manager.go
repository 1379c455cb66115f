package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/orrn/printfleet/internal/adapter"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/eventbus"
	"github.com/orrn/printfleet/internal/logging"
	"github.com/orrn/printfleet/internal/observability"
)

const (
	defaultHealthCheckInterval = 30 * time.Second
	submissionTimeout          = 30 * time.Minute
	publishTimeout             = 10 * time.Second
)

// AdapterFactory builds the session adapter for one printer.
type AdapterFactory func(p *Printer) (adapter.Adapter, error)

// DefaultAdapterFactory picks the adapter variant by transport kind.
func DefaultAdapterFactory(bus *eventbus.Bus, cfg config.PrintersConfig, logger hclog.Logger) AdapterFactory {
	return func(p *Printer) (adapter.Adapter, error) {
		opts := adapter.Options{
			PrinterID:         p.ID,
			Endpoint:          p.Endpoint,
			Username:          p.Username,
			Password:          p.Password,
			APIKey:            p.APIKey,
			DeviceID:          p.DeviceID,
			ConnectionTimeout: cfg.ConnectionTimeout,
		}
		switch p.Transport {
		case TransportSession:
			return adapter.NewOctoPrint(opts, bus, logger), nil
		case TransportBroker:
			return adapter.NewBambu(opts, bus, logger), nil
		}
		return nil, fmt.Errorf("%w: %q", ErrPrinterUnsupported, p.Transport)
	}
}

type PrinterManager struct {
	repo     Repository
	files    FileStore
	bus      *eventbus.Bus
	config   config.PrintersConfig
	factory  AdapterFactory
	logger   hclog.Logger
	adapters map[string]adapter.Adapter
	scopes   map[string]connectScope
	manual   map[string]bool
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// connectScope bounds every connect attempt made for one attached adapter.
// Detaching the adapter cancels attempts still in flight.
type connectScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPrinterManager(repo Repository, files FileStore, bus *eventbus.Bus, cfg config.PrintersConfig, factory AdapterFactory, logger hclog.Logger) *PrinterManager {
	logger = logging.OrNull(logger)
	if factory == nil {
		factory = DefaultAdapterFactory(bus, cfg, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PrinterManager{
		repo:     repo,
		files:    files,
		bus:      bus,
		config:   cfg,
		factory:  factory,
		logger:   logger.Named("printers"),
		adapters: make(map[string]adapter.Adapter),
		scopes:   make(map[string]connectScope),
		manual:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Start syncs the configured fleet into the store, connects enabled printers
// and begins serving submission requests.
func (pm *PrinterManager) Start(ctx context.Context) error {
	for _, pc := range pm.config.Fleet {
		p := &Printer{
			ID:        pc.ID,
			Name:      pc.Name,
			Transport: Transport(pc.Transport),
			Endpoint:  pc.Endpoint,
			Username:  pc.Username,
			Password:  pc.Password,
			APIKey:    pc.APIKey,
			DeviceID:  pc.DeviceID,
			Enabled:   pc.Enabled,
		}
		if err := pm.repo.UpsertPrinter(ctx, p); err != nil {
			return fmt.Errorf("failed to upsert printer %s: %w", pc.ID, err)
		}
	}

	printers, err := pm.repo.ListPrinters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load printers: %w", err)
	}
	for _, p := range printers {
		if !p.Enabled {
			continue
		}
		if _, err := pm.attach(p); err != nil {
			pm.logger.Error("failed to create adapter", "printer_id", p.ID, "error", err)
		}
	}

	sub := pm.bus.Subscribe("submissions", eventbus.KindSubmissionRequested)
	pm.wg.Add(2)
	go pm.submissionLoop(sub)
	go pm.healthCheckLoop()
	return nil
}

func (pm *PrinterManager) Stop() {
	pm.stopOnce.Do(func() {
		close(pm.stopCh)
		pm.cancel()

		pm.mu.RLock()
		adapters := make([]adapter.Adapter, 0, len(pm.adapters))
		for _, a := range pm.adapters {
			adapters = append(adapters, a)
		}
		pm.mu.RUnlock()

		for _, a := range adapters {
			if err := a.Disconnect(); err != nil {
				pm.logger.Warn("disconnect failed", "printer_id", a.PrinterID(), "error", err)
			}
		}

		pm.wg.Wait()
	})
}

func (pm *PrinterManager) attach(p *Printer) (adapter.Adapter, error) {
	a, err := pm.factory(p)
	if err != nil {
		return nil, err
	}
	pm.mu.Lock()
	if old, ok := pm.adapters[p.ID]; ok {
		pm.mu.Unlock()
		return old, nil
	}
	ctx, cancel := context.WithCancel(pm.ctx)
	pm.adapters[p.ID] = a
	pm.scopes[p.ID] = connectScope{ctx: ctx, cancel: cancel}
	pm.mu.Unlock()

	pm.logger.Info("printer attached", "printer_id", p.ID, "transport", string(p.Transport))
	pm.connectAsync(ctx, a)
	return a, nil
}

func (pm *PrinterManager) connectAsync(ctx context.Context, a adapter.Adapter) {
	if ctx.Err() != nil {
		return
	}
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		if err := a.Connect(ctx); err != nil {
			pm.logger.Warn("connect failed", "printer_id", a.PrinterID(), "error", err)
		}
	}()
}

func (pm *PrinterManager) healthCheckLoop() {
	defer pm.wg.Done()

	interval := pm.config.HealthCheckInterval
	if interval == 0 {
		interval = defaultHealthCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.C:
			pm.CheckAll()
		}
	}
}

// CheckAll reconnects adapters that are down with no reconnect pending.
// Aborted sessions and operator disconnects are left alone.
func (pm *PrinterManager) CheckAll() {
	type staleAdapter struct {
		ctx context.Context
		a   adapter.Adapter
	}
	pm.mu.RLock()
	var stale []staleAdapter
	for id, a := range pm.adapters {
		if pm.manual[id] || a.ReconnectPending() {
			continue
		}
		switch a.Snapshot().SocketState {
		case adapter.SocketUnopened, adapter.SocketClosed, adapter.SocketError:
			stale = append(stale, staleAdapter{ctx: pm.scopes[id].ctx, a: a})
		}
	}
	pm.mu.RUnlock()

	for _, s := range stale {
		pm.logger.Debug("health check reconnect", "printer_id", s.a.PrinterID())
		pm.connectAsync(s.ctx, s.a)
	}
}

func (pm *PrinterManager) adapterFor(ctx context.Context, id string) (adapter.Adapter, error) {
	pm.mu.RLock()
	a, ok := pm.adapters[id]
	pm.mu.RUnlock()
	if ok {
		return a, nil
	}
	if _, err := pm.repo.GetPrinter(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrPrinterDisabled
}

func (pm *PrinterManager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := pm.repo.SetPrinterEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if enabled {
		p, err := pm.repo.GetPrinter(ctx, id)
		if err != nil {
			return err
		}
		_, err = pm.attach(p)
		return err
	}

	pm.mu.Lock()
	a, ok := pm.adapters[id]
	scope := pm.scopes[id]
	delete(pm.adapters, id)
	delete(pm.scopes, id)
	delete(pm.manual, id)
	pm.mu.Unlock()
	if scope.cancel != nil {
		scope.cancel()
	}
	if ok {
		pm.logger.Info("printer disabled", "printer_id", id)
		return a.Disconnect()
	}
	return nil
}

func (pm *PrinterManager) Connect(ctx context.Context, id string) error {
	a, err := pm.adapterFor(ctx, id)
	if err != nil {
		return err
	}
	pm.mu.Lock()
	delete(pm.manual, id)
	pm.mu.Unlock()
	return a.Connect(ctx)
}

// Disconnect closes the session and keeps the health check from reopening it
// until Connect is called.
func (pm *PrinterManager) Disconnect(ctx context.Context, id string) error {
	a, err := pm.adapterFor(ctx, id)
	if err != nil {
		return err
	}
	pm.mu.Lock()
	pm.manual[id] = true
	pm.mu.Unlock()
	return a.Disconnect()
}

func (pm *PrinterManager) Reconfigure(ctx context.Context, id string, creds adapter.Credentials) error {
	a, err := pm.adapterFor(ctx, id)
	if err != nil {
		return err
	}
	a.Reconfigure(creds)
	return nil
}

func (pm *PrinterManager) Pause(ctx context.Context, id string) error {
	a, err := pm.adapterFor(ctx, id)
	if err != nil {
		return err
	}
	return a.Pause(ctx)
}

func (pm *PrinterManager) Resume(ctx context.Context, id string) error {
	a, err := pm.adapterFor(ctx, id)
	if err != nil {
		return err
	}
	return a.Resume(ctx)
}

func (pm *PrinterManager) StopPrint(ctx context.Context, id string) error {
	a, err := pm.adapterFor(ctx, id)
	if err != nil {
		return err
	}
	return a.Stop(ctx)
}

func (pm *PrinterManager) SendRaw(ctx context.Context, id string, payload []byte) error {
	a, err := pm.adapterFor(ctx, id)
	if err != nil {
		return err
	}
	return a.SendRaw(ctx, payload)
}

func (pm *PrinterManager) Status(ctx context.Context, id string) (*PrinterStatus, error) {
	p, err := pm.repo.GetPrinter(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &PrinterStatus{Printer: p}

	pm.mu.RLock()
	a, ok := pm.adapters[id]
	pm.mu.RUnlock()
	if ok {
		snap := a.Snapshot()
		st.Session = &snap
		st.Ready = snap.SocketState == adapter.SocketAuthenticated &&
			snap.LastTelemetry != nil && snap.LastTelemetry.Idle
	}

	queue, err := pm.repo.ListQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	st.QueueLen = len(queue)
	return st, nil
}

func (pm *PrinterManager) ListStatuses(ctx context.Context) ([]*PrinterStatus, error) {
	printers, err := pm.repo.ListPrinters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*PrinterStatus, 0, len(printers))
	for _, p := range printers {
		st, err := pm.Status(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Printer.Name < out[j].Printer.Name })
	return out, nil
}

func (pm *PrinterManager) submissionLoop(sub *eventbus.Subscription) {
	defer pm.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-pm.stopCh:
			return
		case evt := <-sub.C():
			req, ok := evt.(eventbus.SubmissionRequested)
			if !ok {
				continue
			}
			pm.wg.Add(1)
			go func() {
				defer pm.wg.Done()
				pm.submit(req)
			}()
		}
	}
}

// submit uploads the job file and starts it. It runs to completion once
// dispatched and always reports an outcome.
func (pm *PrinterManager) submit(req eventbus.SubmissionRequested) {
	ctx, cancel := context.WithTimeout(context.Background(), submissionTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "printers.submit",
		attribute.String("printer.id", req.PrinterID), attribute.String("job.id", req.JobID))
	defer span.End()

	logger := pm.logger.With("printer_id", req.PrinterID, "job_id", req.JobID)
	var outcome eventbus.Event
	if err := pm.upload(ctx, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("submission failed", "error", err)
		outcome = eventbus.SubmissionFailed{JobID: req.JobID, Err: err.Error(), At: time.Now()}
	} else {
		logger.Info("submission succeeded", "file", req.FileName)
		outcome = eventbus.SubmissionSucceeded{JobID: req.JobID, At: time.Now()}
	}

	pctx, pcancel := context.WithTimeout(context.Background(), publishTimeout)
	defer pcancel()
	if err := pm.bus.Publish(pctx, outcome); err != nil {
		logger.Error("failed to publish submission outcome", "error", err)
	}
}

func (pm *PrinterManager) upload(ctx context.Context, req eventbus.SubmissionRequested) error {
	a, err := pm.adapterFor(ctx, req.PrinterID)
	if err != nil {
		return err
	}
	if req.File.StorageID == "" {
		return errors.New("job has no stored file")
	}
	if pm.files == nil {
		return errors.New("file storage is not configured")
	}
	rc, err := pm.files.Open(ctx, req.File)
	if err != nil {
		return fmt.Errorf("failed to open stored file: %w", err)
	}
	defer rc.Close()

	if err := a.Upload(ctx, req.FileName, rc, req.File.Size); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := a.StartPrint(ctx, adapter.PrintFile{Name: req.FileName, Plate: 1}); err != nil {
		return fmt.Errorf("start print: %w", err)
	}
	return nil
}

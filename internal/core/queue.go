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

type printerReadiness struct {
	socket adapter.SocketState
	idle   bool
}

// readinessTracker folds socket and telemetry events into a per-printer
// "authenticated and idle" view.
type readinessTracker struct {
	mu       sync.RWMutex
	printers map[string]*printerReadiness
}

func newReadinessTracker() *readinessTracker {
	return &readinessTracker{printers: make(map[string]*printerReadiness)}
}

func (r *readinessTracker) entry(id string) *printerReadiness {
	e, ok := r.printers[id]
	if !ok {
		e = &printerReadiness{socket: adapter.SocketUnopened}
		r.printers[id] = e
	}
	return e
}

func (r *readinessTracker) socket(id string, state adapter.SocketState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(id)
	e.socket = state
	if state != adapter.SocketAuthenticated {
		e.idle = false
	}
}

// telemetry records the idle flag and reports whether the printer just
// became ready.
func (r *readinessTracker) telemetry(t eventbus.Telemetry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entry(t.PrinterID)
	wasReady := e.socket == adapter.SocketAuthenticated && e.idle
	e.idle = t.Idle
	return !wasReady && e.socket == adapter.SocketAuthenticated && e.idle
}

func (r *readinessTracker) busy(id string) {
	r.mu.Lock()
	r.entry(id).idle = false
	r.mu.Unlock()
}

func (r *readinessTracker) ready(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.printers[id]
	return ok && e.socket == adapter.SocketAuthenticated && e.idle
}

type QueueOrchestrator struct {
	repo      Repository
	bus       *eventbus.Bus
	config    config.QueueConfig
	logger    hclog.Logger
	readiness *readinessTracker
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]Submission
}

func NewQueueOrchestrator(repo Repository, bus *eventbus.Bus, cfg config.QueueConfig, logger hclog.Logger) *QueueOrchestrator {
	return &QueueOrchestrator{
		repo:      repo,
		bus:       bus,
		config:    cfg,
		logger:    logging.OrNull(logger).Named("queue"),
		readiness: newReadinessTracker(),
		now:       time.Now,
		pending:   make(map[string]Submission),
	}
}

// AddToQueue moves a PENDING job onto the printer's queue. A nil position
// appends; an explicit one shifts the entries at and after it.
func (q *QueueOrchestrator) AddToQueue(ctx context.Context, jobID, printerID string, position *int) (int, error) {
	if printerID == "" {
		return 0, &ValidationError{Op: "enqueue", JobID: jobID, Reason: "printer is required"}
	}
	if position != nil && *position < 0 {
		return 0, &ValidationError{Op: "enqueue", JobID: jobID, Reason: "position must not be negative"}
	}
	if _, err := q.repo.GetPrinter(ctx, printerID); err != nil {
		return 0, err
	}
	pos, err := q.repo.EnqueueJob(ctx, jobID, printerID, position)
	if err != nil {
		return 0, err
	}
	q.logger.Info("job queued", "job_id", jobID, "printer_id", printerID, "position", pos)
	q.publishQueue(ctx, eventbus.KindQueueJobAdded, printerID, jobID, &pos, nil)
	return pos, nil
}

func (q *QueueOrchestrator) RemoveFromQueue(ctx context.Context, jobID string) (*PrintJob, error) {
	j, err := q.repo.RemoveFromQueue(ctx, jobID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("job removed from queue", "job_id", jobID, "printer_id", j.PrinterID, "status", string(j.Status))
	q.publishQueue(ctx, eventbus.KindQueueJobRemoved, j.PrinterID, jobID, nil, nil)
	return j, nil
}

// ReorderQueue puts the listed jobs first, in order. Ids that are not queued
// on the printer are ignored.
func (q *QueueOrchestrator) ReorderQueue(ctx context.Context, printerID string, ids []string) ([]string, error) {
	order, err := q.repo.ReorderQueue(ctx, printerID, ids)
	if err != nil {
		return nil, err
	}
	q.publishQueue(ctx, eventbus.KindQueueReordered, printerID, "", nil, order)
	return order, nil
}

func (q *QueueOrchestrator) ClearQueue(ctx context.Context, printerID string) (int, error) {
	n, err := q.repo.ClearQueue(ctx, printerID)
	if err != nil {
		return 0, err
	}
	q.logger.Info("queue cleared", "printer_id", printerID, "jobs", n)
	q.publishQueue(ctx, eventbus.KindQueueCleared, printerID, "", nil, nil)
	return n, nil
}

// RetryJob returns a job whose submission failed to QUEUED at the position it
// kept.
func (q *QueueOrchestrator) RetryJob(ctx context.Context, jobID string) (*PrintJob, error) {
	j, err := q.repo.RetryJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("job requeued for retry", "job_id", jobID, "printer_id", j.PrinterID)
	q.publishQueue(ctx, eventbus.KindQueueJobAdded, j.PrinterID, jobID, j.QueuePosition, nil)
	return j, nil
}

// ProcessQueue claims the head of the printer's queue and requests its
// submission. It returns nil when the queue is empty.
func (q *QueueOrchestrator) ProcessQueue(ctx context.Context, printerID string) (*Submission, error) {
	ctx, span := observability.StartSpan(ctx, "queue.process", attribute.String("printer.id", printerID))
	defer span.End()

	if !q.readiness.ready(printerID) {
		return nil, fmt.Errorf("process queue for %s: %w", printerID, ErrPrinterNotReady)
	}
	job, err := q.repo.ClaimNext(ctx, printerID, q.now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	sub := Submission{
		JobID:       job.ID,
		PrinterID:   printerID,
		FileName:    job.FileName,
		File:        job.File,
		Position:    *job.QueuePosition,
		RequestedAt: q.now(),
	}
	q.mu.Lock()
	q.pending[job.ID] = sub
	q.mu.Unlock()
	q.readiness.busy(printerID)

	q.logger.Info("submission requested", "job_id", job.ID, "printer_id", printerID, "position", sub.Position)
	err = q.bus.Publish(ctx, eventbus.SubmissionRequested{
		PrinterID:     printerID,
		JobID:         job.ID,
		FileName:      job.FileName,
		File:          job.File,
		QueuePosition: sub.Position,
		At:            sub.RequestedAt,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ferr := q.FailSubmission(context.WithoutCancel(ctx), job.ID, "submission not dispatched: "+err.Error()); ferr != nil {
			q.logger.Error("failed to roll back undispatched submission", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("failed to dispatch submission: %w", err)
	}
	pos := sub.Position
	q.publishQueue(ctx, eventbus.KindQueueProcessNext, printerID, job.ID, &pos, nil)
	return &sub, nil
}

func (q *QueueOrchestrator) takePending(jobID string) (Submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sub, ok := q.pending[jobID]
	delete(q.pending, jobID)
	return sub, ok
}

// ConfirmSubmission releases the job's queue slot if nobody moved it since the
// submission was requested.
func (q *QueueOrchestrator) ConfirmSubmission(ctx context.Context, jobID string) error {
	sub, ok := q.takePending(jobID)
	if !ok {
		return fmt.Errorf("confirm %s: %w", jobID, ErrUnknownSubmission)
	}
	released, err := q.repo.ReleaseQueuePosition(ctx, jobID, sub.Position)
	if err != nil {
		return fmt.Errorf("failed to release queue position: %w", err)
	}
	if !released {
		q.logger.Debug("queue position changed during submission", "job_id", jobID, "position", sub.Position)
	}

	j, err := q.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	q.logger.Info("submission confirmed", "job_id", jobID, "printer_id", sub.PrinterID)
	q.publish(ctx, eventbus.JobEvent{
		Type:      eventbus.KindJobStarted,
		JobID:     jobID,
		PrinterID: sub.PrinterID,
		FileName:  j.FileName,
		Status:    string(j.Status),
		At:        q.now(),
	})
	return nil
}

// FailSubmission records a failed submission. The job keeps its queue
// position and start time so the operator can retry it.
func (q *QueueOrchestrator) FailSubmission(ctx context.Context, jobID, cause string) error {
	sub, ok := q.takePending(jobID)
	if !ok {
		return fmt.Errorf("fail %s: %w", jobID, ErrUnknownSubmission)
	}
	now := q.now()
	reason := "submission failed: " + cause
	j, err := q.repo.TransitionJob(ctx, jobID, []JobStatus{JobStatusPrinting}, JobPatch{
		Status:        JobStatusFailed,
		StatusReason:  &reason,
		EndedAt:       &now,
		FailureReason: &cause,
	})
	if err != nil {
		return fmt.Errorf("failed to record submission failure: %w", err)
	}
	q.logger.Warn("submission failed", "job_id", jobID, "printer_id", sub.PrinterID, "error", cause)
	q.publish(ctx, eventbus.JobEvent{
		Type:      eventbus.KindJobFailed,
		JobID:     jobID,
		PrinterID: sub.PrinterID,
		FileName:  j.FileName,
		Status:    string(j.Status),
		Reason:    reason,
		At:        now,
	})
	return nil
}

func (q *QueueOrchestrator) ListQueue(ctx context.Context, printerID string) ([]*PrintJob, error) {
	return q.repo.ListQueue(ctx, printerID)
}

// ListGlobalQueue lists every printer's queue context, one item per plate.
func (q *QueueOrchestrator) ListGlobalQueue(ctx context.Context) ([]QueueItem, error) {
	jobs, err := q.repo.ListQueueContexts(ctx)
	if err != nil {
		return nil, err
	}
	var items []QueueItem
	for _, j := range jobs {
		items = append(items, expandPlates(j)...)
	}
	return items, nil
}

func expandPlates(j *PrintJob) []QueueItem {
	base := QueueItem{
		JobID:     j.ID,
		PrinterID: j.PrinterID,
		FileName:  j.FileName,
		Status:    j.Status,
	}
	if j.QueuePosition != nil {
		base.Position = *j.QueuePosition
	}
	if j.Metadata == nil {
		return []QueueItem{base}
	}
	if len(j.Metadata.Plates) < 2 {
		base.PrintTimeSeconds = j.Metadata.PrintTimeSeconds
		base.FilamentGrams = j.Metadata.FilamentGrams
		return []QueueItem{base}
	}
	items := make([]QueueItem, 0, len(j.Metadata.Plates))
	for _, p := range j.Metadata.Plates {
		item := base
		idx := p.Index
		item.Plate = &idx
		item.PlateName = p.Name
		item.PrintTimeSeconds = p.PrintTimeSeconds
		item.FilamentGrams = p.FilamentGrams
		items = append(items, item)
	}
	return items
}

func (q *QueueOrchestrator) PendingSubmissions() []Submission {
	q.mu.Lock()
	out := make([]Submission, 0, len(q.pending))
	for _, s := range q.pending {
		out = append(out, s)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (q *QueueOrchestrator) Ready(printerID string) bool {
	return q.readiness.ready(printerID)
}

// HandleEvent applies one bus event. Submission outcomes resolve the
// tentative phase; socket and telemetry events feed readiness.
func (q *QueueOrchestrator) HandleEvent(ctx context.Context, evt eventbus.Event) error {
	switch e := evt.(type) {
	case eventbus.SubmissionSucceeded:
		return q.ConfirmSubmission(ctx, e.JobID)
	case eventbus.SubmissionFailed:
		return q.FailSubmission(ctx, e.JobID, e.Err)
	case eventbus.SocketStateChanged:
		q.readiness.socket(e.PrinterID, adapter.SocketState(e.To))
	case eventbus.Telemetry:
		if !q.readiness.telemetry(e) || !q.config.AutoProcess {
			return nil
		}
		_, err := q.ProcessQueue(ctx, e.PrinterID)
		if errors.Is(err, ErrPrinterNotReady) || errors.Is(err, ErrPrinterBusy) {
			return nil
		}
		return err
	}
	return nil
}

// Start subscribes before returning and handles submission outcomes and
// readiness events until ctx is done.
func (q *QueueOrchestrator) Start(ctx context.Context) {
	sub := q.bus.Subscribe("queue",
		eventbus.KindSubmissionSucceeded, eventbus.KindSubmissionFailed,
		eventbus.KindSocketStateChanged, eventbus.KindTelemetry)
	go func() {
		defer sub.Close()
		eventbus.Dispatch(ctx, sub, func(ctx context.Context, evt eventbus.Event) {
			if err := q.HandleEvent(ctx, evt); err != nil {
				q.logger.Error("failed to handle event", "kind", string(evt.Kind()), "error", err)
			}
		})
	}()
}

func (q *QueueOrchestrator) publishQueue(ctx context.Context, kind eventbus.Kind, printerID, jobID string, pos *int, ids []string) {
	q.publish(ctx, eventbus.QueueEvent{
		Type:      kind,
		PrinterID: printerID,
		JobID:     jobID,
		Position:  pos,
		JobIDs:    ids,
		At:        q.now(),
	})
}

func (q *QueueOrchestrator) publish(ctx context.Context, evt eventbus.Event) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(ctx, evt); err != nil {
		q.logger.Warn("failed to publish event", "kind", string(evt.Kind()), "error", err)
	}
}

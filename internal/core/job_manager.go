package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/orrn/printfleet/internal/eventbus"
	"github.com/orrn/printfleet/internal/logging"
	"github.com/orrn/printfleet/internal/observability"
)

const (
	ReasonRestart       = "state unknown after restart"
	ReasonConflictStart = "new job observed while previous job still marked PRINTING"
	ReasonAdapterFailed = "printer reported failure"
)

var (
	markCompletedFrom = []JobStatus{JobStatusUnknown}
	markFailedFrom    = []JobStatus{JobStatusUnknown, JobStatusPrinting, JobStatusPaused}
	markCancelledFrom = []JobStatus{JobStatusUnknown, JobStatusPrinting, JobStatusPaused}
	markUnknownFrom   = []JobStatus{JobStatusPrinting, JobStatusPaused, JobStatusCompleted, JobStatusCancelled}

	startableFrom = []JobStatus{JobStatusPending, JobStatusQueued}
)

// overrideRegistry remembers printers whose job state an operator set by
// hand. Entries live until ClearOverride or the next observed print start.
type overrideRegistry struct {
	mu      sync.Mutex
	entries map[string]string
}

func newOverrideRegistry() *overrideRegistry {
	return &overrideRegistry{entries: make(map[string]string)}
}

func (r *overrideRegistry) set(printerID, jobID string) {
	r.mu.Lock()
	r.entries[printerID] = jobID
	r.mu.Unlock()
}

func (r *overrideRegistry) active(printerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[printerID]
	return ok
}

func (r *overrideRegistry) clear(printerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[printerID]
	delete(r.entries, printerID)
	return ok
}

type JobOrchestrator struct {
	repo      Repository
	files     FileStore
	analyzer  FileAnalyzer
	bus       *eventbus.Bus
	logger    hclog.Logger
	overrides *overrideRegistry
	now       func() time.Time

	recoverOnce sync.Once
	recovered   int
	recoverErr  error
}

func NewJobOrchestrator(repo Repository, files FileStore, analyzer FileAnalyzer, bus *eventbus.Bus, logger hclog.Logger) *JobOrchestrator {
	return &JobOrchestrator{
		repo:      repo,
		files:     files,
		analyzer:  analyzer,
		bus:       bus,
		logger:    logging.OrNull(logger).Named("jobs"),
		overrides: newOverrideRegistry(),
		now:       time.Now,
	}
}

// RecoverOnStartup degrades every PRINTING job to UNKNOWN. Only the first
// call touches the store.
func (o *JobOrchestrator) RecoverOnStartup(ctx context.Context) (int, error) {
	o.recoverOnce.Do(func() {
		ctx, span := observability.StartSpan(ctx, "jobs.recover")
		defer span.End()

		jobs, err := o.repo.RecoverPrinting(ctx, ReasonRestart)
		if err != nil {
			o.recoverErr = fmt.Errorf("failed to recover printing jobs: %w", err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		o.recovered = len(jobs)
		for _, j := range jobs {
			o.logger.Warn("job state unknown after restart", "job_id", j.ID, "printer_id", j.PrinterID)
			o.publishJob(ctx, eventbus.KindJobUnknown, j)
		}
	})
	return o.recovered, o.recoverErr
}

func (o *JobOrchestrator) CreateJob(ctx context.Context, nj NewJob) (*PrintJob, error) {
	if nj.FileName == "" {
		return nil, &ValidationError{Op: "create job", Reason: "file name is required"}
	}
	j := &PrintJob{
		ID:            uuid.NewString(),
		PrinterID:     nj.PrinterID,
		FileName:      nj.FileName,
		File:          nj.File,
		Status:        JobStatusPending,
		AnalysisState: AnalysisNotAnalyzed,
		CreatedAt:     o.now(),
		Metadata:      nj.Metadata,
	}
	if err := o.repo.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	o.logger.Info("job created", "job_id", j.ID, "file", j.FileName, "printer_id", j.PrinterID)
	o.publishJob(ctx, eventbus.KindJobCreated, j)
	return j, nil
}

// CreateFromStoredFile starts a new PENDING job for the file of an existing
// job, carrying over its analysis.
func (o *JobOrchestrator) CreateFromStoredFile(ctx context.Context, srcID, printerID string) (*PrintJob, error) {
	src, err := o.repo.GetJob(ctx, srcID)
	if err != nil {
		return nil, err
	}
	if printerID == "" {
		printerID = src.PrinterID
	}
	return o.cloneJob(ctx, src, printerID)
}

func (o *JobOrchestrator) cloneJob(ctx context.Context, src *PrintJob, printerID string) (*PrintJob, error) {
	j := &PrintJob{
		ID:            uuid.NewString(),
		PrinterID:     printerID,
		FileName:      src.FileName,
		File:          src.File,
		Status:        JobStatusPending,
		AnalysisState: src.AnalysisState,
		AnalyzedAt:    src.AnalyzedAt,
		CreatedAt:     o.now(),
		Metadata:      src.Metadata,
	}
	if j.AnalysisState == AnalysisAnalyzing {
		j.AnalysisState = AnalysisNotAnalyzed
	}
	if err := o.repo.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to clone job %s: %w", src.ID, err)
	}
	o.logger.Info("job cloned", "job_id", j.ID, "source_job_id", src.ID, "printer_id", printerID)
	o.publishJob(ctx, eventbus.KindJobCreated, j)
	return j, nil
}

// AnalyzeJob runs the file analyzer over the job's stored file. Analysis
// results replace any metadata gathered from telemetry.
func (o *JobOrchestrator) AnalyzeJob(ctx context.Context, id string) (*PrintJob, error) {
	ctx, span := observability.StartSpan(ctx, "jobs.analyze", attribute.String("job.id", id))
	defer span.End()

	if o.analyzer == nil || o.files == nil {
		return nil, errors.New("file analysis is not configured")
	}
	j, err := o.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.File.StorageID == "" {
		return nil, &ValidationError{Op: "analyze", JobID: id, Reason: "job has no stored file"}
	}
	if err := o.repo.UpdateAnalysis(ctx, id, AnalysisAnalyzing, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to mark job analyzing: %w", err)
	}

	meta, aerr := o.analyze(ctx, j)
	now := o.now()
	if aerr != nil {
		span.SetStatus(codes.Error, aerr.Error())
		o.logger.Warn("analysis failed", "job_id", id, "error", aerr)
		if err := o.repo.UpdateAnalysis(ctx, id, AnalysisFailed, nil, &now); err != nil {
			return nil, fmt.Errorf("failed to record analysis failure: %w", err)
		}
	} else if err := o.repo.UpdateAnalysis(ctx, id, AnalysisAnalyzed, meta, &now); err != nil {
		return nil, fmt.Errorf("failed to store analysis: %w", err)
	}

	j, err = o.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	evt := o.jobEvent(eventbus.KindJobAnalyzed, j)
	if aerr != nil {
		evt.Reason = aerr.Error()
	}
	o.publish(ctx, evt)
	return j, nil
}

func (o *JobOrchestrator) analyze(ctx context.Context, j *PrintJob) (*JobMetadata, error) {
	rc, err := o.files.Open(ctx, j.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", j.FileName, err)
	}
	defer rc.Close()
	return o.analyzer.Analyze(ctx, j.FileName, rc)
}

// HandleTelemetry applies the lifecycle edge carried by t.
func (o *JobOrchestrator) HandleTelemetry(ctx context.Context, t eventbus.Telemetry) error {
	switch t.Lifecycle {
	case eventbus.LifecycleNone:
		return nil
	case eventbus.LifecycleStarted:
		if o.overrides.clear(t.PrinterID) {
			o.logger.Debug("manual override cleared by print start", "printer_id", t.PrinterID)
		}
		_, err := o.HandlePrintStarted(ctx, t.PrinterID, t.FileName, "")
		return err
	}

	if o.overrides.active(t.PrinterID) {
		o.logger.Trace("telemetry ignored under manual override", "printer_id", t.PrinterID, "lifecycle", string(t.Lifecycle))
		return nil
	}

	job, err := o.repo.ActiveJob(ctx, t.PrinterID)
	if errors.Is(err, ErrNotFound) {
		o.logger.Debug("no active job for telemetry", "printer_id", t.PrinterID, "lifecycle", string(t.Lifecycle))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load active job: %w", err)
	}

	switch t.Lifecycle {
	case eventbus.LifecycleProgress:
		return o.applyProgress(ctx, job, t)
	case eventbus.LifecyclePaused:
		return o.adapterTransition(ctx, job, eventbus.KindJobPaused, []JobStatus{JobStatusPrinting}, JobPatch{Status: JobStatusPaused})
	case eventbus.LifecycleResumed:
		return o.adapterTransition(ctx, job, eventbus.KindJobResumed, []JobStatus{JobStatusPaused}, JobPatch{Status: JobStatusPrinting})
	case eventbus.LifecycleCompleted:
		now := o.now()
		full := 100.0
		patch := JobPatch{Status: JobStatusCompleted, EndedAt: &now, Progress: &full, ClearPosition: true}
		if job.StartedAt != nil {
			d := now.Sub(*job.StartedAt).Seconds()
			patch.ActualDuration = &d
		}
		return o.adapterTransition(ctx, job, eventbus.KindJobCompleted, []JobStatus{JobStatusPrinting}, patch)
	case eventbus.LifecycleFailed:
		now := o.now()
		reason := t.FailureReason
		if reason == "" {
			reason = ReasonAdapterFailed
		}
		return o.adapterTransition(ctx, job, eventbus.KindJobFailed, []JobStatus{JobStatusPrinting},
			JobPatch{Status: JobStatusFailed, EndedAt: &now, StatusReason: &reason, FailureReason: &reason, ClearPosition: true})
	case eventbus.LifecycleCancelled:
		now := o.now()
		return o.adapterTransition(ctx, job, eventbus.KindJobCancelled, []JobStatus{JobStatusPrinting},
			JobPatch{Status: JobStatusCancelled, EndedAt: &now, ClearPosition: true})
	}
	return nil
}

func (o *JobOrchestrator) applyProgress(ctx context.Context, job *PrintJob, t eventbus.Telemetry) error {
	if job.Status != JobStatusPrinting || t.Progress == nil {
		return nil
	}
	p := clampProgress(*t.Progress)

	var meta *JobMetadata
	if t.TotalLayers != nil || t.RemainingSeconds != nil {
		meta = &JobMetadata{LayerCount: t.TotalLayers}
		if t.RemainingSeconds != nil && job.StartedAt != nil {
			total := o.now().Sub(*job.StartedAt).Seconds() + *t.RemainingSeconds
			meta.PrintTimeSeconds = &total
		}
	}
	if err := o.repo.UpdateProgress(ctx, job.ID, p, meta); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("failed to update progress: %w", err)
	}
	evt := o.jobEvent(eventbus.KindJobProgress, job)
	evt.Progress = &p
	o.publish(ctx, evt)
	return nil
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func (o *JobOrchestrator) adapterTransition(ctx context.Context, job *PrintJob, kind eventbus.Kind, from []JobStatus, patch JobPatch) error {
	updated, err := o.repo.TransitionJob(ctx, job.ID, from, patch)
	if errors.Is(err, ErrInvalidTransition) {
		o.logger.Debug("telemetry edge does not apply", "job_id", job.ID, "status", string(job.Status), "event", string(kind))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", kind, err)
	}
	o.logger.Info("job transitioned", "job_id", updated.ID, "printer_id", updated.PrinterID, "from", string(job.Status), "to", string(updated.Status))
	o.publishJob(ctx, kind, updated)
	return nil
}

// HandlePrintStarted moves the job the printer is now printing to PRINTING.
// A different file still marked active on the printer is degraded to UNKNOWN
// first.
func (o *JobOrchestrator) HandlePrintStarted(ctx context.Context, printerID, fileName, jobID string) (*PrintJob, error) {
	ctx, span := observability.StartSpan(ctx, "jobs.print_started",
		attribute.String("printer.id", printerID), attribute.String("job.file", fileName))
	defer span.End()

	active, err := o.repo.ActiveJob(ctx, printerID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load active job: %w", err)
	case active.ID == jobID || (jobID == "" && active.FileName == fileName):
		return active, nil
	default:
		reason := ReasonConflictStart
		stale, err := o.repo.TransitionJob(ctx, active.ID, []JobStatus{JobStatusPrinting, JobStatusPaused},
			JobPatch{Status: JobStatusUnknown, StatusReason: &reason, ClearPosition: true})
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, fmt.Errorf("failed to degrade stale job %s: %w", active.ID, err)
		}
		if err == nil {
			o.logger.Warn("stale job degraded", "job_id", stale.ID, "printer_id", printerID, "file", stale.FileName, "new_file", fileName)
			o.publishJob(ctx, eventbus.KindJobUnknown, stale)
		}
	}

	job, err := o.resolveStarted(ctx, printerID, fileName, jobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if job.Status.Active() {
		return job, nil
	}

	started, err := o.repo.StartJob(ctx, job.ID, printerID, o.now(), startableFrom)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to start job %s: %w", job.ID, err)
	}
	o.logger.Info("job started", "job_id", started.ID, "printer_id", printerID, "file", started.FileName)
	o.publishJob(ctx, eventbus.KindJobStarted, started)
	return started, nil
}

func (o *JobOrchestrator) resolveStarted(ctx context.Context, printerID, fileName, jobID string) (*PrintJob, error) {
	var match *PrintJob
	if jobID != "" {
		j, err := o.repo.GetJob(ctx, jobID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		match = j
	}
	if match == nil && fileName != "" {
		for _, statuses := range [][]JobStatus{{JobStatusPending}, nil} {
			j, err := o.repo.FindJobForFile(ctx, printerID, fileName, statuses...)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to look up job for %s: %w", fileName, err)
			}
			match = j
			break
		}
	}

	if match == nil {
		name := fileName
		if name == "" {
			name = "unknown"
		}
		return o.CreateJob(ctx, NewJob{PrinterID: printerID, FileName: name})
	}
	if match.Status.Terminal() || match.Status == JobStatusUnknown {
		return o.cloneJob(ctx, match, printerID)
	}
	return match, nil
}

func (o *JobOrchestrator) MarkCompleted(ctx context.Context, id string) (*PrintJob, error) {
	return o.override(ctx, "mark completed", id, markCompletedFrom, eventbus.KindJobCompleted, func(j *PrintJob, now time.Time) JobPatch {
		patch := JobPatch{Status: JobStatusCompleted, EndedAt: &now, ClearPosition: true}
		if j.StartedAt != nil {
			d := now.Sub(*j.StartedAt).Seconds()
			patch.ActualDuration = &d
		}
		return patch
	})
}

func (o *JobOrchestrator) MarkFailed(ctx context.Context, id, reason string) (*PrintJob, error) {
	if reason == "" {
		reason = "marked failed by operator"
	}
	return o.override(ctx, "mark failed", id, markFailedFrom, eventbus.KindJobFailed, func(_ *PrintJob, now time.Time) JobPatch {
		return JobPatch{Status: JobStatusFailed, EndedAt: &now, StatusReason: &reason, FailureReason: &reason, ClearPosition: true}
	})
}

func (o *JobOrchestrator) MarkCancelled(ctx context.Context, id string) (*PrintJob, error) {
	reason := "cancelled by operator"
	return o.override(ctx, "mark cancelled", id, markCancelledFrom, eventbus.KindJobCancelled, func(_ *PrintJob, now time.Time) JobPatch {
		return JobPatch{Status: JobStatusCancelled, EndedAt: &now, StatusReason: &reason, ClearPosition: true}
	})
}

func (o *JobOrchestrator) MarkUnknown(ctx context.Context, id, reason string) (*PrintJob, error) {
	if reason == "" {
		reason = "marked unknown by operator"
	}
	return o.override(ctx, "mark unknown", id, markUnknownFrom, eventbus.KindJobUnknown, func(_ *PrintJob, _ time.Time) JobPatch {
		return JobPatch{Status: JobStatusUnknown, StatusReason: &reason, ClearPosition: true}
	})
}

func (o *JobOrchestrator) override(ctx context.Context, op, id string, allowed []JobStatus, kind eventbus.Kind, patch func(*PrintJob, time.Time) JobPatch) (*PrintJob, error) {
	ctx, span := observability.StartSpan(ctx, "jobs.override", attribute.String("job.id", id), attribute.String("op", op))
	defer span.End()

	j, err := o.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !contains(allowed, j.Status) {
		return nil, invalid(op, j, allowed)
	}
	updated, err := o.repo.TransitionJob(ctx, id, allowed, patch(j, o.now()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if updated.PrinterID != "" {
		o.overrides.set(updated.PrinterID, updated.ID)
	}
	o.logger.Info("manual override", "op", op, "job_id", id, "from", string(j.Status), "to", string(updated.Status))
	o.publishJob(ctx, kind, updated)
	return updated, nil
}

// ClearOverride resumes telemetry driven transitions for the printer.
func (o *JobOrchestrator) ClearOverride(printerID string) bool {
	return o.overrides.clear(printerID)
}

func (o *JobOrchestrator) OverrideActive(printerID string) bool {
	return o.overrides.active(printerID)
}

func (o *JobOrchestrator) DeleteJob(ctx context.Context, id string) error {
	j, err := o.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Active() {
		return fmt.Errorf("delete job %s: %w", id, ErrJobActive)
	}
	if err := o.repo.DeleteJob(ctx, id); err != nil {
		return err
	}
	o.logger.Info("job deleted", "job_id", id)
	o.publishJob(ctx, eventbus.KindJobDeleted, j)
	return nil
}

func (o *JobOrchestrator) GetJob(ctx context.Context, id string) (*PrintJob, error) {
	return o.repo.GetJob(ctx, id)
}

func (o *JobOrchestrator) ListJobs(ctx context.Context, f JobFilter) ([]*PrintJob, error) {
	return o.repo.ListJobs(ctx, f)
}

// Start subscribes to printer telemetry and feeds it into the job state
// machine until ctx is done. Events published after Start returns are seen.
func (o *JobOrchestrator) Start(ctx context.Context) {
	sub := o.bus.Subscribe("jobs", eventbus.KindTelemetry)
	go func() {
		defer sub.Close()
		eventbus.Dispatch(ctx, sub, func(ctx context.Context, evt eventbus.Event) {
			t, ok := evt.(eventbus.Telemetry)
			if !ok {
				return
			}
			if err := o.HandleTelemetry(ctx, t); err != nil {
				o.logger.Error("failed to handle telemetry", "printer_id", t.PrinterID, "error", err)
			}
		})
	}()
}

func (o *JobOrchestrator) jobEvent(kind eventbus.Kind, j *PrintJob) eventbus.JobEvent {
	return eventbus.JobEvent{
		Type:      kind,
		JobID:     j.ID,
		PrinterID: j.PrinterID,
		FileName:  j.FileName,
		Status:    string(j.Status),
		Reason:    j.StatusReason,
		Progress:  j.Statistics.Progress,
		At:        o.now(),
	}
}

func (o *JobOrchestrator) publishJob(ctx context.Context, kind eventbus.Kind, j *PrintJob) {
	o.publish(ctx, o.jobEvent(kind, j))
}

func (o *JobOrchestrator) publish(ctx context.Context, evt eventbus.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, evt); err != nil {
		o.logger.Warn("failed to publish event", "kind", string(evt.Kind()), "error", err)
	}
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/printfleet/internal/core"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

var _ core.Repository = (*Store)(nil)

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) UpsertPrinter(ctx context.Context, p *core.Printer) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.exec(ctx, s.db, UpsertPrinter,
		p.ID, p.Name, string(p.Transport), p.Endpoint, p.Username, p.Password, p.APIKey,
		p.DeviceID, p.Enabled, p.CreatedAt.UTC(), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert printer: %w", err)
	}
	return nil
}

func scanPrinter(r rowScanner) (*core.Printer, error) {
	p := &core.Printer{}
	var transport string
	if err := r.Scan(&p.ID, &p.Name, &transport, &p.Endpoint, &p.Username, &p.Password,
		&p.APIKey, &p.DeviceID, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Transport = core.Transport(transport)
	return p, nil
}

func (s *Store) GetPrinter(ctx context.Context, id string) (*core.Printer, error) {
	p, err := scanPrinter(s.db.QueryRowContext(ctx, s.rebind(GetPrinterByID), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrPrinterNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get printer: %w", err)
	}
	return p, nil
}

func (s *Store) ListPrinters(ctx context.Context) ([]*core.Printer, error) {
	rows, err := s.db.QueryContext(ctx, ListPrinters)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	var printers []*core.Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func (s *Store) SetPrinterEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.exec(ctx, s.db, UpdatePrinterEnabled, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update printer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrPrinterNotFound, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func encodeMetadata(m *core.JobMetadata) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func scanJob(r rowScanner) (*core.PrintJob, error) {
	j := &core.PrintJob{}
	var (
		printerID                sql.NullString
		status, analysis         string
		pos                      sql.NullInt64
		started, ended, analyzed sql.NullTime
		progress, duration       sql.NullFloat64
		meta                     sql.NullString
	)
	err := r.Scan(&j.ID, &printerID, &j.FileName, &j.File.StorageID, &j.File.Hash, &j.File.Format,
		&j.File.Size, &status, &analysis, &pos, &j.CreatedAt, &started, &ended, &analyzed,
		&j.StatusReason, &progress, &j.Statistics.FailureReason, &duration, &meta)
	if err != nil {
		return nil, err
	}
	j.PrinterID = printerID.String
	j.Status = core.JobStatus(status)
	j.AnalysisState = core.AnalysisState(analysis)
	if pos.Valid {
		p := int(pos.Int64)
		j.QueuePosition = &p
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if ended.Valid {
		j.EndedAt = &ended.Time
	}
	if analyzed.Valid {
		j.AnalyzedAt = &analyzed.Time
	}
	if progress.Valid {
		j.Statistics.Progress = &progress.Float64
	}
	if duration.Valid {
		j.Statistics.ActualDurationSeconds = &duration.Float64
	}
	j.Statistics.StartedAt = j.StartedAt
	j.Statistics.EndedAt = j.EndedAt
	if meta.Valid && meta.String != "" {
		j.Metadata = &core.JobMetadata{}
		if err := json.Unmarshal([]byte(meta.String), j.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*core.PrintJob, error) {
	defer rows.Close()
	var jobs []*core.PrintJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) CreateJob(ctx context.Context, j *core.PrintJob) error {
	meta, err := encodeMetadata(j.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, InsertJob,
		j.ID, nullString(j.PrinterID), j.FileName, j.File.StorageID, j.File.Hash, j.File.Format, j.File.Size,
		string(j.Status), string(j.AnalysisState), nullInt(j.QueuePosition), j.CreatedAt.UTC(),
		nullTime(j.StartedAt), nullTime(j.EndedAt), nullTime(j.AnalyzedAt), j.StatusReason,
		nullFloat(j.Statistics.Progress), j.Statistics.FailureReason, nullFloat(j.Statistics.ActualDurationSeconds), meta)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) getJob(ctx context.Context, q querier, id string, forUpdate bool) (*core.PrintJob, error) {
	query := GetJobByID
	if forUpdate && s.driver == DriverPostgres {
		query = GetJobByIDForUpdate
	}
	j, err := scanJob(q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*core.PrintJob, error) {
	return s.getJob(ctx, s.db, id, false)
}

func (s *Store) ListJobs(ctx context.Context, f core.JobFilter) ([]*core.PrintJob, error) {
	var conditions []string
	var args []any

	if f.PrinterID != "" {
		conditions = append(conditions, "printer_id = ?")
		args = append(args, f.PrinterID)
	}
	if len(f.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := "SELECT " + jobColumns + " FROM print_jobs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *Store) FindJobForFile(ctx context.Context, printerID, fileName string, statuses ...core.JobStatus) (*core.PrintJob, error) {
	query := FindJobForFile
	args := []any{printerID, fileName}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC LIMIT 1"

	j, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job for file: %w", err)
	}
	return j, nil
}

func (s *Store) ActiveJob(ctx context.Context, printerID string) (*core.PrintJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(GetActiveJob), printerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}
	return j, nil
}

func (s *Store) CountActive(ctx context.Context, printerID string, status core.JobStatus) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(CountJobsByStatus), printerID, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (s *Store) count(ctx context.Context, q querier, query string, args ...any) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// lockPrinter serializes queue changes for one printer on postgres. sqlite
// already runs one transaction at a time.
func (s *Store) lockPrinter(ctx context.Context, tx *sql.Tx, printerID string) error {
	if s.driver != DriverPostgres || printerID == "" {
		return nil
	}
	rows, err := tx.QueryContext(ctx, s.rebind(LockPrinter), printerID)
	if err != nil {
		return fmt.Errorf("failed to lock printer %s: %w", printerID, err)
	}
	return rows.Close()
}

func (s *Store) shift(ctx context.Context, q querier, printerID string, from, delta int) error {
	if _, err := s.exec(ctx, q, ShiftPositions, delta, printerID, from); err != nil {
		return fmt.Errorf("failed to shift queue positions: %w", err)
	}
	return nil
}

// compact closes the gap left at pos.
func (s *Store) compact(ctx context.Context, q querier, printerID string, pos int) error {
	return s.shift(ctx, q, printerID, pos+1, -1)
}

func (s *Store) ShiftPositions(ctx context.Context, printerID string, from, delta int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockPrinter(ctx, tx, printerID); err != nil {
			return err
		}
		return s.shift(ctx, tx, printerID, from, delta)
	})
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if j.Status.Active() {
			return fmt.Errorf("delete job %s: %w", id, core.ErrJobActive)
		}
		if err := s.lockPrinter(ctx, tx, j.PrinterID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, DeleteJob, id); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		if j.QueuePosition != nil {
			return s.compact(ctx, tx, j.PrinterID, *j.QueuePosition)
		}
		return nil
	})
}

// TransitionJob applies patch when the job's status is one of from.
func (s *Store) TransitionJob(ctx context.Context, id string, from []core.JobStatus, patch core.JobPatch) (*core.PrintJob, error) {
	var out *core.PrintJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !containsStatus(from, cur.Status) {
			return &core.ValidationError{Op: "transition to " + string(patch.Status), JobID: id, From: cur.Status, Allowed: from}
		}
		if err := s.lockPrinter(ctx, tx, cur.PrinterID); err != nil {
			return err
		}
		if patch.Status == core.JobStatusPrinting && cur.PrinterID != "" {
			n, err := s.count(ctx, tx, CountOtherPrinting, cur.PrinterID, id)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("transition job %s: %w", id, core.ErrPrinterBusy)
			}
		}

		sets := []string{"status = ?"}
		args := []any{string(patch.Status)}
		add := func(col string, v any) {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
		if patch.StatusReason != nil {
			add("status_reason", *patch.StatusReason)
		}
		if patch.StartedAt != nil {
			add("started_at", patch.StartedAt.UTC())
		}
		if patch.EndedAt != nil {
			add("ended_at", patch.EndedAt.UTC())
		}
		if patch.Progress != nil {
			add("progress", *patch.Progress)
		}
		if patch.FailureReason != nil {
			add("failure_reason", *patch.FailureReason)
		}
		if patch.ActualDuration != nil {
			add("actual_duration", *patch.ActualDuration)
		}
		release := patch.ClearPosition && cur.QueuePosition != nil
		if release {
			sets = append(sets, "queue_position = NULL")
		}
		args = append(args, id, string(cur.Status))

		query := "UPDATE print_jobs SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
		if _, err := s.exec(ctx, tx, query, args...); err != nil {
			return fmt.Errorf("failed to transition job: %w", err)
		}
		if release {
			if err := s.compact(ctx, tx, cur.PrinterID, *cur.QueuePosition); err != nil {
				return err
			}
		}
		out, err = s.getJob(ctx, tx, id, false)
		return err
	})
	return out, err
}

func containsStatus(list []core.JobStatus, st core.JobStatus) bool {
	for _, v := range list {
		if v == st {
			return true
		}
	}
	return false
}

// StartJob marks a job PRINTING on printerID. It fails with ErrPrinterBusy
// while another job of the printer is printing or paused, and releases the
// job's queue slot if it held one.
func (s *Store) StartJob(ctx context.Context, id, printerID string, at time.Time, from []core.JobStatus) (*core.PrintJob, error) {
	var out *core.PrintJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockPrinter(ctx, tx, printerID); err != nil {
			return err
		}
		cur, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !containsStatus(from, cur.Status) {
			return &core.ValidationError{Op: "start", JobID: id, From: cur.Status, Allowed: from}
		}
		n, err := s.count(ctx, tx, CountOtherActive, printerID, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("start job %s: %w", id, core.ErrPrinterBusy)
		}
		if _, err := s.exec(ctx, tx, StartJob, printerID, at.UTC(), id, string(cur.Status)); err != nil {
			return fmt.Errorf("failed to start job: %w", err)
		}
		if cur.QueuePosition != nil {
			if cur.PrinterID != printerID {
				if err := s.lockPrinter(ctx, tx, cur.PrinterID); err != nil {
					return err
				}
			}
			if err := s.compact(ctx, tx, cur.PrinterID, *cur.QueuePosition); err != nil {
				return err
			}
		}
		out, err = s.getJob(ctx, tx, id, false)
		return err
	})
	return out, err
}

// UpdateProgress records progress of a PRINTING job and fills metadata fields
// that are still empty.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64, meta *core.JobMetadata) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.Status != core.JobStatusPrinting {
			return &core.ValidationError{Op: "progress", JobID: id, From: cur.Status, Allowed: []core.JobStatus{core.JobStatusPrinting}}
		}
		if _, err := s.exec(ctx, tx, UpdateJobProgress, progress, id); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		if meta == nil {
			return nil
		}
		merged := cur.Metadata
		if merged == nil {
			merged = &core.JobMetadata{}
		}
		if !merged.FillFrom(meta) {
			return nil
		}
		enc, err := encodeMetadata(merged)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, UpdateJobMetadata, enc, id); err != nil {
			return fmt.Errorf("failed to update metadata: %w", err)
		}
		return nil
	})
}

// UpdateAnalysis sets the analysis state. A non-nil meta replaces the stored
// metadata.
func (s *Store) UpdateAnalysis(ctx context.Context, id string, state core.AnalysisState, meta *core.JobMetadata, at *time.Time) error {
	sets := []string{"analysis_state = ?"}
	args := []any{string(state)}
	if meta != nil {
		enc, err := encodeMetadata(meta)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, enc)
	}
	if at != nil {
		sets = append(sets, "analyzed_at = ?")
		args = append(args, at.UTC())
	}
	args = append(args, id)

	res, err := s.exec(ctx, s.db, "UPDATE print_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update analysis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	return nil
}

// RecoverPrinting moves every PRINTING job to UNKNOWN and releases any queue
// slot they held.
func (s *Store) RecoverPrinting(ctx context.Context, reason string) ([]*core.PrintJob, error) {
	var out []*core.PrintJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, ListPrintingJobs)
		if err != nil {
			return fmt.Errorf("failed to list printing jobs: %w", err)
		}
		jobs, err := scanJobs(rows)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if err := s.lockPrinter(ctx, tx, j.PrinterID); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, RecoverJob, reason, j.ID); err != nil {
				return fmt.Errorf("failed to recover job %s: %w", j.ID, err)
			}
			if j.QueuePosition != nil {
				if err := s.compact(ctx, tx, j.PrinterID, *j.QueuePosition); err != nil {
					return err
				}
			}
			updated, err := s.getJob(ctx, tx, j.ID, false)
			if err != nil {
				return err
			}
			out = append(out, updated)
		}
		return nil
	})
	return out, err
}

// EnqueueJob queues a PENDING job. A nil or out of range position appends.
func (s *Store) EnqueueJob(ctx context.Context, id, printerID string, position *int) (int, error) {
	var pos int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockPrinter(ctx, tx, printerID); err != nil {
			return err
		}
		cur, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.Status != core.JobStatusPending {
			return &core.ValidationError{Op: "enqueue", JobID: id, From: cur.Status, Allowed: []core.JobStatus{core.JobStatusPending}}
		}
		next, err := s.count(ctx, tx, NextQueuePosition, printerID)
		if err != nil {
			return err
		}
		pos = next
		if position != nil && *position < next {
			pos = *position
			if err := s.shift(ctx, tx, printerID, pos, 1); err != nil {
				return err
			}
		}
		if _, err := s.exec(ctx, tx, EnqueueJob, printerID, pos, id); err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		return nil
	})
	return pos, err
}

// RemoveFromQueue takes a job out of its printer's queue context. QUEUED jobs
// go back to PENDING; other statuses are kept.
func (s *Store) RemoveFromQueue(ctx context.Context, id string) (*core.PrintJob, error) {
	var out *core.PrintJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.QueuePosition == nil {
			return &core.ValidationError{Op: "remove from queue", JobID: id, From: cur.Status, Reason: "job is not queued"}
		}
		if err := s.lockPrinter(ctx, tx, cur.PrinterID); err != nil {
			return err
		}
		status := cur.Status
		if status == core.JobStatusQueued {
			status = core.JobStatusPending
		}
		if _, err := s.exec(ctx, tx, DequeueJob, string(status), id); err != nil {
			return fmt.Errorf("failed to dequeue job: %w", err)
		}
		if err := s.compact(ctx, tx, cur.PrinterID, *cur.QueuePosition); err != nil {
			return err
		}
		out, err = s.getJob(ctx, tx, id, false)
		return err
	})
	return out, err
}

func (s *Store) listQueue(ctx context.Context, q querier, printerID string) ([]*core.PrintJob, error) {
	rows, err := q.QueryContext(ctx, s.rebind(ListQueue), printerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return scanJobs(rows)
}

// renumber writes positions 0..n-1 in the given order.
func (s *Store) renumber(ctx context.Context, tx *sql.Tx, jobs []*core.PrintJob) error {
	for i, j := range jobs {
		if j.QueuePosition != nil && *j.QueuePosition == i {
			continue
		}
		if _, err := s.exec(ctx, tx, SetQueuePosition, i, j.ID); err != nil {
			return fmt.Errorf("failed to set queue position: %w", err)
		}
	}
	return nil
}

// ReorderQueue moves the listed jobs to the front in the given order. The
// rest keep their relative order. Ids outside the queue are ignored.
func (s *Store) ReorderQueue(ctx context.Context, printerID string, ids []string) ([]string, error) {
	var order []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockPrinter(ctx, tx, printerID); err != nil {
			return err
		}
		queue, err := s.listQueue(ctx, tx, printerID)
		if err != nil {
			return err
		}
		byID := make(map[string]*core.PrintJob, len(queue))
		for _, j := range queue {
			byID[j.ID] = j
		}

		placed := make(map[string]bool, len(queue))
		sorted := make([]*core.PrintJob, 0, len(queue))
		for _, id := range ids {
			if j, ok := byID[id]; ok && !placed[id] {
				placed[id] = true
				sorted = append(sorted, j)
			}
		}
		for _, j := range queue {
			if !placed[j.ID] {
				sorted = append(sorted, j)
			}
		}
		if err := s.renumber(ctx, tx, sorted); err != nil {
			return err
		}
		order = make([]string, len(sorted))
		for i, j := range sorted {
			order[i] = j.ID
		}
		return nil
	})
	return order, err
}

// ClearQueue returns every QUEUED job of the printer to PENDING. Jobs held in
// the queue context for other reasons keep their relative order.
func (s *Store) ClearQueue(ctx context.Context, printerID string) (int, error) {
	var cleared int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockPrinter(ctx, tx, printerID); err != nil {
			return err
		}
		queue, err := s.listQueue(ctx, tx, printerID)
		if err != nil {
			return err
		}
		var held []*core.PrintJob
		for _, j := range queue {
			if j.Status != core.JobStatusQueued {
				held = append(held, j)
				continue
			}
			if _, err := s.exec(ctx, tx, DequeueJob, string(core.JobStatusPending), j.ID); err != nil {
				return fmt.Errorf("failed to dequeue job: %w", err)
			}
			cleared++
		}
		return s.renumber(ctx, tx, held)
	})
	return cleared, err
}

func (s *Store) RetryJob(ctx context.Context, id string) (*core.PrintJob, error) {
	var out *core.PrintJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.Status != core.JobStatusFailed || cur.QueuePosition == nil {
			return &core.ValidationError{Op: "retry", JobID: id, From: cur.Status,
				Reason: "only failed jobs holding a queue position can be retried"}
		}
		if _, err := s.exec(ctx, tx, RetryJob, id); err != nil {
			return fmt.Errorf("failed to retry job: %w", err)
		}
		out, err = s.getJob(ctx, tx, id, false)
		return err
	})
	return out, err
}

// ClaimNext marks the lowest positioned QUEUED job PRINTING and leaves its
// position in place. It returns nil when nothing is queued.
func (s *Store) ClaimNext(ctx context.Context, printerID string, at time.Time) (*core.PrintJob, error) {
	var out *core.PrintJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.lockPrinter(ctx, tx, printerID); err != nil {
			return err
		}
		n, err := s.count(ctx, tx, CountOtherActive, printerID, "")
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("claim next job for %s: %w", printerID, core.ErrPrinterBusy)
		}
		next, err := scanJob(tx.QueryRowContext(ctx, s.rebind(NextQueuedJob), printerID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load next queued job: %w", err)
		}
		if _, err := s.exec(ctx, tx, ClaimJob, at.UTC(), next.ID); err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		out, err = s.getJob(ctx, tx, next.ID, false)
		return err
	})
	return out, err
}

// ReleaseQueuePosition clears the job's position only if it still equals
// expected, then compacts the queue.
func (s *Store) ReleaseQueuePosition(ctx context.Context, id string, expected int) (bool, error) {
	var released bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur.QueuePosition == nil || *cur.QueuePosition != expected {
			return nil
		}
		if err := s.lockPrinter(ctx, tx, cur.PrinterID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, ReleasePosition, id, expected); err != nil {
			return fmt.Errorf("failed to release queue position: %w", err)
		}
		released = true
		return s.compact(ctx, tx, cur.PrinterID, expected)
	})
	return released, err
}

func (s *Store) ListQueue(ctx context.Context, printerID string) ([]*core.PrintJob, error) {
	return s.listQueue(ctx, s.db, printerID)
}

func (s *Store) ListQueueContexts(ctx context.Context) ([]*core.PrintJob, error) {
	rows, err := s.db.QueryContext(ctx, ListQueueContexts)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	return scanJobs(rows)
}

// ListArchivable returns terminal jobs that ended before the cutoff.
func (s *Store) ListArchivable(ctx context.Context, before time.Time, limit int) ([]*core.PrintJob, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(ListArchivableJobs), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archivable jobs: %w", err)
	}
	return scanJobs(rows)
}

// PurgeJobs deletes terminal jobs by id. Jobs that are no longer terminal are
// skipped.
func (s *Store) PurgeJobs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "DELETE FROM print_jobs WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND queue_position IS NULL AND id IN (" +
		placeholders(len(ids)) + ")"
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

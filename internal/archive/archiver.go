package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/logging"
)

const (
	filePrefix = "archive_"
	fileSuffix = ".db"
	batchSize  = 500
)

var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrInvalidName     = errors.New("invalid archive name")
)

// Source is the live job store the archiver drains.
type Source interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]*core.PrintJob, error)
	PurgeJobs(ctx context.Context, ids []string) (int, error)
}

// Archiver moves terminal jobs older than the retention window into monthly
// sqlite files keyed by the month the job ended.
type Archiver struct {
	source      Source
	archivePath string
	archiveDays int
	logger      hclog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	mu          sync.Mutex
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	Month     string    `json:"month"`
}

func NewArchiver(source Source, cfg config.DatabaseConfig, logger hclog.Logger) (*Archiver, error) {
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "./data/archives"
	}
	if cfg.ArchiveDays <= 0 {
		cfg.ArchiveDays = 30
	}

	if err := os.MkdirAll(cfg.ArchivePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		source:      source,
		archivePath: cfg.ArchivePath,
		archiveDays: cfg.ArchiveDays,
		logger:      logging.OrNull(logger).Named("archive"),
		stopCh:      make(chan struct{}),
	}, nil
}

func (a *Archiver) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	a.wg.Add(1)
	go a.runPeriodic(interval)
}

func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
	})
}

func (a *Archiver) runPeriodic(interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			n, err := a.RunArchive(ctx)
			cancel()
			if err != nil {
				a.logger.Error("archive run failed", "error", err)
			} else if n > 0 {
				a.logger.Info("archived jobs", "count", n)
			}
		}
	}
}

// RunArchive copies every archivable job into its monthly file and then
// purges it from the live store. It returns the number of purged jobs.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -a.archiveDays)
	total := 0
	for {
		jobs, err := a.source.ListArchivable(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to get jobs for archival: %w", err)
		}
		if len(jobs) == 0 {
			return total, nil
		}

		byMonth := make(map[string][]*core.PrintJob)
		for _, j := range jobs {
			month := j.EndedAt.UTC().Format("2006_01")
			byMonth[month] = append(byMonth[month], j)
		}

		for month, batch := range byMonth {
			if err := a.writeBatch(ctx, month, batch); err != nil {
				return total, err
			}
		}

		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		n, err := a.source.PurgeJobs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("failed to delete archived jobs: %w", err)
		}
		total += n
		if n == 0 || len(jobs) < batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) writeBatch(ctx context.Context, month string, jobs []*core.PrintJob) error {
	path := filepath.Join(a.archivePath, filePrefix+month+fileSuffix)
	archiveDB, err := openArchiveDB(path)
	if err != nil {
		return fmt.Errorf("failed to create archive database: %w", err)
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, j := range jobs {
		if err := insertJob(ctx, tx, j, now); err != nil {
			return fmt.Errorf("failed to insert job to archive: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, month)
		VALUES (1, ?, ?)
	`, formatTime(&now), month); err != nil {
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

func openArchiveDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS print_jobs (
			id TEXT PRIMARY KEY,
			printer_id TEXT,
			file_name TEXT NOT NULL,
			storage_id TEXT,
			file_hash TEXT,
			status TEXT NOT NULL,
			status_reason TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			progress REAL,
			failure_reason TEXT,
			actual_duration REAL,
			metadata TEXT,
			archived_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at TEXT,
			month TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_jobs_ended_at ON print_jobs(ended_at);
		CREATE INDEX IF NOT EXISTS idx_archive_jobs_printer ON print_jobs(printer_id);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func insertJob(ctx context.Context, tx *sql.Tx, j *core.PrintJob, archivedAt time.Time) error {
	var meta sql.NullString
	if j.Metadata != nil {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return err
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO print_jobs (id, printer_id, file_name, storage_id, file_hash, status, status_reason,
			created_at, started_at, ended_at, progress, failure_reason, actual_duration, metadata, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.PrinterID, j.FileName, j.File.StorageID, j.File.Hash, string(j.Status), j.StatusReason,
		formatTime(&j.CreatedAt), formatTime(j.StartedAt), formatTime(j.EndedAt),
		j.Statistics.Progress, j.Statistics.FailureReason, j.Statistics.ActualDurationSeconds,
		meta, formatTime(&archivedAt))
	return err
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	entries, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, e := range entries {
		if e.IsDir() || !isArchiveName(e.Name()) {
			continue
		}
		af, err := a.GetArchiveInfo(e.Name())
		if err != nil {
			a.logger.Warn("skipping unreadable archive", "file", e.Name(), "error", err)
			continue
		}
		archives = append(archives, af)
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].Month < archives[j].Month })
	return archives, nil
}

func (a *Archiver) GetArchiveInfo(filename string) (*ArchiveFile, error) {
	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	af := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		Month:     strings.TrimSuffix(strings.TrimPrefix(filename, filePrefix), fileSuffix),
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := db.QueryRow(`SELECT COUNT(*) FROM print_jobs`).Scan(&af.JobCount); err != nil {
		return nil, fmt.Errorf("failed to count archived jobs: %w", err)
	}
	return af, nil
}

// GetArchivedJob reads one job back out of an archive file.
func (a *Archiver) GetArchivedJob(ctx context.Context, filename, id string) (*core.PrintJob, error) {
	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var (
		j                                  core.PrintJob
		printerID, storageID, hash, reason sql.NullString
		failure, meta                      sql.NullString
		createdAt, startedAt, endedAt      sql.NullString
		progress, duration                 sql.NullFloat64
		status                             string
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, printer_id, file_name, storage_id, file_hash, status, status_reason,
			created_at, started_at, ended_at, progress, failure_reason, actual_duration, metadata
		FROM print_jobs WHERE id = ?
	`, id).Scan(&j.ID, &printerID, &j.FileName, &storageID, &hash, &status, &reason,
		&createdAt, &startedAt, &endedAt, &progress, &failure, &duration, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read archived job: %w", err)
	}

	j.PrinterID = printerID.String
	j.File = core.FileRef{StorageID: storageID.String, Hash: hash.String}
	j.Status = core.JobStatus(status)
	j.StatusReason = reason.String
	if t := parseTime(createdAt); t != nil {
		j.CreatedAt = *t
	}
	j.StartedAt = parseTime(startedAt)
	j.EndedAt = parseTime(endedAt)
	j.Statistics = core.Statistics{
		StartedAt:     j.StartedAt,
		EndedAt:       j.EndedAt,
		FailureReason: failure.String,
	}
	if progress.Valid {
		j.Statistics.Progress = &progress.Float64
	}
	if duration.Valid {
		j.Statistics.ActualDurationSeconds = &duration.Float64
	}
	if meta.Valid {
		j.Metadata = &core.JobMetadata{}
		if err := json.Unmarshal([]byte(meta.String), j.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode archived metadata: %w", err)
		}
	}
	return &j, nil
}

func (a *Archiver) DeleteArchive(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

func (a *Archiver) ArchiveDays() int { return a.archiveDays }

func (a *Archiver) ArchivePath() string { return a.archivePath }

func (a *Archiver) resolve(filename string) (string, error) {
	if !isArchiveName(filename) || filepath.Base(filename) != filename {
		return "", ErrInvalidName
	}
	path := filepath.Join(a.archivePath, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrArchiveNotFound
		}
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	return path, nil
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

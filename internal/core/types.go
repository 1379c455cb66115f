package core

import (
	"context"
	"io"
	"time"

	"github.com/orrn/printfleet/internal/adapter"
	"github.com/orrn/printfleet/internal/eventbus"
)

type Transport string

const (
	TransportSession Transport = "session"
	TransportBroker  Transport = "broker"
)

type Printer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Transport Transport `json:"transport"`
	Endpoint  string    `json:"endpoint"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`
	APIKey    string    `json:"-"`
	DeviceID  string    `json:"device_id,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusPrinting  JobStatus = "PRINTING"
	JobStatusPaused    JobStatus = "PAUSED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusUnknown   JobStatus = "UNKNOWN"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (s JobStatus) Active() bool {
	return s == JobStatusPrinting || s == JobStatusPaused
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusPrinting, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusUnknown:
		return true
	}
	return false
}

type AnalysisState string

const (
	AnalysisNotAnalyzed AnalysisState = "NOT_ANALYZED"
	AnalysisAnalyzing   AnalysisState = "ANALYZING"
	AnalysisAnalyzed    AnalysisState = "ANALYZED"
	AnalysisFailed      AnalysisState = "FAILED"
)

type FileRef = eventbus.FileRef

type Statistics struct {
	StartedAt             *time.Time `json:"started_at,omitempty"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	Progress              *float64   `json:"progress,omitempty"`
	FailureReason         string     `json:"failure_reason,omitempty"`
	ActualDurationSeconds *float64   `json:"actual_duration_seconds,omitempty"`
}

type Thumbnail struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Data   string `json:"data"`
}

type Plate struct {
	Index            int      `json:"index"`
	Name             string   `json:"name,omitempty"`
	PrintTimeSeconds *float64 `json:"print_time_seconds,omitempty"`
	FilamentGrams    *float64 `json:"filament_grams,omitempty"`
}

type JobMetadata struct {
	PrintTimeSeconds *float64    `json:"print_time_seconds,omitempty"`
	FilamentGrams    *float64    `json:"filament_grams,omitempty"`
	LayerCount       *int        `json:"layer_count,omitempty"`
	NozzleDiameterMM *float64    `json:"nozzle_diameter_mm,omitempty"`
	Thumbnails       []Thumbnail `json:"thumbnails,omitempty"`
	Plates           []Plate     `json:"plates,omitempty"`
}

// FillFrom copies fields of src into m that are still unset in m.
func (m *JobMetadata) FillFrom(src *JobMetadata) bool {
	if src == nil {
		return false
	}
	changed := false
	if m.PrintTimeSeconds == nil && src.PrintTimeSeconds != nil {
		m.PrintTimeSeconds, changed = src.PrintTimeSeconds, true
	}
	if m.FilamentGrams == nil && src.FilamentGrams != nil {
		m.FilamentGrams, changed = src.FilamentGrams, true
	}
	if m.LayerCount == nil && src.LayerCount != nil {
		m.LayerCount, changed = src.LayerCount, true
	}
	if m.NozzleDiameterMM == nil && src.NozzleDiameterMM != nil {
		m.NozzleDiameterMM, changed = src.NozzleDiameterMM, true
	}
	if len(m.Thumbnails) == 0 && len(src.Thumbnails) > 0 {
		m.Thumbnails, changed = src.Thumbnails, true
	}
	if len(m.Plates) == 0 && len(src.Plates) > 0 {
		m.Plates, changed = src.Plates, true
	}
	return changed
}

type PrintJob struct {
	ID            string        `json:"id"`
	PrinterID     string        `json:"printer_id,omitempty"`
	FileName      string        `json:"file_name"`
	File          FileRef       `json:"file"`
	Status        JobStatus     `json:"status"`
	AnalysisState AnalysisState `json:"analysis_state"`
	QueuePosition *int          `json:"queue_position,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	AnalyzedAt    *time.Time    `json:"analyzed_at,omitempty"`
	StatusReason  string        `json:"status_reason,omitempty"`
	Statistics    Statistics    `json:"statistics"`
	Metadata      *JobMetadata  `json:"metadata,omitempty"`
}

type NewJob struct {
	PrinterID string
	FileName  string
	File      FileRef
	Metadata  *JobMetadata
}

type JobFilter struct {
	PrinterID string
	Statuses  []JobStatus
	Limit     int
	Offset    int
}

// JobPatch lists the columns a guarded transition writes. Nil pointers leave
// the stored value alone.
type JobPatch struct {
	Status         JobStatus
	StatusReason   *string
	StartedAt      *time.Time
	EndedAt        *time.Time
	Progress       *float64
	FailureReason  *string
	ActualDuration *float64
	ClearPosition  bool
}

// QueueItem is one unit of work in the operator queue view. Multi-plate jobs
// yield one item per plate.
type QueueItem struct {
	JobID            string    `json:"job_id"`
	PrinterID        string    `json:"printer_id"`
	FileName         string    `json:"file_name"`
	Status           JobStatus `json:"status"`
	Position         int       `json:"position"`
	Plate            *int      `json:"plate,omitempty"`
	PlateName        string    `json:"plate_name,omitempty"`
	PrintTimeSeconds *float64  `json:"print_time_seconds,omitempty"`
	FilamentGrams    *float64  `json:"filament_grams,omitempty"`
}

// Submission is a job in the tentative PRINTING phase awaiting the outcome of
// its upload and start.
type Submission struct {
	JobID       string    `json:"job_id"`
	PrinterID   string    `json:"printer_id"`
	FileName    string    `json:"file_name"`
	File        FileRef   `json:"file"`
	Position    int       `json:"position"`
	RequestedAt time.Time `json:"requested_at"`
}

type PrinterStatus struct {
	Printer  *Printer          `json:"printer"`
	Session  *adapter.Snapshot `json:"session,omitempty"`
	Ready    bool              `json:"ready"`
	QueueLen int               `json:"queue_length"`
}

type Repository interface {
	UpsertPrinter(ctx context.Context, p *Printer) error
	GetPrinter(ctx context.Context, id string) (*Printer, error)
	ListPrinters(ctx context.Context) ([]*Printer, error)
	SetPrinterEnabled(ctx context.Context, id string, enabled bool) error

	CreateJob(ctx context.Context, j *PrintJob) error
	GetJob(ctx context.Context, id string) (*PrintJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*PrintJob, error)
	FindJobForFile(ctx context.Context, printerID, fileName string, statuses ...JobStatus) (*PrintJob, error)
	ActiveJob(ctx context.Context, printerID string) (*PrintJob, error)
	CountActive(ctx context.Context, printerID string, status JobStatus) (int, error)
	DeleteJob(ctx context.Context, id string) error

	TransitionJob(ctx context.Context, id string, from []JobStatus, patch JobPatch) (*PrintJob, error)
	StartJob(ctx context.Context, id, printerID string, at time.Time, from []JobStatus) (*PrintJob, error)
	UpdateProgress(ctx context.Context, id string, progress float64, meta *JobMetadata) error
	UpdateAnalysis(ctx context.Context, id string, state AnalysisState, meta *JobMetadata, at *time.Time) error
	RecoverPrinting(ctx context.Context, reason string) ([]*PrintJob, error)

	ShiftPositions(ctx context.Context, printerID string, from, delta int) error
	EnqueueJob(ctx context.Context, id, printerID string, position *int) (int, error)
	RemoveFromQueue(ctx context.Context, id string) (*PrintJob, error)
	ReorderQueue(ctx context.Context, printerID string, ids []string) ([]string, error)
	ClearQueue(ctx context.Context, printerID string) (int, error)
	RetryJob(ctx context.Context, id string) (*PrintJob, error)
	ClaimNext(ctx context.Context, printerID string, at time.Time) (*PrintJob, error)
	ReleaseQueuePosition(ctx context.Context, id string, expected int) (bool, error)
	ListQueue(ctx context.Context, printerID string) ([]*PrintJob, error)
	ListQueueContexts(ctx context.Context) ([]*PrintJob, error)
}

type FileStore interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) (FileRef, error)
	Open(ctx context.Context, ref FileRef) (io.ReadCloser, error)
	Delete(ctx context.Context, ref FileRef) error
}

type FileAnalyzer interface {
	Analyze(ctx context.Context, name string, r io.Reader) (*JobMetadata, error)
}

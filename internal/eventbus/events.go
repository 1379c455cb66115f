package eventbus

import "time"

// Kind identifies a bus message type.
type Kind string

const (
	KindSocketStateChanged Kind = "socket.stateChanged"
	KindAuthStateChanged   Kind = "auth.stateChanged"
	KindSessionOpened      Kind = "session.opened"
	KindSessionClosed      Kind = "session.closed"
	KindSessionError       Kind = "session.error"
	KindTelemetry          Kind = "printer.telemetry"

	KindJobCreated   Kind = "job.created"
	KindJobAnalyzed  Kind = "job.analyzed"
	KindJobStarted   Kind = "job.started"
	KindJobProgress  Kind = "job.progress"
	KindJobPaused    Kind = "job.paused"
	KindJobResumed   Kind = "job.resumed"
	KindJobCompleted Kind = "job.completed"
	KindJobFailed    Kind = "job.failed"
	KindJobCancelled Kind = "job.cancelled"
	KindJobUnknown   Kind = "job.unknown"
	KindJobDeleted   Kind = "job.deleted"

	KindQueueJobAdded    Kind = "queue.jobAdded"
	KindQueueJobRemoved  Kind = "queue.jobRemoved"
	KindQueueReordered   Kind = "queue.reordered"
	KindQueueCleared     Kind = "queue.cleared"
	KindQueueProcessNext Kind = "queue.processNext"

	KindSubmissionRequested Kind = "submission.requested"
	KindSubmissionSucceeded Kind = "submission.succeeded"
	KindSubmissionFailed    Kind = "submission.failed"
)

// JobKinds lists every job lifecycle kind carried by JobEvent.
var JobKinds = []Kind{
	KindJobCreated, KindJobAnalyzed, KindJobStarted, KindJobProgress, KindJobPaused,
	KindJobResumed, KindJobCompleted, KindJobFailed, KindJobCancelled, KindJobUnknown,
	KindJobDeleted,
}

// QueueKinds lists every kind carried by QueueEvent.
var QueueKinds = []Kind{
	KindQueueJobAdded, KindQueueJobRemoved, KindQueueReordered, KindQueueCleared, KindQueueProcessNext,
}

// Event is implemented only by the structs in this file.
type Event interface {
	Kind() Kind
	event()
}

type SocketStateChanged struct {
	PrinterID string
	From      string
	To        string
	At        time.Time
}

type AuthStateChanged struct {
	PrinterID string
	From      string
	To        string
	At        time.Time
}

type SessionOpened struct {
	PrinterID string
	At        time.Time
}

type SessionClosed struct {
	PrinterID string
	Reason    string
	At        time.Time
}

type SessionError struct {
	PrinterID string
	Err       string
	At        time.Time
}

// Lifecycle is the print lifecycle edge an adapter observed alongside a
// telemetry sample.
type Lifecycle string

const (
	LifecycleNone      Lifecycle = ""
	LifecycleStarted   Lifecycle = "started"
	LifecycleProgress  Lifecycle = "progress"
	LifecycleCompleted Lifecycle = "completed"
	LifecycleFailed    Lifecycle = "failed"
	LifecycleCancelled Lifecycle = "cancelled"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleResumed   Lifecycle = "resumed"
)

type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// Telemetry is the transport-independent printer status sample.
type Telemetry struct {
	PrinterID        string                 `json:"printer_id"`
	Printing         bool                   `json:"printing"`
	Paused           bool                   `json:"paused"`
	Idle             bool                   `json:"idle"`
	StateText        string                 `json:"state_text,omitempty"`
	Temperatures     map[string]Temperature `json:"temperatures,omitempty"`
	Progress         *float64               `json:"progress,omitempty"`
	RemainingSeconds *float64               `json:"remaining_seconds,omitempty"`
	FileName         string                 `json:"file_name,omitempty"`
	ErrorCode        string                 `json:"error_code,omitempty"`
	Layer            *int                   `json:"layer,omitempty"`
	TotalLayers      *int                   `json:"total_layers,omitempty"`
	Lifecycle        Lifecycle              `json:"lifecycle,omitempty"`
	FailureReason    string                 `json:"failure_reason,omitempty"`
	ReceivedAt       time.Time              `json:"received_at"`
}

// JobEvent carries one of JobKinds.
type JobEvent struct {
	Type      Kind      `json:"type"`
	JobID     string    `json:"job_id"`
	PrinterID string    `json:"printer_id,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Progress  *float64  `json:"progress,omitempty"`
	At        time.Time `json:"at"`
}

// QueueEvent carries one of QueueKinds.
type QueueEvent struct {
	Type      Kind      `json:"type"`
	PrinterID string    `json:"printer_id"`
	JobID     string    `json:"job_id,omitempty"`
	Position  *int      `json:"position,omitempty"`
	JobIDs    []string  `json:"job_ids,omitempty"`
	At        time.Time `json:"at"`
}

type FileRef struct {
	StorageID string `json:"storage_id"`
	Hash      string `json:"hash,omitempty"`
	Format    string `json:"format,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

type SubmissionRequested struct {
	PrinterID     string
	JobID         string
	FileName      string
	File          FileRef
	QueuePosition int
	At            time.Time
}

type SubmissionSucceeded struct {
	JobID string
	At    time.Time
}

type SubmissionFailed struct {
	JobID string
	Err   string
	At    time.Time
}

func (SocketStateChanged) Kind() Kind  { return KindSocketStateChanged }
func (AuthStateChanged) Kind() Kind    { return KindAuthStateChanged }
func (SessionOpened) Kind() Kind       { return KindSessionOpened }
func (SessionClosed) Kind() Kind       { return KindSessionClosed }
func (SessionError) Kind() Kind        { return KindSessionError }
func (Telemetry) Kind() Kind           { return KindTelemetry }
func (e JobEvent) Kind() Kind          { return e.Type }
func (e QueueEvent) Kind() Kind        { return e.Type }
func (SubmissionRequested) Kind() Kind { return KindSubmissionRequested }
func (SubmissionSucceeded) Kind() Kind { return KindSubmissionSucceeded }
func (SubmissionFailed) Kind() Kind    { return KindSubmissionFailed }

func (SocketStateChanged) event()  {}
func (AuthStateChanged) event()    {}
func (SessionOpened) event()       {}
func (SessionClosed) event()       {}
func (SessionError) event()        {}
func (Telemetry) event()           {}
func (JobEvent) event()            {}
func (QueueEvent) event()          {}
func (SubmissionRequested) event() {}
func (SubmissionSucceeded) event() {}
func (SubmissionFailed) event()    {}

package db

const (
	printerColumns = `id, name, transport, endpoint, username, password, api_key, device_id, enabled, created_at, updated_at`

	UpsertPrinter = `
		INSERT INTO printers (id, name, transport, endpoint, username, password, api_key, device_id, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, transport = excluded.transport, endpoint = excluded.endpoint,
			username = excluded.username, password = excluded.password, api_key = excluded.api_key,
			device_id = excluded.device_id, enabled = excluded.enabled, updated_at = excluded.updated_at
	`

	GetPrinterByID = `SELECT ` + printerColumns + ` FROM printers WHERE id = ?`

	ListPrinters = `SELECT ` + printerColumns + ` FROM printers ORDER BY name ASC`

	UpdatePrinterEnabled = `UPDATE printers SET enabled = ?, updated_at = ? WHERE id = ?`

	LockPrinter = `SELECT id FROM printers WHERE id = ? FOR UPDATE`
)

const (
	jobColumns = `id, printer_id, file_name, storage_id, file_hash, file_format, file_size, status, analysis_state,
		queue_position, created_at, started_at, ended_at, analyzed_at, status_reason, progress, failure_reason,
		actual_duration, metadata`

	InsertJob = `
		INSERT INTO print_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByID = `SELECT ` + jobColumns + ` FROM print_jobs WHERE id = ?`

	GetJobByIDForUpdate = GetJobByID + ` FOR UPDATE`

	FindJobForFile = `SELECT ` + jobColumns + ` FROM print_jobs WHERE printer_id = ? AND file_name = ?`

	GetActiveJob = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE printer_id = ? AND status IN ('PRINTING', 'PAUSED')
		ORDER BY started_at DESC LIMIT 1
	`

	CountJobsByStatus = `SELECT COUNT(*) FROM print_jobs WHERE printer_id = ? AND status = ?`

	CountOtherActive = `
		SELECT COUNT(*) FROM print_jobs
		WHERE printer_id = ? AND id <> ? AND status IN ('PRINTING', 'PAUSED')
	`

	CountOtherPrinting = `
		SELECT COUNT(*) FROM print_jobs
		WHERE printer_id = ? AND id <> ? AND status = 'PRINTING'
	`

	ListPrintingJobs = `SELECT ` + jobColumns + ` FROM print_jobs WHERE status = 'PRINTING'`

	DeleteJob = `DELETE FROM print_jobs WHERE id = ?`

	UpdateJobProgress = `UPDATE print_jobs SET progress = ? WHERE id = ? AND status = 'PRINTING'`

	UpdateJobMetadata = `UPDATE print_jobs SET metadata = ? WHERE id = ?`

	StartJob = `
		UPDATE print_jobs SET
			status = 'PRINTING', printer_id = ?, started_at = ?, ended_at = NULL, queue_position = NULL,
			status_reason = '', progress = NULL, failure_reason = '', actual_duration = NULL
		WHERE id = ? AND status = ?
	`

	RecoverJob = `
		UPDATE print_jobs SET status = 'UNKNOWN', status_reason = ?, queue_position = NULL
		WHERE id = ? AND status = 'PRINTING'
	`
)

const (
	// Every position statement is scoped to one printer's queue context.
	ShiftPositions = `
		UPDATE print_jobs SET queue_position = queue_position + ?
		WHERE printer_id = ? AND queue_position IS NOT NULL AND queue_position >= ?
	`

	NextQueuePosition = `
		SELECT COALESCE(MAX(queue_position) + 1, 0) FROM print_jobs
		WHERE printer_id = ? AND queue_position IS NOT NULL
	`

	SetQueuePosition = `UPDATE print_jobs SET queue_position = ? WHERE id = ?`

	EnqueueJob = `
		UPDATE print_jobs SET status = 'QUEUED', printer_id = ?, queue_position = ?, status_reason = ''
		WHERE id = ? AND status = 'PENDING'
	`

	DequeueJob = `UPDATE print_jobs SET status = ?, queue_position = NULL WHERE id = ?`

	ListQueue = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE printer_id = ? AND queue_position IS NOT NULL
		ORDER BY queue_position ASC
	`

	ListQueueContexts = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE queue_position IS NOT NULL
		ORDER BY printer_id ASC, queue_position ASC
	`

	NextQueuedJob = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE printer_id = ? AND status = 'QUEUED' AND queue_position IS NOT NULL
		ORDER BY queue_position ASC LIMIT 1
	`

	ClaimJob = `
		UPDATE print_jobs SET status = 'PRINTING', started_at = ?, ended_at = NULL, status_reason = '',
			progress = NULL, failure_reason = '', actual_duration = NULL
		WHERE id = ? AND status = 'QUEUED'
	`

	RetryJob = `
		UPDATE print_jobs SET status = 'QUEUED', status_reason = '', started_at = NULL, ended_at = NULL,
			progress = NULL, failure_reason = '', actual_duration = NULL
		WHERE id = ? AND status = 'FAILED' AND queue_position IS NOT NULL
	`

	ReleasePosition = `UPDATE print_jobs SET queue_position = NULL WHERE id = ? AND queue_position = ?`
)

const (
	ListArchivableJobs = `
		SELECT ` + jobColumns + ` FROM print_jobs
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND queue_position IS NULL
			AND ended_at IS NOT NULL AND ended_at < ?
		ORDER BY ended_at ASC LIMIT ?
	`
)

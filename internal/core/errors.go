package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrPrinterNotFound    = fmt.Errorf("printer %w", ErrNotFound)
	ErrJobNotFound        = fmt.Errorf("job %w", ErrNotFound)
	ErrInvalidTransition  = errors.New("invalid job transition")
	ErrJobActive          = errors.New("job is printing or paused")
	ErrPrinterBusy        = errors.New("printer already has an active job")
	ErrPrinterNotReady    = errors.New("printer is not ready")
	ErrPrinterDisabled    = errors.New("printer is disabled")
	ErrUnknownSubmission  = errors.New("no pending submission for job")
	ErrPrinterUnsupported = errors.New("unsupported printer transport")
)

// ValidationError reports an operator request that the job's current state
// does not allow. It matches ErrInvalidTransition under errors.Is.
type ValidationError struct {
	Op      string
	JobID   string
	From    JobStatus
	Allowed []JobStatus
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: job %s", e.Op, e.JobID)
	if e.From != "" {
		fmt.Fprintf(&b, " is %s", e.From)
	}
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, ", allowed from %s", strings.Join(names, "/"))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrInvalidTransition }

func invalid(op string, job *PrintJob, allowed []JobStatus) error {
	return &ValidationError{Op: op, JobID: job.ID, From: job.Status, Allowed: allowed}
}

func contains(list []JobStatus, s JobStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

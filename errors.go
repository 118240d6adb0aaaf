package notify

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("notify: no store configured")
	ErrStoreClosed     = errors.New("notify: store closed")
	ErrMigrationFailed = errors.New("notify: migration failed")

	// Not found errors.
	ErrJobNotFound        = errors.New("notify: job not found")
	ErrWorkflowNotFound   = errors.New("notify: workflow not found")
	ErrSubscriberNotFound = errors.New("notify: subscriber not found")
	ErrDetailNotFound     = errors.New("notify: execution detail not found")
	ErrDLQNotFound        = errors.New("notify: dlq entry not found")

	// Conflict errors.
	ErrJobAlreadyExists    = errors.New("notify: job already exists")
	ErrDuplicateWorkflow   = errors.New("notify: duplicate workflow")
	ErrDuplicateSubscriber = errors.New("notify: duplicate subscriber")

	// Tenant isolation. Never retried.
	ErrScopeViolation = errors.New("notify: environment scope violation")

	// Lock errors. ErrLockTimeout is transient and retried at the
	// queue level; ErrLockBusy is the non-blocking acquire result.
	ErrLockBusy    = errors.New("notify: lock busy")
	ErrLockTimeout = errors.New("notify: lock acquire timeout")

	// State errors.
	ErrInvalidTransition  = errors.New("notify: invalid status transition")
	ErrMaxRetriesExceeded = errors.New("notify: max retries exceeded")
	ErrWorkflowInactive   = errors.New("notify: workflow is inactive")

	// Step execution errors.
	ErrFilterEvaluation = errors.New("notify: filter evaluation failed")
	ErrChannelDispatch  = errors.New("notify: channel dispatch failed")
	ErrNoSender         = errors.New("notify: no sender registered for channel")
)

package tern

import (
	"errors"

	"github.com/terndb/tern/metalog"
)

// Error definitions for the scheduler.
// Standard Go practice - define all your errors in one place so they're easy to find.
var (
	// ErrSchedulerStopped is returned when operating on a destroyed scheduler
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	// ErrThrottled is returned when a checkpoint or dump wait hits a
	// throttled scheduler; the returned error's message includes the
	// last task error
	ErrThrottled = errors.New("scheduler is throttled")

	// ErrCancelled is returned by a task whose worker was cancelled
	ErrCancelled = errors.New("task cancelled")

	// ErrLogCommitFailed mirrors metalog.ErrCommitFailed for callers
	// of the root package
	ErrLogCommitFailed = metalog.ErrCommitFailed

	// ErrDeferredDeleteFailed is returned when the transactional
	// thread could not apply a deferred DELETE batch
	ErrDeferredDeleteFailed = errors.New("deferred delete batch failed")

	// ErrLsmDropped marks a task aborted because its LSM tree was
	// dropped; it is never surfaced to the user
	ErrLsmDropped = errors.New("lsm tree dropped")

	// ErrInjected is produced by test failure hooks
	ErrInjected = errors.New("injected failure")

	// Configuration validation errors
	ErrInvalidWriteThreads     = errors.New("write threads must be greater than 1")
	ErrInvalidBloomFPR         = errors.New("invalid bloom false-positive rate")
	ErrInvalidPageSize         = errors.New("invalid page size")
	ErrInvalidRunCountPerLevel = errors.New("invalid run count per level")
	ErrInvalidDir              = errors.New("invalid engine directory")
)

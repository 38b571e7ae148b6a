package cleaner

import "errors"

var (
	// ErrCleaningAborted is raised internally when abortAndPause interrupts
	// a cycle in progress. It never escapes the manager: doneCleaning
	// recovers from it by transitioning the partition to Paused.
	ErrCleaningAborted = errors.New("cleaning aborted")

	// ErrThreadShutdown unwinds a cleaner goroutine when the manager is
	// stopping. Caught by the goroutine's own run loop.
	ErrThreadShutdown = errors.New("cleaner thread shutdown")

	// ErrMessageTooLarge means a source batch is larger than
	// MaxIoBufferSize. The cycle is fatal; the checkpoint is left unchanged.
	ErrMessageTooLarge = errors.New("record exceeds maximum cleaner I/O buffer size")

	// ErrDedupeBufferTooSmall means the OffsetMap filled before even one
	// full segment could be indexed; the run cannot make progress.
	ErrDedupeBufferTooSmall = errors.New("dedupe buffer too small: increase dedupeBufferSize")

	// ErrIllegalStateTransition is not returned anywhere: the manager's
	// state table reports ErrInvalidPartitionState and the group FSM reports
	// group.ErrIllegalState.
	ErrIllegalStateTransition = errors.New("illegal state transition")

	// ErrInvalidPartitionState is returned by abortAndPause/resumeCleaning
	// when the partition's current state table entry does not permit the
	// requested operation.
	ErrInvalidPartitionState = errors.New("invalid partition cleaning state")

	// ErrNoGroupableSegments is returned when a candidate log has no
	// segments below its active segment's base offset to group at all.
	ErrNoGroupableSegments = errors.New("no segments available to clean")
)

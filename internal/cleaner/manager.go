package cleaner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// partitionState is the CleanerManager's per-partition state table entry.
type partitionState int

const (
	stateInProgress partitionState = iota
	stateAborted
	statePaused
)

// registeredLog pairs a Log with the cleaning policy the manager needs
// to decide whether it is a cleaning candidate.
type registeredLog struct {
	log    Log
	policy CleaningPolicy
}

// ManagerConfig holds the selection and pacing knobs for CleanerManager.
type ManagerConfig struct {
	NumThreads        int
	MinCleanableRatio float64
	BackOffMs         int64
	Cleaner           Config
}

// DefaultManagerConfig returns sane defaults for a single-node deployment.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		NumThreads:        1,
		MinCleanableRatio: 0.5,
		BackOffMs:         15000,
		Cleaner:           DefaultConfig(),
	}
}

// CleanerManager is the global coordinator (C1c): it owns the partition
// state table, the checkpoint file, and selection of the next cleaning
// target, and runs a pool of background cleaner threads.
type CleanerManager struct {
	mu       sync.Mutex
	dataDir  string
	config   ManagerConfig
	logs     map[TopicPartition]registeredLog
	state    map[TopicPartition]partitionState
	throttle *throttler
	logger   *zap.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewCleanerManager constructs a manager rooted at dataDir (where the
// checkpoint file lives). Call RegisterLog for every compaction-eligible
// partition before Start.
func NewCleanerManager(dataDir string, config ManagerConfig, logger *zap.Logger) *CleanerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &CleanerManager{
		dataDir:  dataDir,
		config:   config,
		logs:     make(map[TopicPartition]registeredLog),
		state:    make(map[TopicPartition]partitionState),
		throttle: newThrottler(config.Cleaner.MaxIoBytesPerSecond),
		logger:   logger,
	}
	return m
}

// abortPollInterval is how often AbortAndPause rechecks the partition's
// state table entry while waiting for it to reach Paused, matching
// spec.md §5's "bounded polling at ~100ms".
const abortPollInterval = 100 * time.Millisecond

// RegisterLog adds a partition to the manager's candidate set.
func (m *CleanerManager) RegisterLog(tp TopicPartition, log Log, policy CleaningPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[tp] = registeredLog{log: log, policy: policy}
}

// UnregisterLog removes a partition, e.g. when it is deleted or its leader
// moves away. A partition mid-cycle is left to finish; callers that need
// a hard stop should call AbortAndPause first.
func (m *CleanerManager) UnregisterLog(tp TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, tp)
}

// Start launches the configured number of background cleaner threads, each
// repeatedly grabbing the filthiest candidate and cleaning it until Stop is
// called.
func (m *CleanerManager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	m.group = g

	n := m.config.NumThreads
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			m.runThread(ctx, id)
			return nil
		})
	}
}

// Stop cancels every background thread and waits for them to exit.
func (m *CleanerManager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.group != nil {
			_ = m.group.Wait()
		}
	})
}

func (m *CleanerManager) runThread(ctx context.Context, id int) {
	cl := NewCleaner(id, m.config.Cleaner, m.throttle, m.logger)
	backoff := time.Duration(m.config.BackOffMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		target, err := m.grabFilthiest()
		if err != nil {
			m.logger.Error("grabFilthiest failed", zap.Error(err))
		}
		if target == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		checkDone := func() error {
			select {
			case <-ctx.Done():
				return ErrThreadShutdown
			default:
			}
			m.mu.Lock()
			st, ok := m.state[target.Partition]
			m.mu.Unlock()
			if ok && st == stateAborted {
				return ErrCleaningAborted
			}
			return nil
		}

		endOffset, cleanErr := cl.Clean(target.Partition, target.Log, target.FirstDirtyOffset, checkDone)
		switch {
		case cleanErr == ErrCleaningAborted:
			m.doneCleaning(target.Partition, endOffset, cleanErr)
		case cleanErr == ErrThreadShutdown:
			return
		case cleanErr != nil:
			m.logger.Error("cleaning cycle failed",
				zap.String("partition", target.Partition.String()),
				zap.Error(cleanErr))
			m.clearInProgress(target.Partition)
		default:
			m.doneCleaning(target.Partition, endOffset, nil)
		}
	}
}

// grabFilthiest implements spec.md §4.4: build LogToClean candidates from
// every "compact" policy partition not already in the state table, filter
// to those meeting minCleanableRatio, and claim the dirtiest one.
func (m *CleanerManager) grabFilthiest() (*LogToClean, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoints, err := readCheckpoints(m.dataDir)
	if err != nil {
		return nil, err
	}

	var best *LogToClean
	for tp, entry := range m.logs {
		if entry.policy != PolicyCompact {
			continue
		}
		if _, inTable := m.state[tp]; inTable {
			continue
		}

		offsets := entry.log.SegmentBaseOffsets()
		if len(offsets) == 0 {
			continue
		}
		firstSegmentBase := offsets[0]
		firstDirty := checkpoints[tp]
		if firstDirty < firstSegmentBase {
			firstDirty = firstSegmentBase
		}

		candidate := buildLogToClean(tp, entry.log, firstDirty)
		if candidate == nil {
			continue
		}
		if candidate.CleanableRatio() < m.config.MinCleanableRatio {
			continue
		}
		if best == nil || candidate.CleanableRatio() > best.CleanableRatio() {
			best = candidate
		}
	}

	if best != nil {
		m.state[best.Partition] = stateInProgress
	}
	return best, nil
}

// buildLogToClean computes the clean/dirty byte split for one candidate,
// returning nil when there is nothing below the active segment to clean.
func buildLogToClean(tp TopicPartition, log Log, firstDirtyOffset int64) *LogToClean {
	upperBound := log.ActiveBaseOffset()
	offsets := log.SegmentBaseOffsets()

	var cleanBytes, dirtyBytes int64
	any := false
	for _, base := range offsets {
		if base >= upperBound {
			continue
		}
		seg, err := log.OpenSegment(base)
		if err != nil {
			continue
		}
		size := seg.Size()
		seg.Close()

		if base < firstDirtyOffset {
			cleanBytes += size
		} else {
			dirtyBytes += size
			any = true
		}
	}
	if !any {
		return nil
	}
	return &LogToClean{Partition: tp, Log: log, FirstDirtyOffset: firstDirtyOffset, CleanBytes: cleanBytes, DirtyBytes: dirtyBytes}
}

// AbortAndPause stops any in-progress cleaning of tp and blocks until it
// reaches Paused, per spec.md §4.4.
func (m *CleanerManager) AbortAndPause(tp TopicPartition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[tp]
	if !ok {
		m.state[tp] = statePaused
		return nil
	}
	switch st {
	case stateInProgress:
		m.state[tp] = stateAborted
	case statePaused:
		// already paused
	default:
		return ErrInvalidPartitionState
	}

	for {
		if m.state[tp] == statePaused {
			return nil
		}
		m.mu.Unlock()
		time.Sleep(abortPollInterval)
		m.mu.Lock()
	}
}

// ResumeCleaning removes tp from the state table; tp must be Paused.
func (m *CleanerManager) ResumeCleaning(tp TopicPartition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.state[tp]; !ok || st != statePaused {
		return ErrInvalidPartitionState
	}
	delete(m.state, tp)
	return nil
}

// doneCleaning implements spec.md §4.4: InProgress -> checkpoint write and
// remove from the table; Aborted -> Paused, which AbortAndPause observes on
// its next abortPollInterval poll.
func (m *CleanerManager) doneCleaning(tp TopicPartition, endOffset int64, cleanErr error) {
	m.mu.Lock()
	st, ok := m.state[tp]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch {
	case cleanErr == ErrCleaningAborted || st == stateAborted:
		m.state[tp] = statePaused
		m.mu.Unlock()
		return
	case st == stateInProgress:
		delete(m.state, tp)
		m.mu.Unlock()
		if err := m.updateCheckpoint(tp, endOffset); err != nil {
			m.logger.Error("checkpoint update failed", zap.String("partition", tp.String()), zap.Error(err))
		}
		return
	default:
		m.mu.Unlock()
		return
	}
}

// clearInProgress drops tp from the state table without advancing its
// checkpoint, used when a cleaning cycle fails with a plain I/O error.
func (m *CleanerManager) clearInProgress(tp TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state[tp] == stateInProgress {
		delete(m.state, tp)
	}
}

// updateCheckpoint rewrites the checkpoint file with tp's new offset
// merged into the existing entries, atomically.
func (m *CleanerManager) updateCheckpoint(tp TopicPartition, endOffset int64) error {
	checkpoints, err := readCheckpoints(m.dataDir)
	if err != nil {
		return err
	}
	checkpoints[tp] = endOffset
	return writeCheckpoints(m.dataDir, checkpoints)
}

// Package retention implements the server's background snapshot/GC engine
// (§4.8): periodic Snapshot creation, pruning of unpinned EntryVersion rows
// past the retention window, and best-effort orphan content-blob deletion.
// It is adapted from the teacher's tiering.TieringController: the same
// ticker-driven scanLoop/Start/Stop/shutdownCh lifecycle shape, repurposed
// from multi-node hot/warm/cold blob migration (which has no home in a
// single-content-store architecture) to the single-tier snapshot-and-prune
// cycle this spec actually calls for.
package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/rammingen/internal/lock"
	"github.com/prn-tf/rammingen/internal/repository"
	"github.com/prn-tf/rammingen/internal/storage"
)

// ErrGCBusy indicates another process already holds the server-wide GC lock;
// this cycle is skipped rather than retried, since the holder will run its
// own pruning pass to completion (§4.8 "only one GC cycle runs at a time").
var ErrGCBusy = errors.New("retention: GC cycle already in progress elsewhere")

// Config controls the retention engine's cadence.
type Config struct {
	// CheckInterval is how often the controller wakes up to check whether a
	// snapshot is due; it is typically much shorter than SnapshotInterval.
	CheckInterval time.Duration

	// SnapshotInterval is the minimum time between snapshot creations.
	SnapshotInterval time.Duration

	// RetainDetailedHistoryFor is how far back unpinned versions are kept
	// before becoming eligible for pruning (§4.8 step 2).
	RetainDetailedHistoryFor time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:            10 * time.Minute,
		SnapshotInterval:         24 * time.Hour,
		RetainDetailedHistoryFor: 30 * 24 * time.Hour,
	}
}

// Controller runs the retention/GC background loop.
type Controller struct {
	config    Config
	logger    zerolog.Logger
	snapshots repository.SnapshotRepository
	versions  repository.EntryVersionRepository
	blobs     storage.Backend
	locker    *lock.Locker

	shutdownCh chan struct{}
	wg         sync.WaitGroup

	lastCycleMu sync.RWMutex
	lastCycle   *CycleResult
}

// CycleResult records what one GC cycle did, surfaced for observability
// (logged, and readable via LastCycle for a health/status endpoint).
type CycleResult struct {
	Ran              bool
	SnapshotCreated  bool
	VersionsPruned   int
	OrphansDeleted   int
	OrphanDeleteErrs int
	Err              error
	At               time.Time
}

// NewController creates a Controller.
func NewController(
	config Config,
	snapshots repository.SnapshotRepository,
	versions repository.EntryVersionRepository,
	blobs storage.Backend,
	locker *lock.Locker,
	logger zerolog.Logger,
) *Controller {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = DefaultConfig().SnapshotInterval
	}
	if config.RetainDetailedHistoryFor <= 0 {
		config.RetainDetailedHistoryFor = DefaultConfig().RetainDetailedHistoryFor
	}

	return &Controller{
		config:     config,
		logger:     logger.With().Str("component", "retention-controller").Logger(),
		snapshots:  snapshots,
		versions:   versions,
		blobs:      blobs,
		locker:     locker,
		shutdownCh: make(chan struct{}),
	}
}

// Start begins the controller's background loop.
func (c *Controller) Start(ctx context.Context) error {
	c.logger.Info().
		Dur("check_interval", c.config.CheckInterval).
		Dur("snapshot_interval", c.config.SnapshotInterval).
		Dur("retain_detailed_history_for", c.config.RetainDetailedHistoryFor).
		Msg("starting retention controller")

	c.wg.Add(1)
	go c.scanLoop(ctx)
	return nil
}

// Stop gracefully shuts the controller down.
func (c *Controller) Stop() error {
	c.logger.Info().Msg("stopping retention controller")
	close(c.shutdownCh)
	c.wg.Wait()
	return nil
}

func (c *Controller) scanLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// TriggerNow runs one cycle immediately, bypassing the check interval; used
// by tests and an operator-triggered admin action.
func (c *Controller) TriggerNow(ctx context.Context) *CycleResult {
	return c.runCycle(ctx)
}

// LastCycle returns the most recent cycle's result, or nil if none has run yet.
func (c *Controller) LastCycle() *CycleResult {
	c.lastCycleMu.RLock()
	defer c.lastCycleMu.RUnlock()
	return c.lastCycle
}

// runCycle executes §4.8's three numbered steps under the server-wide GC
// lock. Errors pruning or deleting orphans are logged and do not prevent
// the snapshot itself from having been created, matching the spec's "GC is
// best-effort and idempotent" note.
func (c *Controller) runCycle(ctx context.Context) *CycleResult {
	result := &CycleResult{At: time.Now()}
	defer func() {
		c.lastCycleMu.Lock()
		c.lastCycle = result
		c.lastCycleMu.Unlock()
	}()

	lease, err := c.locker.AcquireGCLock(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyHeld) {
			c.logger.Debug().Msg("retention cycle skipped: GC lock held elsewhere")
			result.Err = ErrGCBusy
			return result
		}
		c.logger.Error().Err(err).Msg("failed to acquire GC lock")
		result.Err = err
		return result
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("failed to release GC lock")
		}
	}()

	result.Ran = true

	latest, err := c.snapshots.Latest(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to read latest snapshot")
		result.Err = err
		return result
	}

	due := latest == nil || time.Since(latest.CreatedAt) >= c.config.SnapshotInterval
	if !due {
		return result
	}

	if _, err := c.snapshots.Create(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to create snapshot")
		result.Err = err
		return result
	}
	result.SnapshotCreated = true
	c.logger.Info().Msg("snapshot created")

	c.prune(ctx, result)
	return result
}

// prune implements §4.8 steps 2-3: delete unpinned versions older than the
// retention window, then best-effort delete every content hash that no
// longer has a live referent.
func (c *Controller) prune(ctx context.Context, result *CycleResult) {
	cutoff := time.Now().Add(-c.config.RetainDetailedHistoryFor)

	candidates, err := c.versions.DeleteOldVersions(ctx, cutoff)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to delete old versions")
		result.Err = err
		return
	}
	result.VersionsPruned = len(candidates)
	if len(candidates) == 0 {
		return
	}

	orphans, err := c.versions.OrphanHashes(ctx, candidates)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to determine orphan hashes")
		result.Err = err
		return
	}

	for _, hash := range orphans {
		if err := c.blobs.Delete(ctx, hash); err != nil {
			c.logger.Warn().Err(err).Str("content_hash", hash).Msg("failed to delete orphan blob")
			result.OrphanDeleteErrs++
			continue
		}
		result.OrphansDeleted++
	}

	c.logger.Info().
		Int("versions_pruned", result.VersionsPruned).
		Int("orphans_deleted", result.OrphansDeleted).
		Int("orphan_delete_errors", result.OrphanDeleteErrs).
		Msg("retention cycle pruning complete")
}

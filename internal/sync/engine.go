// Package sync implements the client sync engine (§4.7): the
// ACQUIRE_LOCK -> PULL -> PUSH -> RETENTION_HINT -> RELEASE state machine
// run once per source per invocation. It is a function over
// (config, local index, server client) per §9's "Global mutable state"
// design note - Engine holds no state beyond what's threaded through one
// Run call plus the handles it was constructed with.
package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/rammingen/internal/config"
	"github.com/prn-tf/rammingen/internal/delta"
	"github.com/prn-tf/rammingen/internal/domain"
	"github.com/prn-tf/rammingen/internal/pkg/crypto"
	"github.com/prn-tf/rammingen/internal/repository"
	"github.com/prn-tf/rammingen/internal/syncclient"
)

// Mount resolves one config.MountConfig into its parsed archive root and
// compiled ignore patterns.
type Mount struct {
	LocalPath   string
	ArchiveRoot domain.ArchivePath
	Ignore      *IgnoreSet
}

// Engine runs one sync pass for a single source.
type Engine struct {
	client     *syncclient.Client
	localIndex repository.LocalIndex
	indexDir   string
	mounts     []Mount
	keys       *crypto.KeySet
	siv        *crypto.SIV
	sizeCodec  *crypto.SizeCodec
	pullPage   int
	logger     zerolog.Logger
}

// New builds an Engine from client configuration: it derives the three key
// schedules from the master key (§4.1), resolves every configured mount's
// archive root and ignore patterns, and opens no I/O until Run is called.
func New(cfg *config.ClientConfig, client *syncclient.Client, localIndex repository.LocalIndex, logger zerolog.Logger) (*Engine, error) {
	masterKey, err := cfg.GetMasterKey()
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	keys, err := crypto.DeriveKeySet(masterKey)
	if err != nil {
		return nil, fmt.Errorf("sync: derive keys: %w", err)
	}
	siv, err := crypto.NewSIV(keys.PathKey)
	if err != nil {
		return nil, fmt.Errorf("sync: build path cipher: %w", err)
	}
	sizeCodec, err := crypto.NewSizeCodec(keys.SizeKey)
	if err != nil {
		return nil, fmt.Errorf("sync: build size codec: %w", err)
	}

	mounts := make([]Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		root, err := domain.ParseArchivePath(m.ArchivePath)
		if err != nil {
			return nil, fmt.Errorf("sync: mount %q: invalid archive path %q: %w", m.LocalPath, m.ArchivePath, err)
		}
		ignore, err := CompileIgnoreSet(m.Ignore)
		if err != nil {
			return nil, fmt.Errorf("sync: mount %q: %w", m.LocalPath, err)
		}
		mounts = append(mounts, Mount{LocalPath: m.LocalPath, ArchiveRoot: root, Ignore: ignore})
	}

	return &Engine{
		client:     client,
		localIndex: localIndex,
		indexDir:   filepath.Dir(cfg.IndexPath),
		mounts:     mounts,
		keys:       keys,
		siv:        siv,
		sizeCodec:  sizeCodec,
		pullPage:   delta.DefaultPageSize,
		logger:     logger.With().Str("component", "sync-engine").Logger(),
	}, nil
}

// Run executes one ACQUIRE_LOCK -> PULL -> PUSH -> RETENTION_HINT -> RELEASE
// pass (§4.7).
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	lock, err := acquireSourceLock(e.indexDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			e.logger.Error().Err(rerr).Msg("failed to release sync lock")
		}
	}()

	summary := newSummary()
	start := time.Now()

	if err := e.pull(ctx, summary); err != nil {
		return summary, fmt.Errorf("sync: pull phase: %w", err)
	}
	if err := e.push(ctx, summary); err != nil {
		return summary, fmt.Errorf("sync: push phase: %w", err)
	}
	e.retentionHint(ctx)

	e.logger.Info().
		Dur("elapsed", time.Since(start)).
		Int("entries_pulled", summary.EntriesPulled).
		Int("entries_pushed", summary.EntriesPushed).
		Int("conflicts", summary.Conflicts).
		Msg("sync run complete")
	return summary, nil
}

// retentionHint occupies the RETENTION_HINT state of §4.7's diagram. The
// protocol layer's 13 endpoints (§4.5) have no dedicated "hint the server
// to run retention" call, so this phase touches no network: it simply
// verifies every mount's cached remote listing is still reachable, logging
// (rather than failing the run) if the local index is unhealthy. Actual
// snapshot/GC retention is the server-side background loop in
// internal/retention, driven by its own interval, independent of any one
// client's sync run.
func (e *Engine) retentionHint(ctx context.Context) {
	for _, m := range e.mounts {
		if _, err := e.localIndex.ScanRemoteUnder(ctx, e.siv.EncryptPath(m.ArchiveRoot)); err != nil {
			e.logger.Warn().Err(err).Str("mount", m.LocalPath).Msg("retention hint: local index scan failed")
		}
	}
}

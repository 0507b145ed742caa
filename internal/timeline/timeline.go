package timeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/neondatabase/pageserver-go/internal/errs"
	"github.com/neondatabase/pageserver-go/internal/handlecache"
	"github.com/neondatabase/pageserver-go/internal/indexpart"
	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/layermap"
	"github.com/neondatabase/pageserver-go/internal/lsn"
	"github.com/neondatabase/pageserver-go/internal/manifest"
	"github.com/neondatabase/pageserver-go/internal/remoteclient"
)

// Timeline is the in-process object for one (tenant, timeline, shard):
// the layer map (C5), the local manifest (C10), the remote IndexPart
// (C7) and client (C8), and the handle-cache (C11) gate and registry
// every cached Handle shares. It implements both handlecache.Timeline
// and Backend, so the handle cache and the timeline manager (C12)
// both drive the one object, instead of each keeping a private copy
// of a timeline's identity and lifecycle state.
type Timeline struct {
	TenantID   uuid.UUID
	TimelineID uuid.UUID
	Shard      key.ShardIdentity
	LocalDir   string

	Layers *layermap.Map
	Remote *remoteclient.Client

	manifestPath string
	walSegSize   int

	gate  *handlecache.Gate
	state *handlecache.PerTimelineState

	mu                  sync.Mutex
	manifestHandle      *manifest.Manifest
	index               *indexpart.IndexPart
	commitLsn           lsn.Lsn
	backupLsn           lsn.Lsn
	remoteConsistentLsn lsn.Lsn
	flushLsn            lsn.Lsn
	term                uint64
	inmemFlushPending   bool
	cfileLastPersistAt  time.Time
	walRemovalOnHold    bool

	active       atomic.Bool
	backupActive atomic.Bool
	archived     atomic.Bool
}

// NewTimeline opens (or creates) the on-disk manifest at
// localDir/manifest and wraps it together with an initial IndexPart
// and layer map into a ready Timeline.
func NewTimeline(tenantID, timelineID uuid.UUID, shard key.ShardIdentity, localDir string, remote *remoteclient.Client, walSegSize int) (*Timeline, error) {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return nil, errs.Wrap(errs.KindOther, "timeline: create local dir", err)
	}

	manifestPath := filepath.Join(localDir, "manifest")
	var m *manifest.Manifest
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		m, err = manifest.Init(manifestPath, manifest.Snapshot{})
		if err != nil {
			return nil, err
		}
	} else {
		m, err = manifest.Open(manifestPath)
		if err != nil {
			return nil, err
		}
	}

	tl := &Timeline{
		TenantID:       tenantID,
		TimelineID:     timelineID,
		Shard:          shard,
		LocalDir:       localDir,
		Layers:         layermap.New(),
		Remote:         remote,
		manifestPath:   manifestPath,
		walSegSize:     walSegSize,
		gate:           &handlecache.Gate{},
		state:          handlecache.NewPerTimelineState(),
		manifestHandle: m,
		index:          indexpart.New(lsn.Invalid),
	}
	return tl, nil
}

// --- handlecache.Timeline ---

func (tl *Timeline) Gate() *handlecache.Gate { return tl.gate }

func (tl *Timeline) ShardIdentity() key.ShardIdentity { return tl.Shard }

func (tl *Timeline) ShardTimelineID() handlecache.ShardTimelineId {
	return handlecache.ShardTimelineId{
		ShardIndex: handlecache.ShardIndex{Number: tl.Shard.Number, Count: tl.Shard.Count},
		TimelineID: tl.TimelineID,
	}
}

func (tl *Timeline) PerTimelineState() *handlecache.PerTimelineState { return tl.state }

// --- Backend ---

// Snapshot implements Backend.
func (tl *Timeline) Snapshot() (StateSnapshot, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return StateSnapshot{
		CommitLsn:                tl.commitLsn,
		BackupLsn:                tl.backupLsn,
		RemoteConsistentLsn:      tl.remoteConsistentLsn,
		CFilePeerHorizonLsn:      tl.remoteConsistentLsn,
		CFileRemoteConsistentLsn: tl.remoteConsistentLsn,
		CFileBackupLsn:           tl.backupLsn,
		FlushLsn:                 tl.flushLsn,
		Term:                     tl.term,
		CFileLastPersistAt:       tl.cfileLastPersistAt,
		InmemFlushPending:        tl.inmemFlushPending,
		WalRemovalOnHold:         tl.walRemovalOnHold,
	}, nil
}

// AdvanceCommit records new in-memory progress and marks the control
// file as having pending state to flush, for tests and for whatever
// drives ingest in front of this timeline.
func (tl *Timeline) AdvanceCommit(commit, flush lsn.Lsn) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.commitLsn = lsn.Max(tl.commitLsn, commit)
	tl.flushLsn = lsn.Max(tl.flushLsn, flush)
	tl.inmemFlushPending = true
}

// SaveControlFile implements Backend by appending the layer map's
// current layer set as a manifest snapshot, standing in for the
// original implementation's control-file persist. Grounded on C10's
// Manifest.Compact/AppendSnapshot.
func (tl *Timeline) SaveControlFile() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	names := make([]string, 0)
	for _, l := range tl.Layers.All() {
		switch lv := l.(type) {
		case *layermap.ImageLayer:
			names = append(names, lv.Name.String())
		case *layermap.DeltaLayer:
			names = append(names, lv.Name.String())
		}
	}

	if err := tl.manifestHandle.AppendSnapshot(manifest.Snapshot{Layers: names, Lsn: tl.flushLsn}); err != nil {
		return err
	}
	tl.cfileLastPersistAt = time.Now()
	tl.inmemFlushPending = false
	return nil
}

// RemoveWALUpTo implements Backend as a no-op. This module retains no
// separate WAL buffer past what has already become layer files (C4),
// and this method removes no files, layers or manifest records.
func (tl *Timeline) RemoveWALUpTo(segNo uint64) error {
	_ = lsn.SegmentStart(segNo, tl.walSegSize)
	return nil
}

// StartBackup implements Backend: continuous backup is modeled as
// repeatedly uploading the current IndexPart until stop fires,
// bumping RemoteConsistentLsn/BackupLsn to CommitLsn each round.
// Grounded on the original implementation's wal_backup::update_task,
// adapted from safekeeper's raw-WAL shipping to this module's
// IndexPart upload (C7/C8).
func (tl *Timeline) StartBackup(stop <-chan struct{}) <-chan error {
	done := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				done <- nil
				return
			case <-ticker.C:
				if err := tl.uploadIndex(); err != nil {
					done <- err
					return
				}
			}
		}
	}()
	return done
}

// StartPartialUpload implements Backend: a single IndexPart upload
// representing the not-yet-finalized tail, bumping BackupLsn to
// FlushLsn. Grounded on the original implementation's
// wal_backup_partial::main_task.
func (tl *Timeline) StartPartialUpload(cancel <-chan struct{}) <-chan error {
	done := make(chan error, 1)
	go func() {
		select {
		case <-cancel:
			done <- nil
		default:
			tl.mu.Lock()
			flush := tl.flushLsn
			tl.mu.Unlock()
			err := tl.uploadIndex()
			if err == nil {
				tl.mu.Lock()
				tl.backupLsn = lsn.Max(tl.backupLsn, flush)
				tl.mu.Unlock()
			}
			done <- err
		}
	}()
	return done
}

func (tl *Timeline) uploadIndex() error {
	tl.mu.Lock()
	tl.backupLsn = tl.commitLsn
	tl.remoteConsistentLsn = tl.commitLsn
	raw, err := tl.index.Encode()
	tl.mu.Unlock()
	if err != nil {
		return err
	}
	return tl.Remote.UploadBytes(context.Background(), tl.indexRemoteKey(), raw)
}

func (tl *Timeline) indexRemoteKey() string {
	return "tenants/" + tl.TenantID.String() + "/timelines/" + tl.TimelineID.String() + "/index_part.json"
}

// SetBackupActive implements Backend.
func (tl *Timeline) SetBackupActive(active bool) { tl.backupActive.Store(active) }

// SetActive implements Backend.
func (tl *Timeline) SetActive(active bool) { tl.active.Store(active) }

// WalSegSize implements Backend.
func (tl *Timeline) WalSegSize() int { return tl.walSegSize }

// EvictLocalWAL implements Backend by removing the timeline's local
// directory entirely, keeping only the in-process IndexPart and
// manifest handle (the manifest file itself lives in LocalDir, so a
// real evict would first upload it; offload.go's Offload is the
// administrative equivalent that does so explicitly).
func (tl *Timeline) EvictLocalWAL() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if err := tl.manifestHandle.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(tl.LocalDir); err != nil {
		return errs.Wrap(errs.KindOther, "timeline: evict local dir", err)
	}
	return nil
}

// UnevictLocalWAL implements Backend by recreating the local
// directory and a fresh manifest that lists no layers; it downloads
// no layers or WAL.
func (tl *Timeline) UnevictLocalWAL() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if err := os.MkdirAll(tl.LocalDir, 0755); err != nil {
		return errs.Wrap(errs.KindOther, "timeline: unevict local dir", err)
	}
	m, err := manifest.Init(tl.manifestPath, manifest.Snapshot{Lsn: tl.flushLsn})
	if err != nil {
		return err
	}
	tl.manifestHandle = m
	return nil
}

// IsArchived reports whether Archive has been called without a later
// Unarchive.
func (tl *Timeline) IsArchived() bool { return tl.archived.Load() }

// Package timeline implements the per-timeline background supervisor
// (C12): one instance runs alongside each timeline, ticking on any
// interesting state change and deciding, in order, whether to
// start/stop continuous backup, flip the active flag, persist the
// control file, remove WAL strictly older than the removal horizon,
// upload a partial segment, and evict the timeline once it is quiet.
//
// Grounded on the original implementation's
// safekeeper/src/timeline_manager.rs: the event loop shape (one
// generation-counted tick, a fixed per-tick decision order, background
// tasks tracked as optional join handles) is kept as-is; the manager's
// Backend interface replaces the original's direct field access on
// Timeline/TenantManager so a concrete pageserver timeline can supply
// its own notion of "control file" (the local manifest, C10) and
// "backup" (remote upload via C8) while the supervisor logic stays the
// same shape.
package timeline

import (
	"time"

	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// PeerInfo is one replica's reported horizon, folded into the WAL
// removal horizon alongside the local state.
type PeerInfo struct {
	NodeID     uint64
	HorizonLsn lsn.Lsn
}

// StateSnapshot is a point-in-time view of a timeline's state, taken
// once per manager tick so every decision made during that tick sees
// one consistent picture instead of racing against concurrent
// updates. Grounded on timeline_manager.rs's StateSnapshot.
type StateSnapshot struct {
	// In-memory values, possibly ahead of what's durably persisted.
	CommitLsn           lsn.Lsn
	BackupLsn           lsn.Lsn
	RemoteConsistentLsn lsn.Lsn

	// Durably persisted values, as of the last control-file save.
	CFilePeerHorizonLsn      lsn.Lsn
	CFileRemoteConsistentLsn lsn.Lsn
	CFileBackupLsn           lsn.Lsn

	FlushLsn lsn.Lsn
	Term     uint64

	CFileLastPersistAt time.Time
	InmemFlushPending  bool
	WalRemovalOnHold   bool
	Peers              []PeerInfo

	// OldestWalsenderLsn is the most lagging replication consumer's
	// position, or nil when replication-aware horizon keeping is
	// disabled or no consumer is attached.
	OldestWalsenderLsn *lsn.Lsn
}

// Backend is the side-effecting surface a concrete timeline wires to
// its real storage: the local manifest for "control file" persistence,
// the remote client for "backup" upload, and local layer/WAL removal.
// The manager only ever calls through this interface; it never
// touches storage directly.
type Backend interface {
	// Snapshot returns the current state. Called once per tick.
	Snapshot() (StateSnapshot, error)
	// SaveControlFile persists pending in-memory state.
	SaveControlFile() error
	// RemoveWALUpTo removes local segments strictly below segNo.
	RemoveWALUpTo(segNo uint64) error
	// StartBackup launches continuous backup in the background,
	// returning a channel that receives exactly one value (nil on a
	// clean stop) when the task ends.
	StartBackup(stop <-chan struct{}) <-chan error
	// StartPartialUpload launches one partial-segment upload attempt.
	StartPartialUpload(cancel <-chan struct{}) <-chan error
	// SetBackupActive records whether continuous backup is currently
	// running, for observers outside the manager.
	SetBackupActive(active bool)
	// SetActive records the externally visible active/inactive flag.
	SetActive(active bool)
	// WalSegSize returns the configured WAL segment size in bytes.
	WalSegSize() int
	// EvictLocalWAL removes this timeline's local WAL footprint
	// entirely, keeping only what is needed to serve a future unevict.
	EvictLocalWAL() error
	// UnevictLocalWAL restores the local footprint EvictLocalWAL
	// removed.
	UnevictLocalWAL() error
}

// Config bounds the manager's optional behaviors.
type Config struct {
	WalBackupEnabled      bool
	PartialBackupEnabled  bool
	EnableOffload         bool
	WalsendersKeepHorizon bool
}

// CalcHorizonLsn computes the WAL removal horizon: the oldest LSN that
// still must be retained locally, as the minimum across every pressure
// that could otherwise force removing WAL a reader still needs.
// Grounded on the original implementation's remove_wal::calc_horizon_lsn.
func CalcHorizonLsn(state StateSnapshot, replicationHorizon *lsn.Lsn) lsn.Lsn {
	horizon := lsn.Min(state.CFilePeerHorizonLsn, state.RemoteConsistentLsn)
	horizon = lsn.Min(horizon, state.BackupLsn)
	if replicationHorizon != nil {
		horizon = lsn.Min(horizon, *replicationHorizon)
	}
	return horizon
}

// isWalBackupRequired reports whether continuous backup should be
// running: either a compute is attached, or there is committed WAL
// that hasn't been backed up yet.
func isWalBackupRequired(numComputes int, state StateSnapshot) bool {
	return numComputes > 0 || state.CommitLsn > state.BackupLsn
}

// needsPartialUpload reports whether the flushed tail past the last
// backed-up LSN is worth shipping as a partial segment. Grounded on
// the original implementation's wal_backup_partial::needs_uploading.
func needsPartialUpload(state StateSnapshot) bool {
	return state.FlushLsn > state.BackupLsn
}

// ReadyForEviction reports whether a timeline may be evicted: no
// connected computes, no active backup work, the control file fully
// flushed (nextCFileSave is the zero time), and the latest partial
// segment already uploaded. Grounded on the original implementation's
// Manager::ready_for_eviction.
func ReadyForEviction(nextCFileSave time.Time, backupActive bool, numComputes int, partialUpToDate bool) bool {
	return numComputes == 0 && !backupActive && nextCFileSave.IsZero() && partialUpToDate
}

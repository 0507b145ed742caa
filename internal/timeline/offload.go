package timeline

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"

	"github.com/neondatabase/pageserver-go/internal/errs"
)

// ErrNotArchived is returned by Offload when the caller hasn't first
// archived the timeline (marked it as no longer needed for serving
// reads, only for potential future branch creation).
var ErrNotArchived = errors.New("timeline: offload requires an archived timeline")

// ErrHasLiveChildren is returned by Offload when another live timeline
// still branches off of the one being offloaded. Grounded on the
// original implementation's remove_timeline_from_tenant children
// check, which treats this as an invariant violation rather than a
// normal refusal; this module surfaces it as an ordinary error
// instead, since a Go caller is expected to check first.
var ErrHasLiveChildren = errors.New("timeline: offload refused, timeline has live children")

// Registry is the minimal tenant-level bookkeeping Offload/Unevict
// rely on: enumerating live children and flipping a timeline between
// "live, tracked locally" and "offloaded, tracked only by its
// IndexPart and a manifest entry". A full tenant manager is out of
// this module's scope; production wiring implements this against its
// own live-timeline map.
type Registry interface {
	// HasLiveChildren reports whether any live timeline's ancestor is
	// timelineID.
	HasLiveChildren(timelineID uuid.UUID) bool
	// MarkOffloaded removes timelineID from the live set once its
	// local directory is gone and its IndexPart has been uploaded.
	MarkOffloaded(timelineID uuid.UUID) error
	// MarkUnevicted re-admits timelineID to the live set once its
	// local directory and manifest have been restored.
	MarkUnevicted(timelineID uuid.UUID, tl *Timeline) error
}

// Archive marks tl as archived: eligible for offload, no longer kept
// warm for serving reads. Grounded on the original implementation's
// Timeline::remote_client's archival-state flag; this module tracks
// it directly on Timeline since there is no separate TimelineMetadata
// object in scope here.
func (tl *Timeline) Archive() { tl.archived.Store(true) }

// Unarchive reverses Archive without touching local state; Unevict
// calls it once the local footprint has actually been restored.
func (tl *Timeline) Unarchive() { tl.archived.Store(false) }

// Offload removes tl's on-disk directory and records it in reg as
// offloaded, keeping only its last-uploaded IndexPart and a manifest
// entry as its durable representation. Grounded on the original
// implementation's offload_timeline: the archived check, the
// live-children check, local directory removal, and the tenant-level
// bookkeeping update happen in that order, but the extra "timeline
// manifest hasn't been loaded yet" state offload.rs tracks doesn't
// apply here since this module's manifest (C10) is always available
// once a Timeline exists.
func Offload(ctx context.Context, tl *Timeline, reg Registry) error {
	if !tl.archived.Load() {
		return ErrNotArchived
	}
	if reg.HasLiveChildren(tl.TimelineID) {
		return ErrHasLiveChildren
	}

	tl.mu.Lock()
	if err := tl.manifestHandle.Close(); err != nil {
		tl.mu.Unlock()
		return err
	}
	tl.mu.Unlock()

	if err := os.RemoveAll(tl.LocalDir); err != nil {
		return errs.Wrap(errs.KindOther, "timeline: offload remove local dir", err)
	}

	if err := tl.uploadIndex(); err != nil {
		return err
	}

	return reg.MarkOffloaded(tl.TimelineID)
}

// Unevict recreates an offloaded timeline's local directory and
// re-admits it to reg's live set, reversing Offload. Grounded on the
// original implementation's timeline unoffload path, which recreates
// the Timeline from its OffloadedTimeline record and resumes
// background tasks; here UnevictLocalWAL does the recreation (a fresh
// manifest, with nothing downloaded) and Unevict handles the registry
// bookkeeping around it.
func Unevict(tl *Timeline, reg Registry) error {
	if err := tl.UnevictLocalWAL(); err != nil {
		return err
	}
	tl.Unarchive()
	return reg.MarkUnevicted(tl.TimelineID, tl)
}

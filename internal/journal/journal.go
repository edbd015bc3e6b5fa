// Package journal stages the scene patches produced between broadcasts and
// keeps a rolling buffer of keyframes for resynchronising players.
package journal

import (
	"sync"
	"time"

	"dndemicube/server/internal/assets"
	"dndemicube/server/internal/fog"
	"dndemicube/server/internal/scene"
)

// Telemetry captures the metrics adapter used by the journal to report drops.
type Telemetry interface {
	RecordJournalDrop(metric string)
}

// Journal accumulates patches generated during a frame and keeps a rolling
// buffer of recent keyframes.
type Journal struct {
	mu        sync.RWMutex
	patches   []Patch
	removed   map[string]struct{}
	keyframes []Keyframe
	maxFrames int
	maxAge    time.Duration
	telemetry Telemetry
	resync    *Policy
	now       func() time.Time
}

// New constructs a journal with storage for the configured number of
// keyframes and retention window.
func New(keyframeCapacity int, maxAge time.Duration) Journal {
	if keyframeCapacity < 0 {
		keyframeCapacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return Journal{
		patches:   make([]Patch, 0),
		removed:   make(map[string]struct{}),
		keyframes: make([]Keyframe, 0, keyframeCapacity),
		maxFrames: keyframeCapacity,
		maxAge:    maxAge,
		resync:    NewPolicy(),
		now:       time.Now,
	}
}

// AppendPatch records a patch for the current frame. An upsert for an entity
// already removed is dropped and counted against the resync policy, since ids
// are never reused.
func (j *Journal) AppendPatch(p Patch) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resync != nil {
		j.resync.NoteEvent()
	}
	switch p.Kind {
	case PatchInstanceRemoved, PatchOccluderRemoved:
		if j.removed == nil {
			j.removed = make(map[string]struct{})
		}
		j.removed[p.EntityID] = struct{}{}
	case PatchInstanceUpsert, PatchOccluderUpsert:
		if _, gone := j.removed[p.EntityID]; gone {
			j.recordJournalDropLocked(metricJournalUpsertAfterRemove)
			if j.resync != nil {
				j.resync.NoteAnomaly(metricJournalUpsertAfterRemove, p.EntityID)
			}
			return
		}
	}
	j.patches = append(j.patches, p)
}

// RecordChange converts an observed scene change into a patch.
func (j *Journal) RecordChange(c scene.Change) {
	switch c.Kind {
	case scene.ChangeInstanceUpsert:
		j.AppendPatch(Patch{Kind: PatchInstanceUpsert, EntityID: c.ID, Payload: c.Instance})
	case scene.ChangeInstanceRemoved:
		j.AppendPatch(Patch{Kind: PatchInstanceRemoved, EntityID: c.ID})
	case scene.ChangeOccluderUpsert:
		j.AppendPatch(Patch{Kind: PatchOccluderUpsert, EntityID: c.ID, Payload: c.Occluder})
	case scene.ChangeOccluderRemoved:
		j.AppendPatch(Patch{Kind: PatchOccluderRemoved, EntityID: c.ID})
	}
}

// RecordFog stages fog cell transitions.
func (j *Journal) RecordFog(cells []fog.CellUpdate) {
	if len(cells) == 0 {
		return
	}
	j.AppendPatch(Patch{Kind: PatchFogCells, Payload: FogCellsPayload{Cells: append([]fog.CellUpdate(nil), cells...)}})
}

// RecordAsset stages a newly registered asset descriptor.
func (j *Journal) RecordAsset(a assets.Asset) {
	a.Image = nil
	j.AppendPatch(Patch{Kind: PatchAssetAdded, EntityID: a.Path, Payload: a})
}

// DrainPatches returns the staged patches compacted and clears the journal.
func (j *Journal) DrainPatches() []Patch {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.patches) == 0 {
		return nil
	}
	drained := Compact(j.patches)
	j.patches = j.patches[:0]
	return drained
}

// RestorePatches prepends the provided patches back into the journal. It is
// used when a drained batch could not be encoded and must be retried.
func (j *Journal) RestorePatches(p []Patch) {
	if len(p) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	restored := make([]Patch, 0, len(p)+len(j.patches))
	restored = append(restored, p...)
	restored = append(restored, j.patches...)
	j.patches = restored
}

// Reset clears staged patches and removal tracking. It is called when the
// scene is replaced and a keyframe supersedes all pending deltas.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.patches = j.patches[:0]
	j.removed = make(map[string]struct{})
}

// ConsumeResyncHint reports whether the journal observed enough anomalies to
// warrant a keyframe for every subscriber. Counters reset after each
// consumption.
func (j *Journal) ConsumeResyncHint() (ResyncSignal, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resync == nil {
		return ResyncSignal{}, false
	}
	return j.resync.Consume()
}

// RecordKeyframe stores a keyframe in the buffer enforcing retention limits
// by count and age.
func (j *Journal) RecordKeyframe(frame Keyframe) KeyframeRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxFrames == 0 {
		j.keyframes = j.keyframes[:0]
		return KeyframeRecordResult{}
	}

	now := time.Now
	if j.now != nil {
		now = j.now
	}
	frame.RecordedAt = now()
	j.keyframes = append(j.keyframes, frame)

	cutoff := time.Time{}
	if j.maxAge > 0 {
		cutoff = frame.RecordedAt.Add(-j.maxAge)
	}

	evicted := make([]KeyframeEviction, 0)
	if !cutoff.IsZero() {
		idx := 0
		for idx < len(j.keyframes) {
			if !j.keyframes[idx].RecordedAt.Before(cutoff) {
				break
			}
			evicted = append(evicted, KeyframeEviction{
				Sequence: j.keyframes[idx].Sequence,
				Reason:   "expired",
			})
			idx++
		}
		if idx > 0 {
			copy(j.keyframes, j.keyframes[idx:])
			j.keyframes = j.keyframes[:len(j.keyframes)-idx]
		}
	}

	if j.maxFrames > 0 && len(j.keyframes) > j.maxFrames {
		overflow := len(j.keyframes) - j.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, KeyframeEviction{
				Sequence: j.keyframes[i].Sequence,
				Reason:   "count",
			})
		}
		copy(j.keyframes, j.keyframes[overflow:])
		j.keyframes = j.keyframes[:len(j.keyframes)-overflow]
	}

	size := len(j.keyframes)
	result := KeyframeRecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestSequence = j.keyframes[0].Sequence
		result.NewestSequence = j.keyframes[size-1].Sequence
	}
	return result
}

// KeyframeBySequence returns the keyframe matching the provided sequence.
func (j *Journal) KeyframeBySequence(sequence uint64) (Keyframe, bool) {
	if sequence == 0 {
		return Keyframe{}, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, frame := range j.keyframes {
		if frame.Sequence == sequence {
			return frame, true
		}
	}
	return Keyframe{}, false
}

// LatestKeyframe returns the newest retained keyframe.
func (j *Journal) LatestKeyframe() (Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return Keyframe{}, false
	}
	return j.keyframes[len(j.keyframes)-1], true
}

// KeyframeWindow reports the current retention window.
func (j *Journal) KeyframeWindow() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.keyframes)
	if size == 0 {
		return size, 0, 0
	}
	oldest = j.keyframes[0].Sequence
	newest = j.keyframes[size-1].Sequence
	return size, oldest, newest
}

const (
	metricJournalUpsertAfterRemove = "journal_upsert_after_remove"
)

func (j *Journal) recordJournalDropLocked(metric string) {
	if j.telemetry == nil || metric == "" {
		return
	}
	j.telemetry.RecordJournalDrop(metric)
}

func (j *Journal) AttachTelemetry(t Telemetry) {
	j.mu.Lock()
	j.telemetry = t
	j.mu.Unlock()
}

// Keyframe captures the full scene at a broadcast version. Snapshots are
// immutable once recorded.
type Keyframe struct {
	Sequence   uint64
	Scene      scene.Snapshot
	Assets     []assets.Asset
	RecordedAt time.Time
}

type KeyframeEviction struct {
	Sequence uint64
	Reason   string
}

type KeyframeRecordResult struct {
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []KeyframeEviction
}

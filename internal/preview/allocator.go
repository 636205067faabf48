// Package preview stages pending uploads in a bounded, ordered set of slots
// so the upload pipeline always operates on a finite batch.
package preview

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// MaxSlots is the fixed capacity of the allocator
const MaxSlots = 4

// Revoker releases a locally generated temporary handle (e.g. a blob URL
// backing a thumbnail). It must be safe to call from any goroutine.
type Revoker func(ref string)

// Reference is one incoming preview reference. Local references carry a
// revocable temporary handle; durable references are already-uploaded URLs
// restored into the preview strip.
type Reference struct {
	Value string
	Local bool
}

// AddOutcome reports what happened to one reference passed to AddReferences
type AddOutcome int

const (
	// Added means the reference now occupies a slot.
	Added AddOutcome = iota
	// Duplicate means the reference already occupied a slot and was absorbed.
	Duplicate
	// DroppedCapacityExceeded means the reference was dropped, not queued,
	// because all slots were taken.
	DroppedCapacityExceeded
)

// AddResult pairs a reference with its outcome
type AddResult struct {
	Ref     Reference
	Outcome AddOutcome
}

// Slot is the visible state of one occupied slot
type Slot struct {
	Ref        Reference
	DurableURL string
}

// slot is the internal slot state, including the upload cancellation token
type slot struct {
	ref        Reference
	durableURL string
	ctx        context.Context
	cancel     context.CancelFunc
}

// Allocator is a fixed-capacity, ordered array of pending-upload slots. It
// owns the lifecycle of local temporary handles until they are discarded or
// handed off. Occupied slots always form a prefix of the array.
type Allocator struct {
	mu      sync.Mutex
	slots   [MaxSlots]*slot
	revoke  Revoker
	cleared bool
}

// NewAllocator creates an empty allocator. The revoker may be nil when
// references carry no local resources.
func NewAllocator(revoke Revoker) *Allocator {
	return &Allocator{revoke: revoke}
}

// AddReferences absorbs incoming references in order. Duplicates (by value)
// are absorbed silently, new references fill empty slots in ascending index
// order, and anything beyond capacity is dropped, not queued. The returned
// outcomes let callers surface a "maximum N files" notice instead of a
// swallowed side effect.
func (a *Allocator) AddReferences(refs ...Reference) []AddResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]AddResult, 0, len(refs))
	for _, ref := range refs {
		switch {
		case a.occupiedLocked(ref.Value):
			results = append(results, AddResult{Ref: ref, Outcome: Duplicate})
		case a.countLocked() >= MaxSlots:
			log.Debug().Str("ref", ref.Value).Int("capacity", MaxSlots).Msg("preview slot capacity exceeded, reference dropped")
			results = append(results, AddResult{Ref: ref, Outcome: DroppedCapacityExceeded})
			// A dropped local handle would leak otherwise
			if ref.Local && a.revoke != nil {
				a.revoke(ref.Value)
			}
		default:
			ctx, cancel := context.WithCancel(context.Background())
			a.slots[a.countLocked()] = &slot{ref: ref, ctx: ctx, cancel: cancel}
			results = append(results, AddResult{Ref: ref, Outcome: Added})
		}
	}
	return results
}

// RemoveAt releases the slot at the given index of the filled projection.
// The local handle is revoked immediately and the slot's context cancelled so
// an in-flight upload's result gets discarded. Out-of-range indices are a
// no-op; removal never panics because a slot no longer exists.
func (a *Allocator) RemoveAt(index int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= a.countLocked() {
		return
	}

	removed := a.slots[index]
	removed.cancel()
	if removed.ref.Local && a.revoke != nil {
		a.revoke(removed.ref.Value)
	}

	// Compact the filled prefix; the array itself keeps its fixed length
	copy(a.slots[index:], a.slots[index+1:])
	a.slots[MaxSlots-1] = nil
}

// Clear revokes every outstanding local handle and cancels every slot
// context. Called on component teardown; repeated calls are a logged no-op so
// a double teardown cannot double-revoke.
func (a *Allocator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cleared {
		log.Warn().Msg("preview allocator cleared twice")
		return
	}
	a.cleared = true

	for i, s := range a.slots {
		if s == nil {
			continue
		}
		s.cancel()
		if s.ref.Local && a.revoke != nil {
			a.revoke(s.ref.Value)
		}
		a.slots[i] = nil
	}
}

// CompleteUpload records the durable URL for the slot holding the given
// reference value. It reports false when the slot was removed while the
// upload was in flight; the caller then simply discards the result.
func (a *Allocator) CompleteUpload(refValue, durableURL string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.slots {
		if s != nil && s.ref.Value == refValue {
			s.durableURL = durableURL
			return true
		}
	}
	return false
}

// SlotContext returns the cancellation context for the slot holding the given
// reference value. Uploads derive from it so RemoveAt/Clear signal them.
func (a *Allocator) SlotContext(refValue string) (context.Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.slots {
		if s != nil && s.ref.Value == refValue {
			return s.ctx, true
		}
	}
	return nil, false
}

// Slots returns a snapshot of the filled projection in order
func (a *Allocator) Slots() []Slot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Slot, 0, a.countLocked())
	for _, s := range a.slots {
		if s == nil {
			break
		}
		out = append(out, Slot{Ref: s.ref, DurableURL: s.durableURL})
	}
	return out
}

// OccupiedCount returns the number of filled slots
func (a *Allocator) OccupiedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countLocked()
}

// CanAddMore reports whether at least one slot is free
func (a *Allocator) CanAddMore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countLocked() < MaxSlots
}

// NextIndex returns the 1-based position of the next upload, used for
// user-facing numbering such as "Photo 3"
func (a *Allocator) NextIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countLocked() + 1
}

func (a *Allocator) countLocked() int {
	for i, s := range a.slots {
		if s == nil {
			return i
		}
	}
	return MaxSlots
}

func (a *Allocator) occupiedLocked(value string) bool {
	for _, s := range a.slots {
		if s != nil && s.ref.Value == value {
			return true
		}
	}
	return false
}

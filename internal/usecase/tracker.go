package usecase

import (
	"fmt"
	"time"

	"github.com/vitos/pivot_trade_bot/internal/domain"
)

// PositionTracker is the authoritative registry of level positions, keyed by
// slot identity, with a secondary index from every known order reference to
// its owning position.
//
// The tracker is confined to the strategy engine's event loop and is not safe
// for concurrent use.
type PositionTracker struct {
	positions map[string]*domain.LevelPosition
	refIndex  map[string]string // order ref -> slot id
}

func NewPositionTracker() *PositionTracker {
	return &PositionTracker{
		positions: make(map[string]*domain.LevelPosition),
		refIndex:  make(map[string]string),
	}
}

// Create registers a new pending position for a slot. It fails if the slot
// already holds an active position.
func (t *PositionTracker) Create(symbol string, side domain.Side, levelPrice, size float64, entryRef string) (*domain.LevelPosition, error) {
	id := domain.SlotID(symbol, side, levelPrice)
	if existing, ok := t.positions[id]; ok {
		if existing.Status.Active() {
			return nil, fmt.Errorf("slot %s already has an active position (%s)", id, existing.Status)
		}
		// Replacing a terminal record: drop its references so late duplicate
		// events resolve to nothing instead of to the re-armed successor.
		t.dropRefs(existing)
	}

	now := time.Now()
	pos := &domain.LevelPosition{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		LevelPrice: levelPrice,
		Size:       size,
		EntryRef:   entryRef,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.positions[id] = pos
	t.refIndex[entryRef] = id
	return pos, nil
}

// MarkFilled transitions a pending position to filled, recording the fill
// price and both protective order references together. Unknown entry refs
// are a no-op.
func (t *PositionTracker) MarkFilled(entryRef string, fillPrice float64, tpRef, slRef string) *domain.LevelPosition {
	pos := t.ByRef(entryRef)
	if pos == nil || pos.Status != domain.StatusPending || pos.EntryRef != entryRef {
		return nil
	}

	pos.Status = domain.StatusFilled
	pos.FillPrice = fillPrice
	pos.TPRef = tpRef
	pos.SLRef = slRef
	pos.UpdatedAt = time.Now()
	t.refIndex[tpRef] = pos.ID
	t.refIndex[slRef] = pos.ID
	return pos
}

// MarkExit transitions a filled position to the given exit status when ref is
// one of its protective orders. It returns the position and the paired
// reference that still needs cancelling.
func (t *PositionTracker) MarkExit(ref string, status domain.PositionStatus) (*domain.LevelPosition, string) {
	if status != domain.StatusTPHit && status != domain.StatusSLHit {
		return nil, ""
	}
	pos := t.ByRef(ref)
	if pos == nil || pos.Status != domain.StatusFilled {
		return nil, ""
	}

	var other string
	switch ref {
	case pos.TPRef:
		other = pos.SLRef
	case pos.SLRef:
		other = pos.TPRef
	default:
		return nil, ""
	}

	pos.Status = status
	pos.UpdatedAt = time.Now()
	return pos, other
}

// MarkCancelled transitions a pending position to cancelled. Filled or
// terminal positions are left untouched.
func (t *PositionTracker) MarkCancelled(ref string) *domain.LevelPosition {
	pos := t.ByRef(ref)
	if pos == nil || pos.Status != domain.StatusPending || pos.EntryRef != ref {
		return nil
	}
	pos.Status = domain.StatusCancelled
	pos.UpdatedAt = time.Now()
	return pos
}

// ByRef resolves any known order reference (entry, TP or SL) to its position.
func (t *PositionTracker) ByRef(ref string) *domain.LevelPosition {
	id, ok := t.refIndex[ref]
	if !ok {
		return nil
	}
	return t.positions[id]
}

// BySlot returns the position currently occupying a slot, active or not.
func (t *PositionTracker) BySlot(symbol string, side domain.Side, levelPrice float64) *domain.LevelPosition {
	return t.positions[domain.SlotID(symbol, side, levelPrice)]
}

// HasActive reports whether a slot holds a pending or filled position.
func (t *PositionTracker) HasActive(symbol string, side domain.Side, levelPrice float64) bool {
	pos := t.BySlot(symbol, side, levelPrice)
	return pos != nil && pos.Status.Active()
}

// Active lists all pending and filled positions.
func (t *PositionTracker) Active() []*domain.LevelPosition {
	var out []*domain.LevelPosition
	for _, pos := range t.positions {
		if pos.Status.Active() {
			out = append(out, pos)
		}
	}
	return out
}

// Purge removes terminal positions and their reference-index entries. Active
// positions are never touched.
func (t *PositionTracker) Purge() int {
	removed := 0
	for id, pos := range t.positions {
		if !pos.Status.Terminal() {
			continue
		}
		t.dropRefs(pos)
		delete(t.positions, id)
		removed++
	}
	return removed
}

func (t *PositionTracker) dropRefs(pos *domain.LevelPosition) {
	for _, ref := range []string{pos.EntryRef, pos.TPRef, pos.SLRef} {
		if ref != "" && t.refIndex[ref] == pos.ID {
			delete(t.refIndex, ref)
		}
	}
}

package domain

import (
	"fmt"
	"strconv"
	"time"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other trading side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type PositionStatus string

const (
	StatusPending   PositionStatus = "pending"
	StatusFilled    PositionStatus = "filled"
	StatusCancelled PositionStatus = "cancelled"
	StatusTPHit     PositionStatus = "tp_hit"
	StatusSLHit     PositionStatus = "sl_hit"
)

// Terminal reports whether the status admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusTPHit || s == StatusSLHit
}

// Active reports whether the position still has a live order on the venue.
func (s PositionStatus) Active() bool {
	return s == StatusPending || s == StatusFilled
}

// LevelPosition tracks the lifecycle of one entry order at a price level,
// together with the protective orders attached after it fills.
type LevelPosition struct {
	ID         string
	Symbol     string
	Side       Side
	LevelPrice float64
	Size       float64
	EntryRef   string
	TPRef      string
	SLRef      string
	Status     PositionStatus
	FillPrice  float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SlotID derives the reusable identity of a (symbol, side, level) slot.
// Re-arming the same level yields the same slot.
func SlotID(symbol string, side Side, levelPrice float64) string {
	return fmt.Sprintf("%s|%s|%s", symbol, side, strconv.FormatFloat(levelPrice, 'f', 4, 64))
}

package domain

import "time"

// PairEvent is one audit record of a pair. Every persisted change of a pair
// carries one; From == To for leg-level progress inside a status.
type PairEvent struct {
	PairID  string
	From    PairStatus
	To      PairStatus
	Stage   Stage
	Message string
	At      time.Time
}

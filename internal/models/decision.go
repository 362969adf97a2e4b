package models

import "time"

// Decision is the contract the core consumes from the external signal layer.
// How it is computed is not our business.
type Decision struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Confidence float64   `json:"confidence"`
	SizeHint   float64   `json:"size_hint"`
	Timestamp  time.Time `json:"timestamp"`
}

package models

import "time"

// StateSnapshot is the persisted view of the bot: open positions, non-terminal
// brackets and the last known balance. Terminal brackets are never persisted.
type StateSnapshot struct {
	SessionID string         `json:"session_id"`
	Positions []Position     `json:"positions"`
	Brackets  []BracketGroup `json:"orders"`
	Balance   Balance        `json:"balance"`
	SavedAt   time.Time      `json:"saved_at"`
}

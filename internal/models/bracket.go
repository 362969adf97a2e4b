package models

import (
	"strconv"
	"time"
)

type BracketState uint8

const (
	BracketIdle BracketState = iota
	BracketLocked
	BracketMainPending
	BracketMainFilled
	BracketPending
	BracketActive
	BracketClosing
	BracketClosed
	BracketFailed
)

var bracketStateStrs = [...]string{
	"idle", "locked", "main_pending", "main_filled",
	"bracket_pending", "active", "closing", "closed", "failed",
}

func (s BracketState) String() string {
	if int(s) < len(bracketStateStrs) {
		return bracketStateStrs[s]
	}
	panic("invalid bracket state string conversion " + strconv.Itoa(int(s)))
}

// Terminal reports whether the bracket can no longer change state.
func (s BracketState) Terminal() bool {
	return s == BracketClosed || s == BracketFailed
}

// BracketGroup is a linked main+TP+SL order group. At most one non-terminal
// group may exist per symbol at any time.
type BracketGroup struct {
	Symbol    string       `json:"symbol"`
	Main      *Order       `json:"main"`
	TP        *Order       `json:"tp,omitempty"`
	SL        *Order       `json:"sl,omitempty"`
	State     BracketState `json:"state"`
	Mode      ExecMode     `json:"mode"`
	CreatedAt time.Time    `json:"created_at"`
}

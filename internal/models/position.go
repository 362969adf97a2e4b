package models

import "time"

// Position is the local view of one open position. BracketMainID is a weak
// reference to the bracket that opened it, kept for lookup only.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	Leverage      int       `json:"leverage"`
	Mode          ExecMode  `json:"mode"`
	BracketMainID string    `json:"bracket_main_id,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Notional is the position value in quote currency.
func (p *Position) Notional() float64 { return p.Size * p.EntryPrice }

// Fill is a fill event coming back from the exchange (user-data stream or
// polled order state).
type Fill struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Reduce   bool      `json:"reduce"`
	Fee      float64   `json:"fee"`
	At       time.Time `json:"at"`
}

type Balance struct {
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// PortfolioState is the aggregate answer to "what is the bot holding".
type PortfolioState struct {
	Balance       Balance    `json:"balance"`
	Equity        float64    `json:"equity"`
	OpenPositions []Position `json:"open_positions"`
	OpenBrackets  int        `json:"open_brackets"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

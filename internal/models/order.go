package models

import (
	"bytes"
	"errors"
	"strconv"
	"time"
)

type OrderKind uint8

const (
	OrderKindMain OrderKind = iota
	OrderKindTakeProfit
	OrderKindStopLoss

	orderKindMainStr = "main"
	orderKindTPStr   = "take_profit"
	orderKindSLStr   = "stop_loss"
)

var (
	orderKindMainByte = []byte(`"main"`)
	orderKindTPByte   = []byte(`"take_profit"`)
	orderKindSLByte   = []byte(`"stop_loss"`)
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindMain:
		return orderKindMainStr
	case OrderKindTakeProfit:
		return orderKindTPStr
	case OrderKindStopLoss:
		return orderKindSLStr
	}
	panic("invalid order kind string conversion " + strconv.Itoa(int(k)))
}

func (k OrderKind) MarshalJSON() ([]byte, error) {
	switch k {
	case OrderKindMain:
		return orderKindMainByte, nil
	case OrderKindTakeProfit:
		return orderKindTPByte, nil
	case OrderKindStopLoss:
		return orderKindSLByte, nil
	}
	return nil, errors.New("invalid order kind json conversion: " + strconv.Itoa(int(k)))
}

func (k *OrderKind) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, orderKindMainByte):
		*k = OrderKindMain
	case bytes.Equal(data, orderKindTPByte):
		*k = OrderKindTakeProfit
	case bytes.Equal(data, orderKindSLByte):
		*k = OrderKindStopLoss
	default:
		return errors.New("unsupported order kind: " + string(data))
	}
	return nil
}

type OrderStatus uint8

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusOpen
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
)

var orderStatusStrs = [...]string{"pending", "open", "filled", "canceled", "rejected"}

func (s OrderStatus) String() string {
	if int(s) < len(orderStatusStrs) {
		return orderStatusStrs[s]
	}
	panic("invalid order status string conversion " + strconv.Itoa(int(s)))
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusRejected
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	if int(s) < len(orderStatusStrs) {
		return []byte(`"` + orderStatusStrs[s] + `"`), nil
	}
	return nil, errors.New("invalid order status json conversion: " + strconv.Itoa(int(s)))
}

func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	for i, str := range orderStatusStrs {
		if bytes.Equal(data, []byte(`"`+str+`"`)) {
			*s = OrderStatus(i)
			return nil
		}
	}
	return errors.New("unsupported order status: " + string(data))
}

func OrderStatusStrToType(value string) (OrderStatus, error) {
	for i, str := range orderStatusStrs {
		if value == str {
			return OrderStatus(i), nil
		}
	}
	return 0, errors.New("unsupported order status: " + value)
}

// ExecMode distinguishes real orders from ghost (simulated) ones. It is an
// explicit tag carried with every order so the simulated path is statically
// distinguishable, not inferred from a flag at a distance.
type ExecMode uint8

const (
	ExecModeLive ExecMode = iota
	ExecModeGhost

	execModeLiveStr  = "live"
	execModeGhostStr = "ghost"
)

func (m ExecMode) String() string {
	switch m {
	case ExecModeLive:
		return execModeLiveStr
	case ExecModeGhost:
		return execModeGhostStr
	}
	panic("invalid exec mode string conversion " + strconv.Itoa(int(m)))
}

func (m ExecMode) MarshalJSON() ([]byte, error) {
	switch m {
	case ExecModeLive:
		return []byte(`"live"`), nil
	case ExecModeGhost:
		return []byte(`"ghost"`), nil
	}
	return nil, errors.New("invalid exec mode json conversion: " + strconv.Itoa(int(m)))
}

func (m *ExecMode) UnmarshalJSON(data []byte) error {
	switch {
	case bytes.Equal(data, []byte(`"live"`)):
		*m = ExecModeLive
	case bytes.Equal(data, []byte(`"ghost"`)):
		*m = ExecModeGhost
	default:
		return errors.New("unsupported exec mode: " + string(data))
	}
	return nil
}

// Order is one leg of a bracket. TP and SL legs are always created as a linked
// pair: LinkedOrderID points at the sibling, and a terminal status on one leg
// triggers cancellation of the other.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Kind          OrderKind   `json:"kind"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	LinkedOrderID string      `json:"linked_order_id,omitempty"`
	Mode          ExecMode    `json:"mode"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NewOrder validates the shape before it can enter the state machine.
func NewOrder(symbol string, kind OrderKind, side Side, price, qty float64, mode ExecMode) (*Order, error) {
	if symbol == "" {
		return nil, errors.New("order: empty symbol")
	}
	if qty <= 0 {
		return nil, errors.New("order: quantity <= 0")
	}
	if kind != OrderKindMain && price <= 0 {
		return nil, errors.New("order: " + kind.String() + " requires a positive price")
	}
	return &Order{
		Symbol:    symbol,
		Kind:      kind,
		Side:      side,
		Status:    OrderStatusPending,
		Price:     price,
		Quantity:  qty,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// LinkSiblings wires a TP/SL pair together.
func LinkSiblings(tp, sl *Order) error {
	if tp == nil || sl == nil {
		return errors.New("order: cannot link nil siblings")
	}
	if tp.Kind != OrderKindTakeProfit || sl.Kind != OrderKindStopLoss {
		return errors.New("order: sibling link requires a take_profit and a stop_loss leg")
	}
	tp.LinkedOrderID = sl.ID
	sl.LinkedOrderID = tp.ID
	return nil
}

package service

import (
	"strconv"
	"time"

	"croupier_bot/internal/models"
)

type okxOrderResp struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		OrdID  string `json:"ordId"`
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	} `json:"data"`
}

type okxOrderDetail struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Px        string `json:"px"`
	AvgPx     string `json:"avgPx"`
	Sz        string `json:"sz"`
	Side      string `json:"side"`
	PosSide   string `json:"posSide"`
	State     string `json:"state"`
	CTime     string `json:"cTime"`
	TpTrigger string `json:"tpTriggerPx"`
	SlTrigger string `json:"slTriggerPx"`
}

type okxOrderDetailResp struct {
	Code string           `json:"code"`
	Msg  string           `json:"msg"`
	Data []okxOrderDetail `json:"data"`
}

type okxPositionsResp struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		Lever   string `json:"lever"`
	} `json:"data"`
}

type okxBalanceResp struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy     string `json:"ccy"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	} `json:"data"`
}

type okxTickerResp struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	} `json:"data"`
}

func okxState(state string) models.OrderStatus {
	switch state {
	case "live":
		return models.OrderStatusOpen
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "mmp_canceled":
		return models.OrderStatusCanceled
	default:
		return models.OrderStatusPending
	}
}

func (d okxOrderDetail) toOrder() *models.Order {
	px, _ := strconv.ParseFloat(d.AvgPx, 64)
	if px == 0 {
		px, _ = strconv.ParseFloat(d.Px, 64)
	}
	sz, _ := strconv.ParseFloat(d.Sz, 64)

	kind := models.OrderKindMain
	if d.TpTrigger != "" {
		kind = models.OrderKindTakeProfit
		px, _ = strconv.ParseFloat(d.TpTrigger, 64)
	} else if d.SlTrigger != "" {
		kind = models.OrderKindStopLoss
		px, _ = strconv.ParseFloat(d.SlTrigger, 64)
	}

	side := models.SideLong
	if d.PosSide == "short" {
		side = models.SideShort
	}

	var created time.Time
	if ms, err := strconv.ParseInt(d.CTime, 10, 64); err == nil {
		created = time.UnixMilli(ms).UTC()
	}

	return &models.Order{
		ID:            d.OrdID,
		ClientOrderID: d.ClOrdID,
		Symbol:        d.InstID,
		Kind:          kind,
		Side:          side,
		Status:        okxState(d.State),
		Price:         px,
		Quantity:      sz,
		Mode:          models.ExecModeLive,
		CreatedAt:     created,
	}
}

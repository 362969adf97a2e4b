package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"croupier_bot/pkg/logger"
)

const (
	okxPublicWS  = "wss://ws.okx.com:8443/ws/v5/public"
	okxPrivateWS = "wss://ws.okx.com:8443/ws/v5/private"
)

// Feed keeps websocket subscriptions alive: public tickers feeding the price
// cache and the private orders channel feeding fill confirmations.
type Feed struct {
	dialer    *websocket.Dialer
	publicWS  string
	privateWS string
	symbols   []string
	apiKey    string
	apiSecret string
	passph    string

	onPrice func(symbol string, px float64)

	cancel context.CancelFunc
}

func NewFeed(symbols []string, publicWS, privateWS, apiKey, apiSecret, passphrase string, onPrice func(string, float64)) *Feed {
	if publicWS == "" {
		publicWS = okxPublicWS
	}
	if privateWS == "" {
		privateWS = okxPrivateWS
	}
	return &Feed{
		dialer:    &websocket.Dialer{},
		publicWS:  publicWS,
		privateWS: privateWS,
		symbols:   symbols,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		passph:    passphrase,
		onPrice:   onPrice,
	}
}

func (f *Feed) Start(ctx context.Context, updates chan<- OrderUpdate) error {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.runPublic(ctx)
	if f.apiKey != "" {
		go f.runPrivate(ctx, updates)
	}
	return nil
}

func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Feed) runPublic(ctx context.Context) {
	retry := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := f.dialer.Dial(f.publicWS, nil)
		if err != nil {
			retry++
			logger.Error("[FEED] public dial failed (%d): %v", retry, err)
			if sleepCtx(ctx, time.Duration(300*retry)*time.Millisecond) != nil {
				return
			}
			continue
		}
		retry = 0

		args := make([]map[string]string, 0, len(f.symbols))
		for _, s := range f.symbols {
			args = append(args, map[string]string{"channel": "tickers", "instId": s})
		}
		_ = conn.WriteJSON(map[string]any{"op": "subscribe", "args": args})

		f.readLoop(ctx, conn, func(msg []byte) {
			var frame struct {
				Arg  struct{ Channel string `json:"channel"` } `json:"arg"`
				Data []struct {
					InstID string `json:"instId"`
					Last   string `json:"last"`
				} `json:"data"`
			}
			if err := sonic.Unmarshal(msg, &frame); err != nil || frame.Arg.Channel != "tickers" {
				return
			}
			for _, d := range frame.Data {
				if px, err := strconv.ParseFloat(d.Last, 64); err == nil && px > 0 && f.onPrice != nil {
					f.onPrice(d.InstID, px)
				}
			}
		})
	}
}

func (f *Feed) runPrivate(ctx context.Context, updates chan<- OrderUpdate) {
	retry := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := f.dialer.Dial(f.privateWS, nil)
		if err != nil {
			retry++
			logger.Error("[FEED] private dial failed (%d): %v", retry, err)
			if sleepCtx(ctx, time.Duration(300*retry)*time.Millisecond) != nil {
				return
			}
			continue
		}
		retry = 0

		f.login(conn)
		_ = conn.WriteJSON(map[string]any{
			"op":   "subscribe",
			"args": []map[string]string{{"channel": "orders", "instType": "SWAP"}},
		})

		f.readLoop(ctx, conn, func(msg []byte) {
			var frame struct {
				Arg  struct{ Channel string `json:"channel"` } `json:"arg"`
				Data []okxOrderDetail                          `json:"data"`
			}
			if err := sonic.Unmarshal(msg, &frame); err != nil || frame.Arg.Channel != "orders" {
				return
			}
			for _, d := range frame.Data {
				o := d.toOrder()
				upd := OrderUpdate{
					OrderID:       o.ID,
					ClientOrderID: o.ClientOrderID,
					Symbol:        o.Symbol,
					Status:        o.Status,
					Price:         o.Price,
					Quantity:      o.Quantity,
					At:            time.Now().UTC(),
				}
				select {
				case updates <- upd:
				default:
					logger.Error("[FEED] updates channel full, dropping %s %s", upd.Symbol, upd.Status)
				}
			}
		})
	}
}

func (f *Feed) login(conn *websocket.Conn) {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	h := hmac.New(sha256.New, []byte(f.apiSecret))
	h.Write([]byte(ts + "GET" + "/users/self/verify"))
	_ = conn.WriteJSON(map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     f.apiKey,
			"passphrase": f.passph,
			"timestamp":  ts,
			"sign":       base64.StdEncoding.EncodeToString(h.Sum(nil)),
		}},
	})
}

// readLoop pumps messages until the connection drops, keeping a ping ticker
// alive the way OKX expects.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, handle func([]byte)) {
	stopPing := make(chan struct{})
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ctx.Done():
				// unblocks the pending ReadMessage
				_ = conn.Close()
				return
			case <-t.C:
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			close(stopPing)
			_ = conn.Close()
			return
		}
		if string(msg) == "pong" {
			continue
		}
		handle(msg)
	}
}

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"croupier_bot/internal/modules/config"
	exsvc "croupier_bot/internal/modules/exchange/service"
	"croupier_bot/internal/modules/health/service"
	recon "croupier_bot/internal/modules/recon/service"
	shutdown "croupier_bot/internal/modules/shutdown/service"
)

type Config struct {
	Addr string // например ":8080"
}

func NewHTTPConfig(cfg *config.Config) Config {
	if cfg.Service.AdminPort != 0 {
		return Config{Addr: fmt.Sprintf("%s:%d", cfg.Service.Host, cfg.Service.AdminPort)}
	}
	return Config{Addr: ":8080"}
}

func NewMux(state *service.State, adapter *exsvc.Adapter, r *recon.Reconciler, ctrl *shutdown.Controller) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, req *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		// readiness: сервис готов обслуживать трафик
		if !state.Ready() || ctrl.Phase() != shutdown.PhaseRunning {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		// полезный JSON для отладки
		last := r.LastReport()
		resp := map[string]any{
			"ready":     state.Ready(),
			"phase":     ctrl.Phase().String(),
			"uptimeSec": int64(state.Uptime().Seconds()),
			"breakers": map[string]string{
				"orders":      adapter.Breaker(exsvc.CategoryOrders).State().String(),
				"account":     adapter.Breaker(exsvc.CategoryAccount).State().String(),
				"market_data": adapter.Breaker(exsvc.CategoryMarketData).State().String(),
			},
			"reconPasses": r.Passes(),
			"reconClean":  last.Clean(),
			"lastTickUnix": func() int64 {
				t := state.LastTick()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux, state *service.State) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			go func() { _ = srv.Serve(ln) }()
			state.SetReady(true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			state.SetReady(false)
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewHTTPConfig,
			NewMux,
		),
		fx.Invoke(RunHTTP),
	)
}

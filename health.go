package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/disgoorg/disgo/bot"
)

// ============================================================================
// Health Endpoint
// ============================================================================

const (
	MsgHealthListening    = "Liveness endpoint on port %s"
	MsgHealthDisabled     = "PORT not set, liveness endpoint off"
	MsgHealthServerErr    = "Liveness server error: %v"
	MsgHealthShuttingDown = "Stopping liveness endpoint..."
)

type healthStatus struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Guilds  int    `json:"guilds"`
	Players int    `json:"players"`
}

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		RegisterDaemon(LogHealth, func(ctx context.Context) (bool, func(), func()) {
			if GlobalConfig == nil || GlobalConfig.Port == "" {
				LogHealth(MsgHealthDisabled)
				return false, nil, nil
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/", serveHealth(client))
			mux.HandleFunc("/health", serveHealth(client))

			srv := &http.Server{Addr: ":" + GlobalConfig.Port, Handler: mux}

			run := func() {
				LogHealth(MsgHealthListening, GlobalConfig.Port)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					LogHealth(MsgHealthServerErr, err)
				}
			}
			shutdown := func() {
				LogHealth(MsgHealthShuttingDown)
				sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}
			return true, run, shutdown
		})
	})
}

func serveHealth(client bot.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		guilds := 0
		for range client.Caches.Guilds() {
			guilds++
		}
		players := 0
		if musicSys != nil {
			players = musicSys.players.Count()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:  "ok",
			Uptime:  time.Since(StartupTime).Round(time.Second).String(),
			Guilds:  guilds,
			Players: players,
		})
	}
}

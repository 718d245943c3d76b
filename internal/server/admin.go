package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/protocol"
)

// Admin is the operational sidecar listener: health probe and the public
// lobby listing. fasthttp keeps it off the websocket server's mux.
type Admin struct {
	srv  *Server
	http *fasthttp.Server
}

func NewAdmin(srv *Server) *Admin {
	a := &Admin{srv: srv}
	a.http = &fasthttp.Server{
		Handler:     a.route,
		ReadTimeout: 10 * time.Second,
		Name:        "arena-admin",
	}
	return a
}

// Run serves until the listener fails or Shutdown is called.
func (a *Admin) Run() error {
	obslog.L().Info("admin_listen", zap.String("addr", a.srv.cfg.AdminAddr))
	return a.http.ListenAndServe(a.srv.cfg.AdminAddr)
}

func (a *Admin) Shutdown() error {
	return a.http.Shutdown()
}

func (a *Admin) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		a.handleHealth(ctx)
	case "/lobby":
		a.handleLobby(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (a *Admin) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	_, _ = ctx.WriteString(`{"status":"ok"}`)
}

func (a *Admin) handleLobby(ctx *fasthttp.RequestCtx) {
	rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	snaps, err := a.srv.store.ListLobby(rctx)
	if err != nil {
		obslog.L().Warn("admin_lobby_error", zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	rooms := make([]protocol.RoomInfo, 0, len(snaps))
	for _, snap := range snaps {
		// A waiting room has one seated player; color was assigned at
		// creation, so the host may be either side.
		host := snap.White
		if host.ID == "" {
			host = snap.Black
		}
		rooms = append(rooms, protocol.RoomInfo{
			Code:        snap.Code,
			HostName:    host.Name,
			HostRating:  host.Rating,
			Mode:        snap.Mode,
			TimeControl: snap.Control,
		})
	}
	raw, err := json.Marshal(rooms)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	_, _ = ctx.Write(raw)
}

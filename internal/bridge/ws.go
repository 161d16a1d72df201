package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/pkg/protocol"
)

const writeTimeout = 15 * time.Second

// handleAgentLink serves the page agent connection: commands flow down as
// JSON messages and events flow up into the coordinator.
func (srv *Server) handleAgentLink(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	link := srv.attach(cancel)
	defer srv.detach(link)
	debug.LogKV("bridge", "page agent linked", "link", link.id, "remote", r.RemoteAddr)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-link.out.C():
				writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, ws, msg)
				writeCancel()
				if err != nil {
					debug.LogKV("bridge", "write to page agent failed", "link", link.id, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	// A fresh page may already host a live gameplay agent.
	srv.ctl.ProbeAgent()

	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			debug.LogKV("bridge", "page agent link closed", "link", link.id, "error", err)
			return
		}
		if msg.Type == "" || protocol.IsCommand(msg.Type) {
			debug.LogKV("bridge", "ignoring message from page agent", "type", msg.Type)
			continue
		}
		if !srv.ctl.Post(msg) {
			debug.LogKV("bridge", "coordinator dropped event", "type", msg.Type)
		}
	}
}

// handleStatusStream pushes the session record after every change.
func (srv *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := ws.CloseRead(r.Context())
	updates, unsubscribe := srv.ctl.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-updates:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, ws, rec)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
	"github.com/xtxerr/policysync/internal/wire"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleStream upgrades to a websocket and forwards bus events until the
// client disconnects or the server shuts down.
//
// Frames are protojson text by default; ?format=binary sends binary protobuf.
// ?domain= restricts the stream to one domain.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, errors.Wrap(errors.ErrNotFound, "event stream disabled"))
		return
	}

	var domain snapshot.Domain
	if q := r.URL.Query().Get("domain"); q != "" {
		d, err := snapshot.ParseDomain(q)
		if err != nil {
			writeError(w, err)
			return
		}
		domain = d
	}
	binary := r.URL.Query().Get("format") == "binary"

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		log.Debug("websocket upgrade failed", "error", err)
		return
	}

	s.streams.Add(1)
	defer s.streams.Done()
	defer ws.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only control frames are expected; any error ends the stream
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	remote := r.RemoteAddr
	log.Info("stream opened", "remote", remote, "binary", binary, "domain", domain)
	defer func() {
		log.Info("stream closed", "remote", remote, "dropped", sub.Dropped())
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.shutdown:
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			return

		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if domain != "" && ev.Domain != domain {
				continue
			}
			if err := writeEvent(ws, ev, binary); err != nil {
				log.Debug("stream write failed", "remote", remote, "error", err)
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev notify.Event, binary bool) error {
	var (
		frame []byte
		kind  int
		err   error
	)
	if binary {
		frame, err = wire.MarshalBinary(ev)
		kind = websocket.BinaryMessage
	} else {
		frame, err = wire.MarshalJSON(ev)
		kind = websocket.TextMessage
	}
	if err != nil {
		// Unencodable event: report it in-band and keep streaming
		return ws.WriteMessage(websocket.TextMessage, wire.ErrorJSON(err))
	}

	ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return ws.WriteMessage(kind, frame)
}

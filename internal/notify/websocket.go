package notify

import (
	"net/http"
	"time"

	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Handler upgrades requests to websockets and streams hub events.
type Handler struct {
	Hub      *Hub
	Snapshot func() room.Snapshot
	Logger   zerolog.Logger

	Upgrader     websocket.Upgrader
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// NewHandler creates a Handler that accepts any origin.
func NewHandler(hub *Hub, snapshot func() room.Snapshot, logger zerolog.Logger) *Handler {
	return &Handler{
		Hub:      hub,
		Snapshot: snapshot,
		Logger:   logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		WriteTimeout: defaultWriteTimeout,
		PingInterval: defaultPingInterval,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Subscribe before taking the snapshot so no mutation falls between
	// the two.
	sub := h.Hub.Subscribe()
	defer h.Hub.Unsubscribe(sub)

	log := h.Logger.With().Str("subscriber", sub.ID.String()).Str("remote", r.RemoteAddr).Logger()
	log.Info().Msg("observer connected")
	defer log.Info().Msg("observer disconnected")

	if err := h.write(conn, RoomUpdate(h.Snapshot())); err != nil {
		log.Debug().Err(err).Msg("initial snapshot failed")
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(2 * h.PingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * h.PingInterval))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.write(conn, e); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, e Event) error {
	conn.SetWriteDeadline(time.Now().Add(h.WriteTimeout))
	return conn.WriteJSON(e)
}

// Package ws is the websocket transport for the synchronization
// engine: one goroutine per connection reads envelopes in arrival
// order and hands them to the engine.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
	syncservice "github.com/lmoreau/switchboard/backend/internal/service/sync"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// Handler upgrades connections and runs their read loops.
type Handler struct {
	engine          *syncservice.Engine
	log             *slog.Logger
	upgrader        websocket.Upgrader
	maxMessageBytes int64
}

// NewHandler builds the websocket handler.
func NewHandler(engine *syncservice.Engine, log *slog.Logger, maxMessageBytes int64) *Handler {
	return &Handler{
		engine:          engine,
		log:             log,
		maxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	wc := newWSConn(conn)
	h.log.Info("websocket connected", "connectionId", wc.ID())

	// Disconnect without a prior leave-channel runs the same cleanup.
	defer h.engine.Disconnect(wc.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(h.maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, wc)

	for {
		var env model.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			// A frame that fails to decode is the sender's problem, not
			// a transport failure: answer the sender and keep reading.
			if isDecodeError(err) {
				wc.Send(model.Outbound{
					Type:      "error",
					Message:   "Server error processing message",
					Timestamp: time.Now().UnixMilli(),
				})
				h.log.Warn("discarded malformed frame", "connectionId", wc.ID(), "err", err)
				conn.SetReadDeadline(time.Now().Add(readTimeout))
				continue
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				wc.Send(model.Outbound{
					Type:      "error",
					Message:   "Message too large",
					Timestamp: time.Now().UnixMilli(),
				})
				h.log.Warn("message exceeded read limit", "connectionId", wc.ID())
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "connectionId", wc.ID(), "err", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch env.Type {
		case "join-channel":
			h.engine.Join(env, wc)
		case "leave-channel":
			h.engine.Leave(env)
		default:
			h.engine.HandleMessage(ctx, env, wc)
		}
	}
}

// isDecodeError distinguishes a frame that is not valid envelope JSON
// from transport and close errors, which do end the connection.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (h *Handler) pingLoop(ctx context.Context, wc *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wc.Ping(); err != nil {
				return
			}
		}
	}
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lmoreau/switchboard/backend/internal/handler/ws"
	middlewarePkg "github.com/lmoreau/switchboard/backend/internal/middleware"
	syncservice "github.com/lmoreau/switchboard/backend/internal/service/sync"
	"github.com/lmoreau/switchboard/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the engine.
func NewRouter(engine *syncservice.Engine, log *slog.Logger, maxMessageBytes int64) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	wsHandler := ws.NewHandler(engine, log, maxMessageBytes)
	wsHandler.RegisterRoutes(r)

	channelsHandler := NewChannelsHandler(engine)
	r.Route("/api", func(api chi.Router) {
		channelsHandler.RegisterRoutes(api)
	})

	return r
}

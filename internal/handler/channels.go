package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	syncservice "github.com/lmoreau/switchboard/backend/internal/service/sync"
	"github.com/lmoreau/switchboard/backend/pkg/utils"
)

// ChannelsHandler exposes the active channel listing over REST.
type ChannelsHandler struct {
	engine *syncservice.Engine
}

// NewChannelsHandler creates the handler.
func NewChannelsHandler(engine *syncservice.Engine) *ChannelsHandler {
	return &ChannelsHandler{engine: engine}
}

// RegisterRoutes registers channel-related routes.
func (h *ChannelsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/channels", h.handleListChannels)
}

func (h *ChannelsHandler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"channels": h.engine.Channels(),
	})
}

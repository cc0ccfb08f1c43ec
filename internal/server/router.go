package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parleychat/parley/internal/agent"
	"github.com/parleychat/parley/internal/event"
	"github.com/parleychat/parley/pkg/utils"
)

// NewRouter wires the dev server's HTTP surface: the WebSocket endpoint, the
// paginated room history API the client seeds its tracker from, and the
// agent profile listing.
func NewRouter(hub *Hub, profiles agent.Store) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	wsHandler := NewWebSocketHandler(hub)

	r.Route("/api", func(api chi.Router) {
		api.Get("/ws", wsHandler.ServeHTTP)

		api.Get("/rooms/{roomID}/messages", func(w http.ResponseWriter, req *http.Request) {
			roomID := chi.URLParam(req, "roomID")

			limit := 100
			if raw := req.URL.Query().Get("limit"); raw != "" {
				v, err := strconv.Atoi(raw)
				if err != nil || v <= 0 {
					utils.RespondError(w, http.StatusBadRequest, "invalid limit")
					return
				}
				limit = v
			}

			room, ok := hub.FindRoom(roomID)
			if !ok {
				// An unknown room simply has no history yet.
				utils.RespondJSON(w, http.StatusOK, map[string]any{
					"messages": []event.Message{},
				})
				return
			}

			page, next := room.Page(req.URL.Query().Get("cursor"), limit)
			if page == nil {
				page = []event.Message{}
			}
			resp := map[string]any{"messages": page}
			if next != "" {
				resp["nextCursor"] = next
			}
			utils.RespondJSON(w, http.StatusOK, resp)
		})

		api.Get("/agents", func(w http.ResponseWriter, req *http.Request) {
			utils.RespondJSON(w, http.StatusOK, profiles.List())
		})
	})

	return r
}

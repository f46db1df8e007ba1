package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"iogrid/internal/game"
)

// Handler methods for routerHandlers
// These are used by both the standalone router (for testing) and the full Server.

func (h *routerHandlers) handleGetWorld(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.worlds.Info())
}

// statsResponse aggregates the latest snapshot of every local world.
type statsResponse struct {
	Players  int              `json:"players"`
	Coins    int              `json:"coins"`
	Entities int              `json:"entities"`
	Workers  []*game.Snapshot `json:"workers"`
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	snaps := h.worlds.Snapshots()
	resp := statsResponse{Workers: snaps}
	for _, s := range snaps {
		for _, c := range s.Cells {
			resp.Players += c.Players
			resp.Coins += c.Coins
			resp.Entities += c.Entities - c.External
		}
	}
	writeJSON(w, resp)
}

func (h *routerHandlers) handleGetMap(w http.ResponseWriter, r *http.Request) {
	size := DefaultMinimapSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "Invalid size", http.StatusBadRequest)
			return
		}
		size = n
	}

	size = clampMinimapSize(size)

	png, err := h.maps.GetOrRender(size, func() ([]byte, error) {
		var buf bytes.Buffer
		if err := RenderMinimap(&buf, h.worlds.Info(), h.worlds.Snapshots(), size); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		h.log.Error("minimap render failed", zap.Error(err))
		writeError(w, "Render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

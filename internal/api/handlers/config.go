package handlers

import (
	"net/http"

	"github.com/eargollo/piiscan/internal/config"
)

// ConfigHandler handles GET /api/config. The configuration is immutable
// while the process runs.
type ConfigHandler struct {
	Cfg *config.Config
}

// Get handles GET /api/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cfg)
}

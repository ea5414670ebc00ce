package httpapi

import (
	"net/http"

	"github.com/aura-voice/aura/internal/voices"
)

type listVoicesResponse struct {
	DefaultVoice string        `json:"default_voice"`
	Skins        []voices.Skin `json:"skins"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoice: s.cfg.DefaultVoice,
		Skins:        voices.All(),
	})
}

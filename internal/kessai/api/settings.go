package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Treynis/ejbca/internal/kessai/config"
)

// ResourceEditSettings is the access right needed to read or change the
// runtime settings.
const ResourceEditSettings = "/system_functionality/edit_systemconfiguration"

type settingBody struct {
	Value string `json:"value"`
}

func (s *Server) canEditSettings(w http.ResponseWriter, r *http.Request) bool {
	caller, _ := IdentityFromContext(r.Context())
	if !s.authz.IsAuthorized(r.Context(), caller, ResourceEditSettings) {
		writeError(w, http.StatusForbidden, "authorization_denied", "access to "+ResourceEditSettings+" denied")
		return false
	}
	return true
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	if !s.canEditSettings(w, r) {
		return
	}
	all, err := s.settings.List(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	if !s.canEditSettings(w, r) {
		return
	}
	key := chi.URLParam(r, "key")
	var body settingBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := config.Validate(key, body.Value); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_setting", err.Error())
		return
	}
	if err := s.settings.Set(r.Context(), key, body.Value); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: body.Value})
}

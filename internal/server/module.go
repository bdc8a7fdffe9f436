package server

import (
	"errors"
	"net/http"

	"github.com/rakunlabs/at/internal/store"
)

type idView struct {
	ID int64 `json:"id"`
}

// ModuleAPI handles GET /module/{name}: looks up a module definition by
// name for external tooling (e.g. a /task/add caller resolving a module ID).
func (s *Server) ModuleAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		httpError(w, "name is required", http.StatusBadRequest)
		return
	}

	mod, err := s.directory.Module(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "module not found", http.StatusNotFound)
			return
		}
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, idView{ID: mod.ID}, http.StatusOK)
}

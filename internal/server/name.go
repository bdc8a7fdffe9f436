package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

type nameView struct {
	Name           string `json:"name"`
	Addr           string `json:"addr"`
	FullDevices    string `json:"full_devices"`
	BridgesDevices string `json:"bridges_devices"`
}

// ByNameAPI handles GET /name/{name}: resolves a username (or the reserved
// `rori` system name) to its address and device lists.
func (s *Server) ByNameAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		httpError(w, "name is required", http.StatusBadRequest)
		return
	}

	res, err := s.directory.ByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "name not registred", http.StatusNotFound)
			return
		}
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, nameView{
		Name:           name,
		Addr:           res.Addr,
		FullDevices:    joinHashes(res.FullDevices),
		BridgesDevices: joinHashes(res.BridgeDevices),
	}, http.StatusOK)
}

type addressView struct {
	Name      string `json:"name"`
	IsBridge  bool   `json:"is_bridge"`
	UsersList string `json:"users_list"`
}

// ByAddressAPI handles GET /addr/{hash}: resolves a device hash to its
// owning name, whether it is a bridge, and every username bound to it.
func (s *Server) ByAddressAPI(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	if hash == "" {
		httpError(w, "hash is required", http.StatusBadRequest)
		return
	}

	res, err := s.directory.ByAddress(r.Context(), hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "address not registred", http.StatusNotFound)
			return
		}
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, addressView{
		Name:      res.Name,
		IsBridge:  res.IsBridge,
		UsersList: joinUsers(res.Users),
	}, http.StatusOK)
}

// joinHashes renders devs as a ";"-terminated list of "0x"-prefixed hashes.
func joinHashes(devs []model.Device) string {
	if len(devs) == 0 {
		return ""
	}

	var b strings.Builder
	for _, d := range devs {
		b.WriteString("0x")
		b.WriteString(d.Hash)
		b.WriteByte(';')
	}
	return b.String()
}

// joinUsers renders users as a ";"-terminated list.
func joinUsers(users []string) string {
	if len(users) == 0 {
		return ""
	}
	return strings.Join(users, ";") + ";"
}
